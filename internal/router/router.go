// Package router builds the ordered execution plan for backend-mode
// dispatch: enabled providers with the task capability, sorted by configured
// weight with declaration order breaking ties. Execution and retries live in
// the gateway; the router only plans.
package router

import (
	"sort"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/providers"
)

// Step is one (provider, model) pair in the plan.
type Step struct {
	Provider  string
	Model     string
	Weight    float64
	Overlay   providers.Overlay
	Optimizer imagegateway.OptimizerSwitches
}

// Router plans over the registry using the runtime document's provider
// settings.
type Router struct {
	registry *providers.Registry
}

// New creates a Router over the registry.
func New(registry *providers.Registry) *Router {
	return &Router{registry: registry}
}

// Plan returns the ordered steps for task. requestedModel, when non-empty,
// is honored by every provider that lists it; other providers stay in the
// plan with their own effective model. An empty plan means no provider can
// serve the task.
func (r *Router) Plan(rt imagegateway.Runtime, task providers.Task, requestedModel string) []Step {
	var steps []Step
	for _, name := range r.registry.List() {
		p, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		settings := rt.Providers[name]
		if settings.Enabled != nil && !*settings.Enabled {
			continue
		}
		if !supportsTask(p.Capabilities(), task) {
			continue
		}

		overlay := overlayFor(settings, task)
		model := overlay.Model
		if model == "" {
			model = defaultModelFor(p, task)
		}
		if requestedModel != "" && p.SupportsModel(requestedModel) {
			model = requestedModel
		}

		steps = append(steps, Step{
			Provider:  name,
			Model:     model,
			Weight:    overlay.Weight(),
			Overlay:   overlay.Overlay,
			Optimizer: overlay.optimizer,
		})
	}

	// Stable sort keeps declaration order for equal weights.
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Weight > steps[j].Weight })
	return steps
}

// PlanForModel narrows the plan to providers that list the model, preserving
// weight order. Used when a client names a model explicitly and redirecting
// is undesirable.
func (r *Router) PlanForModel(rt imagegateway.Runtime, task providers.Task, model string) []Step {
	var out []Step
	for _, step := range r.Plan(rt, task, model) {
		p, ok := r.registry.Get(step.Provider)
		if ok && p.SupportsModel(model) {
			out = append(out, step)
		}
	}
	return out
}

// StepFor builds the single step used by relay mode, where the provider is
// fixed by the caller's credential and only the defaults overlay applies.
func (r *Router) StepFor(rt imagegateway.Runtime, task providers.Task, providerName, requestedModel string) Step {
	p, ok := r.registry.Get(providerName)
	overlay := overlayFor(rt.Providers[providerName], task)
	model := overlay.Model
	if ok && model == "" {
		model = defaultModelFor(p, task)
	}
	if requestedModel != "" && ok && p.SupportsModel(requestedModel) {
		model = requestedModel
	}
	return Step{
		Provider:  providerName,
		Model:     model,
		Weight:    overlay.Weight(),
		Overlay:   overlay.Overlay,
		Optimizer: overlay.optimizer,
	}
}

// weightedOverlay pairs an Overlay with its configured weight and optimizer
// switches.
type weightedOverlay struct {
	providers.Overlay
	weight    float64
	optimizer imagegateway.OptimizerSwitches
}

func (w weightedOverlay) Weight() float64 {
	if w.weight > 0 {
		return w.weight
	}
	return 1
}

func overlayFor(settings imagegateway.ProviderSettings, task providers.Task) weightedOverlay {
	td := settings.TaskDefaultsFor(imagegateway.Task(task))
	if td == nil {
		return weightedOverlay{Overlay: providers.Overlay{Steps: settings.DefaultSteps}}
	}
	steps := td.Steps
	if steps == 0 {
		steps = settings.DefaultSteps
	}
	var sw imagegateway.OptimizerSwitches
	if td.PromptOptimizer != nil {
		sw = *td.PromptOptimizer
	}
	return weightedOverlay{
		Overlay: providers.Overlay{
			Model:   td.Model,
			Size:    td.Size,
			Quality: td.Quality,
			N:       td.N,
			Steps:   steps,
		},
		weight:    td.Weight,
		optimizer: sw,
	}
}

func supportsTask(caps providers.Capabilities, task providers.Task) bool {
	switch task {
	case providers.TaskText:
		return caps.TextToImage
	case providers.TaskEdit:
		return caps.ImageToImage
	case providers.TaskBlend:
		return caps.MultiImageFusion || caps.ImageToImage
	default:
		return false
	}
}

func defaultModelFor(p providers.Provider, task providers.Task) string {
	cfg := p.Config()
	if task != providers.TaskText && cfg.DefaultEditModel != "" {
		return cfg.DefaultEditModel
	}
	return cfg.DefaultModel
}
