package router

import (
	"context"
	"testing"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/providers"
)

type fakeProvider struct {
	name string
	caps providers.Capabilities
	cfg  providers.Config
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) DetectAPIKey(string) bool { return false }

func (f *fakeProvider) ValidateRequest(providers.ImageRequest) error { return nil }
func (f *fakeProvider) SupportedModels() []string {
	return append(append([]string{}, f.cfg.Models...), f.cfg.EditModels...)
}
func (f *fakeProvider) SupportsModel(model string) bool {
	for _, m := range f.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}
func (f *fakeProvider) Capabilities() providers.Capabilities { return f.caps }
func (f *fakeProvider) Config() providers.Config             { return f.cfg }
func (f *fakeProvider) Generate(context.Context, string, providers.ImageRequest, providers.Overlay) (*providers.GenerationResult, error) {
	return nil, nil
}
func (f *fakeProvider) Blend(context.Context, string, providers.BlendRequest, providers.Overlay) (*providers.GenerationResult, error) {
	return nil, nil
}

func textProvider(name, model string) *fakeProvider {
	return &fakeProvider{
		name: name,
		caps: providers.Capabilities{TextToImage: true},
		cfg:  providers.Config{DefaultModel: model, Models: []string{model}},
	}
}

func testRuntime(weights map[string]float64) imagegateway.Runtime {
	rt := imagegateway.DefaultRuntime()
	rt.Providers = map[string]imagegateway.ProviderSettings{}
	for name, w := range weights {
		rt.Providers[name] = imagegateway.ProviderSettings{
			Text: &imagegateway.TaskDefaults{Weight: w},
		}
	}
	return rt
}

func TestRouter_PlanWeightOrder(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(textProvider("low", "m-low"))
	reg.Register(textProvider("high", "m-high"))
	reg.Register(textProvider("mid", "m-mid"))

	r := New(reg)
	rt := testRuntime(map[string]float64{"low": 1, "high": 9, "mid": 5})

	steps := r.Plan(rt, providers.TaskText, "")
	if len(steps) != 3 {
		t.Fatalf("plan length = %d", len(steps))
	}
	want := []string{"high", "mid", "low"}
	for i, name := range want {
		if steps[i].Provider != name {
			t.Errorf("steps[%d] = %q, want %q", i, steps[i].Provider, name)
		}
	}
}

func TestRouter_PlanStableTies(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(textProvider("first", "m1"))
	reg.Register(textProvider("second", "m2"))
	reg.Register(textProvider("third", "m3"))

	r := New(reg)
	// No configured weights: everyone defaults to 1, declaration order holds.
	steps := r.Plan(testRuntime(nil), providers.TaskText, "")
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if steps[i].Provider != name {
			t.Errorf("steps[%d] = %q, want %q", i, steps[i].Provider, name)
		}
	}
}

func TestRouter_PlanFiltersDisabledAndIncapable(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(textProvider("enabled", "m1"))
	reg.Register(textProvider("disabled", "m2"))
	reg.Register(&fakeProvider{
		name: "edit-only",
		caps: providers.Capabilities{ImageToImage: true},
		cfg:  providers.Config{DefaultEditModel: "edit-m", EditModels: []string{"edit-m"}},
	})

	r := New(reg)
	rt := testRuntime(nil)
	off := false
	rt.Providers["disabled"] = imagegateway.ProviderSettings{Enabled: &off}

	steps := r.Plan(rt, providers.TaskText, "")
	if len(steps) != 1 || steps[0].Provider != "enabled" {
		t.Fatalf("plan = %+v", steps)
	}

	// Edit plans include image-to-image providers and pick the edit model.
	steps = r.Plan(rt, providers.TaskEdit, "")
	if len(steps) != 1 || steps[0].Provider != "edit-only" || steps[0].Model != "edit-m" {
		t.Fatalf("edit plan = %+v", steps)
	}
}

func TestRouter_PlanHonorsRequestedModel(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(&fakeProvider{
		name: "multi",
		caps: providers.Capabilities{TextToImage: true},
		cfg:  providers.Config{DefaultModel: "m-default", Models: []string{"m-default", "m-special"}},
	})
	reg.Register(textProvider("other", "m-other"))

	r := New(reg)
	steps := r.Plan(testRuntime(nil), providers.TaskText, "m-special")
	if len(steps) != 2 {
		t.Fatalf("plan length = %d", len(steps))
	}
	for _, step := range steps {
		switch step.Provider {
		case "multi":
			if step.Model != "m-special" {
				t.Errorf("multi model = %q, want m-special", step.Model)
			}
		case "other":
			if step.Model != "m-other" {
				t.Errorf("other model = %q, want its own default", step.Model)
			}
		}
	}
}

func TestRouter_PlanForModel(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(textProvider("a", "shared"))
	reg.Register(textProvider("b", "other"))

	r := New(reg)
	steps := r.PlanForModel(testRuntime(nil), providers.TaskText, "shared")
	if len(steps) != 1 || steps[0].Provider != "a" {
		t.Fatalf("narrowed plan = %+v", steps)
	}
}

func TestRouter_StepFor(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(&fakeProvider{
		name: "relay",
		caps: providers.Capabilities{TextToImage: true},
		cfg:  providers.Config{DefaultModel: "m-default", Models: []string{"m-default", "m-alt"}},
	})

	r := New(reg)
	rt := testRuntime(nil)
	rt.Providers["relay"] = imagegateway.ProviderSettings{
		Text: &imagegateway.TaskDefaults{Size: "16:9", N: 2},
	}

	step := r.StepFor(rt, providers.TaskText, "relay", "")
	if step.Provider != "relay" || step.Model != "m-default" {
		t.Fatalf("step = %+v", step)
	}
	if step.Overlay.Size != "16:9" || step.Overlay.N != 2 {
		t.Errorf("overlay not applied: %+v", step.Overlay)
	}

	step = r.StepFor(rt, providers.TaskText, "relay", "m-alt")
	if step.Model != "m-alt" {
		t.Errorf("requested model ignored: %q", step.Model)
	}
}

func TestRouter_OverlayStepsFallback(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(textProvider("p", "m"))

	r := New(reg)
	rt := testRuntime(nil)
	rt.Providers["p"] = imagegateway.ProviderSettings{
		DefaultSteps: 12,
		Text:         &imagegateway.TaskDefaults{},
	}

	steps := r.Plan(rt, providers.TaskText, "")
	if len(steps) != 1 || steps[0].Overlay.Steps != 12 {
		t.Fatalf("steps fallback: %+v", steps)
	}
}
