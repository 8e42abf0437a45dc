// Package gateway orchestrates the request pipeline: mode gate, credential
// classification, plan execution with credential rotation and fail-over,
// prompt optimization, adapter dispatch, artifact persistence, and response
// shaping. HTTP handlers stay thin; everything policy-shaped lives here.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/internal/artifact"
	"github.com/halogen-labs/image-gateway/internal/configstore"
	"github.com/halogen-labs/image-gateway/internal/imaging"
	"github.com/halogen-labs/image-gateway/internal/logging"
	"github.com/halogen-labs/image-gateway/internal/metrics"
	"github.com/halogen-labs/image-gateway/internal/optimizer"
	"github.com/halogen-labs/image-gateway/internal/requestlog"
	"github.com/halogen-labs/image-gateway/internal/router"
	"github.com/halogen-labs/image-gateway/providers"
)

const module = "Router"

// maxCredentialRetries bounds per-step credential rotation in backend mode.
const maxCredentialRetries = 3

// Mode labels how the caller authenticated.
type Mode string

const (
	ModeRelay   Mode = "relay"
	ModeBackend Mode = "backend"
)

// HTTPError carries an HTTP status plus the OpenAI-style error fields.
type HTTPError struct {
	Status   int
	Message  string
	Type     string
	Provider string
}

func (e *HTTPError) Error() string { return e.Message }

func httpErr(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Gateway wires the pipeline's collaborators.
type Gateway struct {
	store     *configstore.Store
	registry  *providers.Registry
	planner   *router.Router
	artifacts *artifact.Store
	dispatch  requestlog.Writer
}

// New assembles a Gateway. dispatch may be a NoopWriter.
func New(store *configstore.Store, registry *providers.Registry, planner *router.Router,
	artifacts *artifact.Store, dispatch requestlog.Writer) *Gateway {
	g := &Gateway{
		store:     store,
		registry:  registry,
		planner:   planner,
		artifacts: artifacts,
		dispatch:  dispatch,
	}
	store.Subscribe(g.onRuntimeUpdate)
	g.onRuntimeUpdate(store.Get())
	return g
}

// Store exposes the config store for admin handlers.
func (g *Gateway) Store() *configstore.Store { return g.store }

// Registry exposes the provider registry.
func (g *Gateway) Registry() *providers.Registry { return g.registry }

// Artifacts exposes the artifact store.
func (g *Gateway) Artifacts() *artifact.Store { return g.artifacts }

// Dispatches exposes the dispatch record writer.
func (g *Gateway) Dispatches() requestlog.Writer { return g.dispatch }

// onRuntimeUpdate pushes enabled flags and storage settings into the
// components that cache them.
func (g *Gateway) onRuntimeUpdate(rt imagegateway.Runtime) {
	for _, name := range g.registry.List() {
		settings := rt.Providers[name]
		g.registry.SetEnabled(name, settings.Enabled == nil || *settings.Enabled)
	}
	if g.artifacts != nil {
		g.artifacts.ConfigureS3(rt.Storage.S3)
	}
}

// Auth is the outcome of credential classification.
type Auth struct {
	Mode       Mode
	Provider   providers.Provider // set in relay mode
	Credential string             // caller-supplied credential in relay mode
}

// BearerToken extracts the bearer credential from a request.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(h)
}

// Authorize runs the mode gate and credential classification. A credential
// matching a provider shape selects relay mode; anything else must satisfy
// backend mode's shared secret.
func (g *Gateway) Authorize(bearer string) (*Auth, *HTTPError) {
	rt := g.store.Get()
	modes := rt.System.Modes
	if !modes.Relay && !modes.Backend {
		return nil, httpErr(http.StatusServiceUnavailable, "service not started")
	}

	if bearer != "" {
		if p, ok := g.registry.DetectProvider(bearer); ok {
			if !modes.Relay {
				return nil, httpErr(http.StatusForbidden, "relay mode is disabled")
			}
			return &Auth{Mode: ModeRelay, Provider: p, Credential: bearer}, nil
		}
	}

	if !modes.Backend {
		return nil, httpErr(http.StatusUnauthorized, "Unauthorized")
	}
	if key := rt.System.GlobalAccessKey; key != "" && bearer != key {
		return nil, httpErr(http.StatusUnauthorized, "Unauthorized")
	}
	return &Auth{Mode: ModeBackend}, nil
}

// Result is the outcome of one pipeline run.
type Result struct {
	Images   []providers.GeneratedImage
	Provider string
	Model    string
	Seed     int64
	Created  int64
}

// Generate runs stages 3 through 8 for an already-authorized request.
func (g *Gateway) Generate(ctx context.Context, auth *Auth, task providers.Task, req providers.ImageRequest) (*Result, *HTTPError) {
	// Environment beats the document for the allowlisted variables.
	rt := imagegateway.ApplyEnvOverrides(g.store.Get())

	if timeout := rt.System.APITimeoutMs; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}

	if len(req.Images) > 0 {
		req.Images = imaging.NormalizeInputImages(ctx, req.Images)
	}

	var plan []router.Step
	if auth.Mode == ModeRelay {
		plan = []router.Step{g.planner.StepFor(rt, task, auth.Provider.Name(), req.Model)}
	} else {
		plan = g.planner.Plan(rt, task, req.Model)
		if len(plan) == 0 {
			return nil, httpErr(http.StatusServiceUnavailable, "No available providers")
		}
	}

	opt := optimizer.New(rt.PromptOptimizer)
	var lastErr *HTTPError
	for _, step := range plan {
		result, stepErr := g.executeStep(ctx, auth, rt, opt, task, step, req)
		if stepErr == nil {
			return result, nil
		}
		lastErr = stepErr
		logging.Info(module, "provider %s failed (%s), trying next", step.Provider, stepErr.Message)
	}
	if lastErr == nil {
		lastErr = httpErr(http.StatusInternalServerError, "all providers exhausted")
	}
	return nil, lastErr
}

// executeStep drives one plan step: credential rotation, optimizer fan-out,
// dispatch, accounting, and artifact persistence.
func (g *Gateway) executeStep(ctx context.Context, auth *Auth, rt imagegateway.Runtime,
	opt *optimizer.Optimizer, task providers.Task, step router.Step, req providers.ImageRequest) (*Result, *HTTPError) {

	p, ok := g.registry.Get(step.Provider)
	if !ok {
		return nil, httpErr(http.StatusInternalServerError, "unknown provider: %s", step.Provider)
	}
	if err := p.ValidateRequest(req); err != nil {
		return nil, httpErr(http.StatusBadRequest, "%v", err)
	}

	req.Model = step.Model
	caps := p.Capabilities()
	n := req.N
	if n <= 0 {
		n = step.Overlay.N
	}
	if n <= 0 {
		n = 1
	}
	if max := caps.MaxFor(task); n > max {
		n = max
	}

	// HuggingFace rotates an internal endpoint pool, so the credential pool
	// does not apply to it in backend mode.
	poolExempt := auth.Mode == ModeBackend && step.Provider == "HuggingFace"

	attempts := 1
	if auth.Mode == ModeBackend && !poolExempt {
		attempts = maxCredentialRetries
	}

	var lastErr *HTTPError
	var burned []string
	for attempt := 0; attempt < attempts; attempt++ {
		credential := auth.Credential
		if auth.Mode == ModeBackend && !poolExempt {
			credential = g.store.GetNextAvailableKey(step.Provider, burned...)
			if credential == "" {
				if lastErr != nil {
					// Every untried key is burned; let the next plan step run.
					break
				}
				return nil, httpErr(http.StatusServiceUnavailable,
					"No available API keys for provider: %s", step.Provider)
			}
		}

		started := time.Now()
		result, err := g.dispatchOnce(ctx, opt, p, task, step, req, credential, n)
		outcome := "success"
		if err != nil {
			outcome = providers.ErrKind(err)
		}
		if auth.Mode == ModeBackend && !poolExempt {
			if err == nil {
				g.store.ReportKeySuccess(step.Provider, credential)
			} else {
				g.store.ReportKeyError(step.Provider, credential, outcome)
			}
		}
		g.record(ctx, auth, task, step, outcome, result, err, time.Since(started))

		if err == nil {
			g.persistAsync(result, task, step, req)
			return result, nil
		}

		lastErr = toHTTPError(err)
		// Only credential-shaped failures are worth another key, and a key
		// that just failed auth must not be handed out again this request.
		kind := providers.ErrKind(err)
		if kind != providers.KindRateLimit && kind != providers.KindAuthError {
			break
		}
		if kind == providers.KindAuthError {
			burned = append(burned, credential)
		}
	}
	return nil, lastErr
}

// dispatchOnce performs the adapter call(s) for one credential attempt.
// Adapters that cannot emit multiple images natively are fanned out with n
// parallel single-image calls; output order matches the image index.
func (g *Gateway) dispatchOnce(ctx context.Context, opt *optimizer.Optimizer, p providers.Provider,
	task providers.Task, step router.Step, req providers.ImageRequest, credential string, n int) (*Result, error) {

	caps := p.Capabilities()
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(step.Provider, string(task)).Observe(time.Since(start).Seconds())
	}()

	if n > 1 && caps.MaxNativeOutputImages == 1 {
		// Per-slot writes only; shared scalars would race across goroutines.
		images := make([]providers.GeneratedImage, n)
		models := make([]string, n)
		seeds := make([]int64, n)
		g2, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			i := i
			g2.Go(func() error {
				sub := req
				sub.N = 1
				prompt, err := opt.Optimize(gctx, req.Prompt, i, step.Optimizer)
				if err == nil && prompt != "" {
					sub.Prompt = prompt
				}
				res, err := g.call(gctx, p, task, credential, sub, step.Overlay)
				if err != nil {
					return err
				}
				images[i] = res.Images[0]
				models[i] = res.Model
				seeds[i] = res.Seed
				logging.Info(module, "图片 %d/%d 生成成功", i+1, n)
				return nil
			})
		}
		if err := g2.Wait(); err != nil {
			return nil, err
		}
		return &Result{Images: images, Provider: step.Provider, Model: models[0], Seed: seeds[0], Created: time.Now().Unix()}, nil
	}

	prompt, err := opt.Optimize(ctx, req.Prompt, 0, step.Optimizer)
	if err == nil && prompt != "" {
		req.Prompt = prompt
	}
	req.N = n
	res, err := g.call(ctx, p, task, credential, req, step.Overlay)
	if err != nil {
		return nil, err
	}
	for i := range res.Images {
		logging.Info(module, "图片 %d/%d 生成成功", i+1, len(res.Images))
	}
	return &Result{Images: res.Images, Provider: step.Provider, Model: res.Model, Seed: res.Seed, Created: time.Now().Unix()}, nil
}

func (g *Gateway) call(ctx context.Context, p providers.Provider, task providers.Task,
	credential string, req providers.ImageRequest, overlay providers.Overlay) (res *providers.GenerationResult, err error) {
	defer func() {
		// An adapter panic must surface as an upstream error, not kill the
		// request goroutine's siblings.
		if r := recover(); r != nil {
			logging.Error(module, "adapter %s panicked: %v", p.Name(), r)
			res = nil
			err = &providers.Error{Provider: p.Name(), Kind: providers.KindOther,
				Message: fmt.Sprintf("adapter panic: %v", r)}
		}
	}()
	if task == providers.TaskBlend {
		res, err = p.Blend(ctx, credential, providers.BlendRequest{ImageRequest: req}, overlay)
		return guardEmpty(p.Name(), res, err)
	}
	res, err = p.Generate(ctx, credential, req, overlay)
	return guardEmpty(p.Name(), res, err)
}

func guardEmpty(name string, res *providers.GenerationResult, err error) (*providers.GenerationResult, error) {
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Images) == 0 {
		return nil, &providers.Error{Provider: name, Kind: providers.KindOther, Message: "no images generated"}
	}
	return res, nil
}

// persistAsync saves every returned image plus sidecar without blocking the
// response. Failures are logged and dropped.
func (g *Gateway) persistAsync(result *Result, task providers.Task, step router.Step, req providers.ImageRequest) {
	if g.artifacts == nil {
		return
	}
	images := result.Images
	meta := artifact.Metadata{
		Prompt: req.Prompt,
		Model:  result.Model,
		Seed:   result.Seed,
		Params: map[string]any{
			"task":     string(task),
			"provider": step.Provider,
			"size":     req.Size,
			"n":        len(images),
		},
		Timestamp: time.Now().UnixMilli(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for i, img := range images {
			payload, ext := payloadFor(ctx, img)
			if payload == "" {
				continue
			}
			if _, err := g.artifacts.SaveImage(ctx, payload, meta, ext, i); err != nil {
				logging.Error(module, "saving artifact %d: %v", i, err)
			}
		}
	}()
}

// payloadFor resolves an image to a base64 payload and extension, fetching
// URLs when needed.
func payloadFor(ctx context.Context, img providers.GeneratedImage) (string, string) {
	if img.B64JSON != "" {
		return img.B64JSON, ""
	}
	if img.URL == "" {
		return "", ""
	}
	uri := img.URL
	if !strings.HasPrefix(uri, "data:") {
		fetched, err := imaging.FetchAsDataURI(ctx, uri)
		if err != nil {
			logging.Error(module, "fetching artifact source: %v", err)
			return "", ""
		}
		uri = fetched
	}
	mime, payload, ok := imaging.ParseDataURI(uri)
	if !ok {
		return "", ""
	}
	ext := strings.TrimPrefix(mime, "image/")
	if ext == mime {
		ext = "png"
	}
	return payload, ext
}

func (g *Gateway) record(ctx context.Context, auth *Auth, task providers.Task, step router.Step,
	outcome string, result *Result, err error, elapsed time.Duration) {
	metrics.DispatchesTotal.WithLabelValues(step.Provider, string(task), outcome).Inc()
	if g.dispatch == nil {
		return
	}
	rec := requestlog.Record{
		RequestID:  logging.RequestID(ctx),
		Mode:       string(auth.Mode),
		Task:       string(task),
		Provider:   step.Provider,
		Model:      step.Model,
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
	}
	if result != nil {
		rec.ImageCount = len(result.Images)
		rec.Model = result.Model
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	if werr := g.dispatch.Write(ctx, rec); werr != nil {
		logging.Error(module, "writing dispatch record: %v", werr)
	}
}

// toHTTPError maps adapter failures onto the wire error shape.
func toHTTPError(err error) *HTTPError {
	var pe *providers.Error
	if errors.As(err, &pe) {
		return &HTTPError{
			Status:   http.StatusInternalServerError,
			Message:  pe.Message,
			Type:     pe.Kind,
			Provider: pe.Provider,
		}
	}
	return httpErr(http.StatusInternalServerError, "%v", err)
}
