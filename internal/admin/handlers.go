// Package admin exposes the control API: runtime-document reads and
// patches, key-pool management, dashboard aggregation, the log stream, the
// gallery front door, and optimizer connection tests. All responses are
// JSON; the bearer check uses the global access key when one is set.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/internal/gateway"
	"github.com/halogen-labs/image-gateway/internal/keypool"
	"github.com/halogen-labs/image-gateway/internal/logging"
	"github.com/halogen-labs/image-gateway/internal/optimizer"
	"github.com/halogen-labs/image-gateway/internal/requestlog"
)

const module = "Admin"

// staticTextModels pads /v1/models so chat clients that probe for a text
// model still get a usable list.
var staticTextModels = []string{"gpt-4o", "gpt-4o-mini"}

// Handler carries the admin API dependencies.
type Handler struct {
	gw     *gateway.Gateway
	keys   *keypool.Manager
	logger *logging.Logger
}

// New creates the admin handler.
func New(gw *gateway.Gateway, keys *keypool.Manager, logger *logging.Logger) *Handler {
	return &Handler{gw: gw, keys: keys, logger: logger}
}

// Register mounts every admin route on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireAccessKey)

		r.Get("/api/config", h.getConfig)
		r.Get("/api/runtime-config", h.getRuntimeConfig)
		r.Post("/api/runtime-config", h.patchRuntimeConfig)
		r.Get("/api/key-pool", h.getKeyPool)
		r.Post("/api/key-pool", h.postKeyPool)
		r.Get("/api/dashboard/stats", h.dashboardStats)
		r.Get("/api/dashboard/recent", h.dashboardRecent)
		r.Get("/api/logs/stream", h.streamLogs)
		r.Get("/api/gallery", h.getGallery)
		r.Delete("/api/gallery", h.deleteGallery)
		r.Post("/api/tools/test-prompt-optimizer", h.testOptimizer)
		r.Post("/api/tools/fetch-models", h.fetchModels)
		r.Post("/api/restart-docker", h.restartDocker)
	})

	// Gallery binaries and the model list stay open: the SPA loads images
	// directly and OpenAI clients probe /v1/models before authenticating.
	r.Get("/api/gallery/file/{name}", h.galleryFile)
	r.Get("/v1/models", h.listModels)
}

// requireAccessKey enforces the global access key on admin routes when set.
func (h *Handler) requireAccessKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := h.gw.Store().Get().System.GlobalAccessKey
		if key != "" && gateway.BearerToken(r) != key {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// getConfig returns the runtime snapshot plus derived capability flags.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	rt := h.gw.Store().Get()
	rt.System.GlobalAccessKey = keypool.Mask(rt.System.GlobalAccessKey)
	rt.PromptOptimizer.APIKey = keypool.Mask(rt.PromptOptimizer.APIKey)
	maskPools(&rt)

	caps := make(map[string]any)
	for _, name := range h.gw.Registry().List() {
		p, _ := h.gw.Registry().Get(name)
		c := p.Capabilities()
		caps[name] = map[string]any{
			"textToImage":      c.TextToImage,
			"imageToImage":     c.ImageToImage,
			"multiImageFusion": c.MultiImageFusion,
			"asyncTask":        c.AsyncTask,
			"maxInputImages":   c.MaxInputImages,
			"maxOutputImages":  c.MaxOutputImages,
			"models":           p.SupportedModels(),
			"enabled":          h.gw.Registry().Enabled(name),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":       rt,
		"capabilities": caps,
	})
}

func maskPools(rt *imagegateway.Runtime) {
	for provider, pool := range rt.KeyPools {
		for i := range pool {
			pool[i].Key = keypool.Mask(pool[i].Key)
		}
		rt.KeyPools[provider] = pool
	}
}

func (h *Handler) getRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	rt := h.gw.Store().Get()
	maskPools(&rt)
	writeJSON(w, http.StatusOK, rt)
}

// runtimePatch is the union of accepted patch shapes: full document,
// section-only, or one provider/task defaults triple.
type runtimePatch struct {
	System          *imagegateway.SystemSettings             `json:"system"`
	Providers       map[string]imagegateway.ProviderSettings `json:"providers"`
	PromptOptimizer *imagegateway.OptimizerSettings          `json:"promptOptimizer"`
	Storage         *imagegateway.StorageSettings            `json:"storage"`
	Provider        string                                   `json:"provider"`
	Task            string                                   `json:"task"`
	Defaults        *imagegateway.TaskDefaults               `json:"defaults"`
	Enabled         *bool                                    `json:"enabled"`
}

func (h *Handler) patchRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	var patch runtimePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: %v", err)
		return
	}
	store := h.gw.Store()
	oldPort := store.Get().System.Port

	switch {
	case patch.Provider != "" && patch.Defaults != nil:
		task := imagegateway.Task(patch.Task)
		if err := store.SetTaskDefaults(patch.Provider, task, *patch.Defaults); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
	case patch.Provider != "" && patch.Enabled != nil:
		if err := store.SetProviderEnabled(patch.Provider, *patch.Enabled); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
	default:
		if patch.System != nil {
			if err := store.UpdateSystem(*patch.System); err != nil {
				writeError(w, http.StatusInternalServerError, "%v", err)
				return
			}
		}
		if patch.PromptOptimizer != nil {
			if err := store.UpdateOptimizer(*patch.PromptOptimizer); err != nil {
				writeError(w, http.StatusInternalServerError, "%v", err)
				return
			}
		}
		if patch.Storage != nil {
			if err := store.UpdateStorage(*patch.Storage); err != nil {
				writeError(w, http.StatusInternalServerError, "%v", err)
				return
			}
		}
		for name, settings := range patch.Providers {
			if settings.Enabled != nil {
				if err := store.SetProviderEnabled(name, *settings.Enabled); err != nil {
					writeError(w, http.StatusInternalServerError, "%v", err)
					return
				}
			}
		}
	}

	if patch.System != nil && patch.System.Port != 0 && patch.System.Port != oldPort {
		if err := rewriteComposePort(patch.System.Port); err != nil {
			logging.Info(module, "docker-compose port rewrite skipped: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

var composePortRe = regexp.MustCompile(`(?m)^(\s*-\s*")\d+:(\d+"\s*)$`)

// rewriteComposePort updates the host port mapping in docker-compose.yml so
// a restarted container picks up the new port.
func rewriteComposePort(port int) error {
	raw, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		return err
	}
	updated := composePortRe.ReplaceAll(raw, []byte(fmt.Sprintf("${1}%d:${2}", port)))
	if string(updated) == string(raw) {
		return nil
	}
	return os.WriteFile("docker-compose.yml", updated, 0o644) //nolint:gosec
}

func (h *Handler) getKeyPool(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": h.keys.List(provider)})
}

type keyPoolRequest struct {
	Action   string  `json:"action"`
	Provider string  `json:"provider"`
	Key      string  `json:"key"`
	Keys     string  `json:"keys"`
	Name     *string `json:"name"`
	ID       string  `json:"id"`
	Enabled  *bool   `json:"enabled"`
	Status   *string `json:"status"`
}

func (h *Handler) postKeyPool(w http.ResponseWriter, r *http.Request) {
	var req keyPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: %v", err)
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	switch req.Action {
	case "add":
		name := ""
		if req.Name != nil {
			name = *req.Name
		}
		item, err := h.keys.Add(req.Provider, req.Key, name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		masked := keypool.MaskItems([]imagegateway.KeyItem{item})
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": masked[0]})
	case "batch_add":
		added, skipped, err := h.keys.BatchAdd(req.Provider, req.Keys)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "added": added, "skipped": skipped})
	case "update":
		item, err := h.keys.Update(req.Provider, req.ID, req.Name, req.Enabled, req.Status)
		if err != nil {
			status := http.StatusBadRequest
			if strings.Contains(err.Error(), "not found") {
				status = http.StatusNotFound
			}
			writeError(w, status, "%v", err)
			return
		}
		masked := keypool.MaskItems([]imagegateway.KeyItem{item})
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": masked[0]})
	case "delete":
		if err := h.keys.Delete(req.Provider, req.ID); err != nil {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeError(w, http.StatusBadRequest, "unknown action: %s", req.Action)
	}
}

func (h *Handler) dashboardStats(w http.ResponseWriter, r *http.Request) {
	rt := h.gw.Store().Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": h.keys.Stats(rt),
		"timestamp": time.Now().UnixMilli(),
	})
}

// dashboardRecent lists the newest dispatch records. Returns an empty list
// when the dispatch log is disabled.
func (h *Handler) dashboardRecent(w http.ResponseWriter, r *http.Request) {
	reader, ok := h.gw.Dispatches().(interface {
		Recent(ctx context.Context, limit int) ([]requestlog.Record, error)
	})
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"dispatches": []any{}})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := reader.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	type dispatchInfo struct {
		RequestID  string `json:"requestId"`
		Mode       string `json:"mode"`
		Task       string `json:"task"`
		Provider   string `json:"provider"`
		Model      string `json:"model"`
		Outcome    string `json:"outcome"`
		ImageCount int    `json:"imageCount"`
		DurationMs int64  `json:"durationMs"`
		Error      string `json:"error,omitempty"`
		CreatedAt  string `json:"createdAt"`
	}
	out := make([]dispatchInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, dispatchInfo{
			RequestID:  rec.RequestID,
			Mode:       rec.Mode,
			Task:       rec.Task,
			Provider:   rec.Provider,
			Model:      rec.Model,
			Outcome:    rec.Outcome,
			ImageCount: rec.ImageCount,
			DurationMs: rec.DurationMs,
			Error:      rec.ErrorMessage,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatches": out})
}

func (h *Handler) getGallery(w http.ResponseWriter, r *http.Request) {
	images, err := h.gw.Artifacts().ListImages()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (h *Handler) deleteGallery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filenames []string `json:"filenames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: %v", err)
		return
	}
	removed := h.gw.Artifacts().DeleteImages(r.Context(), req.Filenames)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (h *Handler) galleryFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, mime, err := h.gw.Artifacts().ReadImage(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(data)
}

// listModels returns the union of enabled providers' models plus the static
// text models, in OpenAI list shape.
func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	type modelInfo struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	var data []modelInfo
	seen := make(map[string]struct{})
	for _, id := range append(h.gw.Registry().AllModels(), staticTextModels...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		data = append(data, modelInfo{ID: id, Object: "model", Created: created, OwnedBy: "image-gateway"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// testOptimizer runs a strict-mode optimizer call so configuration errors
// surface instead of falling back.
func (h *Handler) testOptimizer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Prompt == "" {
		req.Prompt = "a cat sitting on a windowsill"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	opt := optimizer.NewStrict(h.gw.Store().Get().PromptOptimizer)
	out, err := opt.Expand(ctx, req.Prompt, 0)
	if err != nil {
		writeError(w, http.StatusBadGateway, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": out})
}

// fetchModels lists the models offered by the configured optimizer endpoint.
func (h *Handler) fetchModels(w http.ResponseWriter, r *http.Request) {
	settings := h.gw.Store().Get().PromptOptimizer
	if settings.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "prompt optimizer is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	url := optimizer.SDKBaseURL(settings.BaseURL) + "models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if settings.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+settings.APIKey)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, "%v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		writeError(w, http.StatusBadGateway, "model list failed (%d): %s", resp.StatusCode, string(body))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// restartDocker is intentionally not implemented in this build: the
// container-recreation helper needs a runtime socket the gateway does not
// assume.
func (h *Handler) restartDocker(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "container restart is not supported by this deployment")
}

