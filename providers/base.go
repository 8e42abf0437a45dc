package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpClient is shared by all adapters. Per-request deadlines come from the
// handler's context; the transport timeout is a hard backstop.
var httpClient = &http.Client{Timeout: 10 * time.Minute}

// Base provides common fields and methods shared by adapter implementations.
// Embed this struct to avoid repeating name, capability, and config handling
// across providers.
type Base struct {
	name string
	caps Capabilities
	cfg  Config
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// Capabilities returns the static capability set.
func (b *Base) Capabilities() Capabilities { return b.caps }

// Config returns the static adapter configuration.
func (b *Base) Config() Config { return b.cfg }

// SupportedModels returns every model the adapter lists, edit models last.
func (b *Base) SupportedModels() []string {
	seen := make(map[string]struct{}, len(b.cfg.Models)+len(b.cfg.EditModels))
	var out []string
	for _, m := range append(append([]string{}, b.cfg.Models...), b.cfg.EditModels...) {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// SupportsModel reports whether model appears in either model list.
func (b *Base) SupportsModel(model string) bool {
	for _, m := range b.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}

// ValidateRequest is the default semantic pre-check: a prompt or at least
// one input image must be present.
func (b *Base) ValidateRequest(req ImageRequest) error {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Images) == 0 {
		return &Error{Provider: b.name, Kind: KindOther, Message: "prompt or image is required"}
	}
	return nil
}

// resolveModel picks the effective model: request value when supported,
// else the overlay's, else the adapter default. Edit flows prefer the edit
// model list.
func (b *Base) resolveModel(req ImageRequest, overlay Overlay) string {
	edit := len(req.Images) > 0
	if req.Model != "" && b.SupportsModel(req.Model) {
		return req.Model
	}
	if overlay.Model != "" {
		return overlay.Model
	}
	if edit && b.cfg.DefaultEditModel != "" {
		return b.cfg.DefaultEditModel
	}
	return b.cfg.DefaultModel
}

// resolveSize picks the effective size, resolving ratio aliases.
func (b *Base) resolveSize(req ImageRequest, overlay Overlay) string {
	size := req.Size
	if size == "" {
		size = overlay.Size
	}
	if size == "" {
		size = b.cfg.DefaultSize
	}
	return ResolveSize(size)
}

// clampN bounds the requested count to the adapter's cap for the task.
func (b *Base) clampN(req ImageRequest, overlay Overlay, task Task) int {
	n := req.N
	if n <= 0 {
		n = overlay.N
	}
	if n <= 0 {
		n = 1
	}
	if max := b.caps.MaxFor(task); n > max {
		n = max
	}
	return n
}

// resolveSteps picks the effective inference step count, zero when unset.
func (b *Base) resolveSteps(req ImageRequest, overlay Overlay) int {
	if req.Steps > 0 {
		return req.Steps
	}
	return overlay.Steps
}

// postJSON posts body as JSON and returns the response status and bytes.
func postJSON(ctx context.Context, url string, headers map[string]string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(req)
}

// getBytes performs a GET and returns the response status and bytes.
func getBytes(ctx context.Context, url string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(req)
}

func doRequest(req *http.Request) (int, []byte, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// wrapTransportErr converts a transport-level failure into a typed Error.
func wrapTransportErr(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindOther, Message: err.Error()}
}
