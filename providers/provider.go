// Package providers defines the Provider interface and shared data types
// used across all upstream image-generation integrations.
//
// A Provider declares static capabilities, recognizes its own credential
// shape offline, and maps the gateway's internal request onto the upstream
// transport (JSON, multipart, query-string GET, or Gradio SSE). Providers
// return typed errors carrying a failure kind; retry policy lives in the
// caller.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Task identifies which defaults overlay and capability gate apply.
type Task string

const (
	TaskText  Task = "text"
	TaskEdit  Task = "edit"
	TaskBlend Task = "blend"
)

// Failure kinds recorded by adapters. The handler decides retryability.
const (
	KindRateLimit = "rate_limit"
	KindAuthError = "auth_error"
	KindOther     = "other"
)

// ImageRequest is the internal request shape shared by every adapter.
type ImageRequest struct {
	Prompt         string   `json:"prompt"`
	Images         []string `json:"images,omitempty"` // data URIs or URLs
	Model          string   `json:"model,omitempty"`
	Size           string   `json:"size,omitempty"`
	Quality        string   `json:"quality,omitempty"`
	N              int      `json:"n,omitempty"`
	Steps          int      `json:"steps,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"` // "url" | "b64_json"
}

// BlendRequest fuses multiple input images under one prompt.
type BlendRequest struct {
	ImageRequest
}

// Overlay carries the per-task defaults resolved from the runtime document.
// Zero values mean "no override".
type Overlay struct {
	Model   string
	Size    string
	Quality string
	N       int
	Steps   int
}

// GeneratedImage is one normalized output image. Exactly one of URL or
// B64JSON is set by adapters; response shaping may convert between them.
type GeneratedImage struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// GenerationResult is the normalized outcome of one adapter dispatch.
type GenerationResult struct {
	Images []GeneratedImage
	Model  string // effective model actually dispatched
	Seed   int64
}

// Capabilities describes, statically, what an adapter can do.
type Capabilities struct {
	TextToImage           bool
	ImageToImage          bool
	MultiImageFusion      bool
	AsyncTask             bool
	MaxInputImages        int
	MaxOutputImages       int
	MaxEditOutputImages   int
	MaxBlendOutputImages  int
	MaxNativeOutputImages int // 1 means the caller fans out n single calls
	OutputFormats         []string
}

// MaxFor returns the output cap for a task.
func (c Capabilities) MaxFor(task Task) int {
	switch task {
	case TaskEdit:
		if c.MaxEditOutputImages > 0 {
			return c.MaxEditOutputImages
		}
	case TaskBlend:
		if c.MaxBlendOutputImages > 0 {
			return c.MaxBlendOutputImages
		}
	}
	if c.MaxOutputImages > 0 {
		return c.MaxOutputImages
	}
	return 1
}

// Config is the static per-adapter configuration: default models and sizes
// plus the supported-model lists used by registry lookup.
type Config struct {
	APIURL           string
	DefaultModel     string
	DefaultEditModel string
	DefaultSize      string
	Models           []string
	EditModels       []string
}

// Provider is implemented by every upstream adapter.
type Provider interface {
	Name() string
	// DetectAPIKey reports whether credential matches this provider's key
	// shape. Offline, no network call.
	DetectAPIKey(credential string) bool
	// ValidateRequest performs semantic pre-checks before dispatch.
	ValidateRequest(req ImageRequest) error
	Generate(ctx context.Context, credential string, req ImageRequest, overlay Overlay) (*GenerationResult, error)
	Blend(ctx context.Context, credential string, req BlendRequest, overlay Overlay) (*GenerationResult, error)
	SupportedModels() []string
	SupportsModel(model string) bool
	Capabilities() Capabilities
	Config() Config
}

// Error is the typed failure adapters return. Kind drives the caller's
// retry decision; Provider and Status feed the error response body.
type Error struct {
	Provider string
	Kind     string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Classify builds an Error from an upstream HTTP status and body, mapping
// 429/"rate limit" to rate_limit and 401/403/"Unauthorized"/"API Key" to
// auth_error. Everything else is other.
func Classify(provider string, status int, body string) *Error {
	kind := KindOther
	switch {
	case status == 429 || strings.Contains(strings.ToLower(body), "rate limit"):
		kind = KindRateLimit
	case status == 401 || status == 403 ||
		strings.Contains(body, "Unauthorized") || strings.Contains(body, "API Key"):
		kind = KindAuthError
	}
	msg := strings.TrimSpace(body)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}
	return &Error{Provider: provider, Kind: kind, Status: status, Message: msg}
}

// ErrKind extracts the failure kind from err, defaulting to other.
func ErrKind(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindOther
}
