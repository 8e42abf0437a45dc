// Package optimizer transforms user prompts before dispatch: translation to
// English for non-English input, and LLM expansion into a richer image
// prompt. Both operations call an OpenAI-compatible chat-completions
// endpoint. In the normal pipeline every failure falls back to the original
// prompt; strict mode (admin connection tests) surfaces the error instead.
package optimizer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/internal/logging"
	"github.com/halogen-labs/image-gateway/internal/metrics"
)

const module = "Optimizer"

const defaultMaxLength = 5000

const defaultTranslatePrompt = "You are a translation engine. Translate the user's text to English. " +
	"Output only the translation, no explanations."

const defaultExpandPrompt = "You are a prompt engineer for an image generation model. Expand the " +
	"user's short prompt into a detailed, vivid description. Output only the expanded prompt."

// Optimizer drives the translate/expand operations for one settings snapshot.
type Optimizer struct {
	settings imagegateway.OptimizerSettings
	strict   bool
}

// New creates an Optimizer from a settings snapshot.
func New(settings imagegateway.OptimizerSettings) *Optimizer {
	return &Optimizer{settings: settings}
}

// NewStrict creates an Optimizer that surfaces errors instead of falling
// back. Used by the admin test-connection endpoints.
func NewStrict(settings imagegateway.OptimizerSettings) *Optimizer {
	return &Optimizer{settings: settings, strict: true}
}

// Configured reports whether the optimizer has an endpoint to call.
func (o *Optimizer) Configured() bool {
	return o.settings.BaseURL != "" && o.settings.Model != ""
}

// Optimize applies the enabled operations to prompt for the image at
// imageIndex. Translation only runs for non-English-looking input; expansion
// runs unconditionally when enabled. Per-image indexes make multi-image
// requests receive independent expansions.
func (o *Optimizer) Optimize(ctx context.Context, prompt string, imageIndex int, sw imagegateway.OptimizerSwitches) (string, error) {
	out := prompt
	if sw.Translate && !IsEnglishLike(out) {
		translated, err := o.Translate(ctx, out, imageIndex)
		if err != nil {
			if o.strict {
				return "", err
			}
			metrics.OptimizerCalls.WithLabelValues("translate", "fallback").Inc()
			logging.Info(module, "translate failed, keeping original prompt: %v", err)
		} else {
			metrics.OptimizerCalls.WithLabelValues("translate", "ok").Inc()
			out = translated
		}
	}
	if sw.Expand {
		expanded, err := o.Expand(ctx, out, imageIndex)
		if err != nil {
			if o.strict {
				return "", err
			}
			metrics.OptimizerCalls.WithLabelValues("expand", "fallback").Inc()
			logging.Info(module, "expand failed, keeping prompt as-is: %v", err)
		} else {
			metrics.OptimizerCalls.WithLabelValues("expand", "ok").Inc()
			out = expanded
		}
	}
	return out, nil
}

// Translate renders the prompt in English.
func (o *Optimizer) Translate(ctx context.Context, prompt string, imageIndex int) (string, error) {
	max := o.settings.TranslateMaxLength
	if max <= 0 {
		max = defaultMaxLength
	}
	prompt = truncate(prompt, max)

	system := o.settings.TranslatePrompt
	if system == "" {
		system = defaultTranslatePrompt
	}
	out, err := o.chat(ctx, system, prompt, imageIndex)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Expand turns a short prompt into a detailed one and strips Markdown
// formatting from the model output.
func (o *Optimizer) Expand(ctx context.Context, prompt string, imageIndex int) (string, error) {
	max := o.settings.ExpandMaxLength
	if max <= 0 {
		max = defaultMaxLength
	}
	prompt = truncate(prompt, max)

	system := o.settings.ExpandPrompt
	if system == "" {
		system = defaultExpandPrompt
	}
	out, err := o.chat(ctx, system, prompt, imageIndex)
	if err != nil {
		return "", err
	}
	return StripMarkdown(out), nil
}

// chat performs one chat-completions call, retrying once against
// host.docker.internal when a localhost endpoint refuses the connection
// (the gateway commonly runs in a container next to a host-local LLM).
func (o *Optimizer) chat(ctx context.Context, system, user string, imageIndex int) (string, error) {
	if !o.Configured() {
		return "", fmt.Errorf("prompt optimizer is not configured")
	}
	if imageIndex > 0 {
		user = fmt.Sprintf("%s\n\n(variation %d: give a distinct rendition)", user, imageIndex+1)
	}

	base := SDKBaseURL(o.settings.BaseURL)
	out, err := o.chatOnce(ctx, base, system, user)
	if err == nil {
		return out, nil
	}
	if retryBase, ok := dockerInternalBase(base, err); ok {
		if out, rerr := o.chatOnce(ctx, retryBase, system, user); rerr == nil {
			return out, nil
		}
	}
	return "", err
}

func (o *Optimizer) chatOnce(ctx context.Context, base, system, user string) (string, error) {
	opts := []option.RequestOption{option.WithBaseURL(base)}
	if o.settings.APIKey != "" {
		opts = append(opts, option.WithAPIKey(o.settings.APIKey))
	}
	client := openai.NewClient(opts...)

	completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.settings.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("optimizer chat call: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("optimizer returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// dockerInternalBase returns the base URL with the host swapped to
// host.docker.internal when err is a refused connection to localhost.
func dockerInternalBase(base string, err error) (string, bool) {
	if !strings.Contains(err.Error(), "connection refused") {
		return "", false
	}
	u, perr := url.Parse(base)
	if perr != nil {
		return "", false
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return "", false
	}
	port := u.Port()
	if port != "" {
		u.Host = "host.docker.internal:" + port
	} else {
		u.Host = "host.docker.internal"
	}
	return u.String(), true
}

// SDKBaseURL normalizes a configured base URL for the SDK, which appends
// /chat/completions itself. Handles bases already ending in
// /v1/chat/completions, in /v1, or in neither.
func SDKBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasSuffix(base, "/v1/chat/completions"):
		return strings.TrimSuffix(base, "/chat/completions") + "/"
	case strings.HasSuffix(base, "/v1"):
		return base + "/"
	default:
		return base + "/v1/"
	}
}

// ChatCompletionsURL returns the full endpoint the configured base resolves
// to. Exposed for the admin config view and tests.
func ChatCompletionsURL(base string) string {
	return SDKBaseURL(base) + "chat/completions"
}

// IsEnglishLike reports whether at least 70% of the bytes are ASCII — the
// cheap heuristic deciding whether translation is worth a call.
func IsEnglishLike(s string) bool {
	if len(s) == 0 {
		return true
	}
	ascii := 0
	for i := 0; i < len(s); i++ {
		if s[i] < 0x80 {
			ascii++
		}
	}
	return float64(ascii)/float64(len(s)) >= 0.7
}

// StripMarkdown removes the formatting LLMs like to wrap prompts in:
// bold/italic markers, headings, backticks, and list bullets.
func StripMarkdown(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = strings.ReplaceAll(s, "`", "")
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		for strings.HasPrefix(trimmed, "#") {
			trimmed = strings.TrimPrefix(trimmed, "#")
		}
		trimmed = strings.TrimPrefix(trimmed, " ")
		if strings.HasPrefix(trimmed, "- ") {
			trimmed = strings.TrimPrefix(trimmed, "- ")
		} else if strings.HasPrefix(trimmed, "* ") {
			trimmed = strings.TrimPrefix(trimmed, "* ")
		}
		lines = append(lines, trimmed)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
