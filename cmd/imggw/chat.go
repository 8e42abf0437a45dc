package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halogen-labs/image-gateway/internal/gateway"
	"github.com/halogen-labs/image-gateway/providers"
)

// chatCompletions handles POST /v1/chat/completions: chat-shaped image
// generation. The generated images come back embedded as Markdown in the
// assistant message, streamed as two SSE chunks when the client asks.
func (h *apiHandlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	auth, authErr := h.gw.Authorize(gateway.BearerToken(r))
	if authErr != nil {
		writeGatewayError(w, authErr)
		return
	}

	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeBadRequest(w, "at least one message is required")
		return
	}

	prompt, images := gateway.ExtractChatInput(req.Messages)
	task := providers.TaskText
	if len(images) == 1 {
		task = providers.TaskEdit
	} else if len(images) > 1 {
		task = providers.TaskBlend
	}

	result, genErr := h.gw.Generate(r.Context(), auth, task, providers.ImageRequest{
		Prompt: prompt,
		Images: images,
		Model:  req.Model,
		Size:   req.Size,
		N:      req.N,
	})
	if genErr != nil {
		writeGatewayError(w, genErr)
		return
	}

	content := gateway.MarkdownContent(gateway.ShapeImages(r.Context(), result.Images, "url"))
	id := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	created := time.Now().Unix()

	if req.Stream {
		writeChatStream(w, id, result.Model, created, content)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   result.Model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": content,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
	})
}

// writeChatStream emits the two-chunk SSE form: one content delta, one
// terminal delta, then the DONE sentinel.
func writeChatStream(w http.ResponseWriter, id, model string, created int64, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	writeChunk := func(delta map[string]any, finish any) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		data, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeChunk(map[string]any{"role": "assistant", "content": content}, nil)
	writeChunk(map[string]any{}, "stop")
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
