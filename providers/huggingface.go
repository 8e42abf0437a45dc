package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// gradioEndpoint is one Hugging Face Space entry in the URL pool. Spaces
// differ in function name and parameter order, so each entry carries its own
// payload builder.
type gradioEndpoint struct {
	BaseURL string
	Fn      string
	// Build returns the Gradio data array for a text-to-image call.
	Build func(prompt string, width, height, steps int, seed int64) []any
	// BuildEdit returns the data array for an edit call; nil when the space
	// has no edit function. Uploaded file references are passed in.
	BuildEdit func(prompt string, files []gradioFile, steps int) []any
}

type gradioFile struct {
	Path string            `json:"path"`
	Meta map[string]string `json:"meta"`
}

// HuggingFace speaks the Gradio two-step protocol against a pool of public
// Spaces: POST the parameter array to /gradio_api/call/<fn>, then GET the
// returned event id and parse an SSE stream of complete/error frames. The
// pool is walked in order on failure; the pool itself acts as the
// credential, so backend mode dispatches this adapter without a key.
type HuggingFace struct {
	Base
	textPool []gradioEndpoint
	editPool []gradioEndpoint
}

// NewHuggingFace creates the adapter with its built-in Space pools.
func NewHuggingFace() *HuggingFace {
	return &HuggingFace{
		Base: Base{
			name: "HuggingFace",
			caps: Capabilities{
				TextToImage:           true,
				ImageToImage:          true,
				MaxInputImages:        2,
				MaxOutputImages:       4,
				MaxEditOutputImages:   1,
				MaxNativeOutputImages: 1,
				OutputFormats:         []string{"url", "b64_json"},
			},
			cfg: Config{
				DefaultModel:     "z-image-turbo",
				DefaultEditModel: "qwen-image-edit",
				DefaultSize:      "1024x1024",
				Models:           []string{"z-image-turbo", "flux-1-schnell"},
				EditModels:       []string{"qwen-image-edit"},
			},
		},
		textPool: []gradioEndpoint{
			{
				BaseURL: "https://tongyi-mai-z-image-turbo.hf.space",
				Fn:      "generate_image",
				Build: func(prompt string, width, height, steps int, seed int64) []any {
					return []any{prompt, width, height, seed, true}
				},
			},
			{
				BaseURL: "https://black-forest-labs-flux-1-schnell.hf.space",
				Fn:      "infer",
				Build: func(prompt string, width, height, steps int, seed int64) []any {
					if steps <= 0 {
						steps = 4
					}
					return []any{prompt, seed, true, width, height, steps}
				},
			},
		},
		editPool: []gradioEndpoint{
			{
				BaseURL: "https://qwen-qwen-image-edit.hf.space",
				Fn:      "infer",
				BuildEdit: func(prompt string, files []gradioFile, steps int) []any {
					data := make([]any, 0, len(files)+2)
					for _, f := range files {
						data = append(data, f)
					}
					return append(data, prompt, true)
				},
			},
		},
	}
}

// DetectAPIKey matches the "hf_" token prefix.
func (p *HuggingFace) DetectAPIKey(credential string) bool {
	return strings.HasPrefix(credential, "hf_")
}

// Generate walks the text pool (or the edit pool when inputs are present)
// until one Space produces an image.
func (p *HuggingFace) Generate(ctx context.Context, credential string, req ImageRequest, overlay Overlay) (*GenerationResult, error) {
	model := p.resolveModel(req, overlay)
	width, height, err := ParseSize(p.resolveSize(req, overlay))
	if err != nil {
		width, height = 1024, 1024
	}
	steps := p.resolveSteps(req, overlay)

	pool := p.textPool
	edit := len(req.Images) > 0
	if edit {
		pool = p.editPool
	}
	if len(pool) == 0 {
		return nil, &Error{Provider: p.name, Kind: KindOther, Message: "no endpoints available for task"}
	}

	var lastErr error
	for _, ep := range pool {
		var data []any
		if edit {
			if ep.BuildEdit == nil {
				continue
			}
			files, uerr := p.uploadInputs(ctx, ep, credential, req.Images)
			if uerr != nil {
				lastErr = uerr
				continue
			}
			data = ep.BuildEdit(req.Prompt, files, steps)
		} else {
			data = ep.Build(req.Prompt, width, height, steps, req.Seed)
		}

		url, cerr := p.callSpace(ctx, ep, credential, data)
		if cerr != nil {
			lastErr = cerr
			continue
		}
		return &GenerationResult{Images: []GeneratedImage{{URL: url}}, Model: model, Seed: req.Seed}, nil
	}
	if lastErr == nil {
		lastErr = &Error{Provider: p.name, Kind: KindOther, Message: "endpoint pool exhausted"}
	}
	return nil, lastErr
}

// Blend maps to an edit over the full input set.
func (p *HuggingFace) Blend(ctx context.Context, credential string, req BlendRequest, overlay Overlay) (*GenerationResult, error) {
	return p.Generate(ctx, credential, req.ImageRequest, overlay)
}

// callSpace runs one two-step Gradio invocation and returns the image URL.
func (p *HuggingFace) callSpace(ctx context.Context, ep gradioEndpoint, credential string, data []any) (string, error) {
	headers := map[string]string{}
	if credential != "" {
		headers["Authorization"] = "Bearer " + credential
	}

	status, resp, err := postJSON(ctx, ep.BaseURL+"/gradio_api/call/"+ep.Fn, headers, map[string]any{"data": data})
	if err != nil {
		return "", wrapTransportErr(p.name, err)
	}
	if status != http.StatusOK {
		return "", Classify(p.name, status, string(resp))
	}
	var call struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(resp, &call); err != nil || call.EventID == "" {
		return "", &Error{Provider: p.name, Kind: KindOther, Message: "no event id in call response"}
	}

	return p.readEvent(ctx, ep, headers, call.EventID)
}

// readEvent streams the SSE result for one event id and extracts the first
// image URL from a complete frame.
func (p *HuggingFace) readEvent(ctx context.Context, ep gradioEndpoint, headers map[string]string, eventID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ep.BaseURL+"/gradio_api/call/"+ep.Fn+"/"+eventID, nil)
	if err != nil {
		return "", wrapTransportErr(p.name, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", wrapTransportErr(p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", Classify(p.name, resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				if url := firstImageURL(ep.BaseURL, payload); url != "" {
					return url, nil
				}
				return "", &Error{Provider: p.name, Kind: KindOther, Message: "complete event carried no image"}
			case "error":
				return "", Classify(p.name, 0, payload)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", wrapTransportErr(p.name, err)
	}
	return "", &Error{Provider: p.name, Kind: KindOther, Message: "event stream ended without completion"}
}

// uploadInputs stages data-URI or base64 inputs on the Space and returns
// file references for the call payload.
func (p *HuggingFace) uploadInputs(ctx context.Context, ep gradioEndpoint, credential string, images []string) ([]gradioFile, error) {
	files := make([]gradioFile, 0, len(images))
	for i, img := range images {
		raw, err := decodeImageInput(img)
		if err != nil {
			return nil, &Error{Provider: p.name, Kind: KindOther,
				Message: fmt.Sprintf("decoding image input %d: %v", i, err)}
		}
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("files", fmt.Sprintf("input-%d.png", i))
		if err != nil {
			return nil, wrapTransportErr(p.name, err)
		}
		if _, err := fw.Write(raw); err != nil {
			return nil, wrapTransportErr(p.name, err)
		}
		if err := mw.Close(); err != nil {
			return nil, wrapTransportErr(p.name, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/gradio_api/upload", &body)
		if err != nil {
			return nil, wrapTransportErr(p.name, err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if credential != "" {
			req.Header.Set("Authorization", "Bearer "+credential)
		}
		status, resp, err := doRequest(req)
		if err != nil {
			return nil, wrapTransportErr(p.name, err)
		}
		if status != http.StatusOK {
			return nil, Classify(p.name, status, string(resp))
		}
		var paths []string
		if err := json.Unmarshal(resp, &paths); err != nil || len(paths) == 0 {
			return nil, &Error{Provider: p.name, Kind: KindOther, Message: "upload returned no path"}
		}
		files = append(files, gradioFile{Path: paths[0], Meta: map[string]string{"_type": "gradio.FileData"}})
	}
	return files, nil
}

// firstImageURL walks the complete-frame JSON for the first url (or path,
// resolved against the Space base) that looks like an image reference.
func firstImageURL(base, payload string) string {
	var data any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return ""
	}
	return walkForURL(base, data)
}

func walkForURL(base string, node any) string {
	switch v := node.(type) {
	case map[string]any:
		if u, ok := v["url"].(string); ok && u != "" {
			return u
		}
		if p, ok := v["path"].(string); ok && p != "" {
			return base + "/gradio_api/file=" + p
		}
		for _, child := range v {
			if u := walkForURL(base, child); u != "" {
				return u
			}
		}
	case []any:
		for _, child := range v {
			if u := walkForURL(base, child); u != "" {
				return u
			}
		}
	case string:
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") || strings.HasPrefix(v, "data:image/") {
			return v
		}
	}
	return ""
}
