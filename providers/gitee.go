package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/halogen-labs/image-gateway/internal/imaging"
)

var giteeKeyRe = regexp.MustCompile(`^[A-Za-z0-9]{30,60}$`)

// pollInterval and pollMaxAttempts bound every async job loop.
const (
	pollInterval    = 5 * time.Second
	pollMaxAttempts = 60
)

// Gitee speaks the Gitee AI serverless API: JSON POST with base64 responses
// for text-to-image, multipart for edits. Edit jobs may come back async with
// a task-status URL that is polled to a terminal state.
type Gitee struct {
	Base
}

// NewGitee creates the Gitee adapter.
func NewGitee() *Gitee {
	return &Gitee{
		Base: Base{
			name: "Gitee",
			caps: Capabilities{
				TextToImage:           true,
				ImageToImage:          true,
				AsyncTask:             true,
				MaxInputImages:        1,
				MaxOutputImages:       4,
				MaxEditOutputImages:   1,
				MaxNativeOutputImages: 1,
				OutputFormats:         []string{"b64_json", "url"},
			},
			cfg: Config{
				APIURL:           "https://ai.gitee.com/v1",
				DefaultModel:     "z-image-turbo",
				DefaultEditModel: "Qwen-Image-Edit",
				DefaultSize:      "1024x1024",
				Models: []string{
					"z-image-turbo",
					"Qwen-Image",
					"flux-1-schnell",
					"stable-diffusion-3.5-large-turbo",
				},
				EditModels: []string{
					"Qwen-Image-Edit",
				},
			},
		},
	}
}

// DetectAPIKey matches the 30-60 alphanumeric key shape. Broad, so the
// registry orders this detector last.
func (p *Gitee) DetectAPIKey(credential string) bool {
	return giteeKeyRe.MatchString(credential)
}

type giteeImageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	TaskID string `json:"task_id"`
	URLs   struct {
		TaskStatus string `json:"task_status"`
	} `json:"urls"`
}

// Generate dispatches text-to-image as JSON, edits as multipart.
func (p *Gitee) Generate(ctx context.Context, credential string, req ImageRequest, overlay Overlay) (*GenerationResult, error) {
	if len(req.Images) > 0 {
		return p.edit(ctx, credential, req, overlay)
	}
	model := p.resolveModel(req, overlay)

	body := map[string]any{
		"model":  model,
		"prompt": req.Prompt,
		"size":   p.resolveSize(req, overlay),
		"n":      1,
	}
	if steps := p.resolveSteps(req, overlay); steps > 0 {
		body["num_inference_steps"] = steps
	}
	status, resp, err := postJSON(ctx, p.cfg.APIURL+"/images/generations", map[string]string{
		"Authorization": "Bearer " + credential,
	}, body)
	if err != nil {
		return nil, wrapTransportErr(p.name, err)
	}
	if status != http.StatusOK {
		return nil, Classify(p.name, status, string(resp))
	}
	return p.decodeImages(model, resp)
}

// Blend is not natively supported; a single-image edit covers the closest
// behavior when exactly one input is present.
func (p *Gitee) Blend(ctx context.Context, credential string, req BlendRequest, overlay Overlay) (*GenerationResult, error) {
	return p.Generate(ctx, credential, req.ImageRequest, overlay)
}

// edit posts multipart form data and resolves sync or async responses.
func (p *Gitee) edit(ctx context.Context, credential string, req ImageRequest, overlay Overlay) (*GenerationResult, error) {
	model := p.resolveModel(req, overlay)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, img := range req.Images {
		raw, err := decodeImageInput(img)
		if err != nil {
			return nil, &Error{Provider: p.name, Kind: KindOther,
				Message: fmt.Sprintf("decoding image input %d: %v", i, err)}
		}
		ext := imaging.DetectFormat(raw)
		if ext == "" {
			ext = "png"
		}
		fw, err := mw.CreateFormFile("image", fmt.Sprintf("input-%d.%s", i, ext))
		if err != nil {
			return nil, wrapTransportErr(p.name, err)
		}
		if _, err := fw.Write(raw); err != nil {
			return nil, wrapTransportErr(p.name, err)
		}
	}
	_ = mw.WriteField("model", model)
	_ = mw.WriteField("prompt", req.Prompt)
	_ = mw.WriteField("size", p.resolveSize(req, overlay))
	if steps := p.resolveSteps(req, overlay); steps > 0 {
		_ = mw.WriteField("num_inference_steps", strconv.Itoa(steps))
	}
	if err := mw.Close(); err != nil {
		return nil, wrapTransportErr(p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIURL+"/images/edits", &body)
	if err != nil {
		return nil, wrapTransportErr(p.name, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	status, resp, err := doRequest(httpReq)
	if err != nil {
		return nil, wrapTransportErr(p.name, err)
	}
	if status != http.StatusOK {
		return nil, Classify(p.name, status, string(resp))
	}

	var probe giteeImageResponse
	if err := json.Unmarshal(resp, &probe); err != nil {
		return nil, wrapTransportErr(p.name, fmt.Errorf("decoding response: %w", err))
	}
	if probe.TaskID != "" && probe.URLs.TaskStatus != "" {
		return p.pollTask(ctx, credential, model, probe.URLs.TaskStatus)
	}
	return p.decodeImages(model, resp)
}

type giteeTaskStatus struct {
	Status string `json:"status"`
	Output struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"output"`
	Error string `json:"error"`
}

// pollTask walks the async job to a terminal state, bounded at 60 attempts
// 5 seconds apart.
func (p *Gitee) pollTask(ctx context.Context, credential, model, statusURL string) (*GenerationResult, error) {
	for attempt := 0; attempt < pollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, wrapTransportErr(p.name, ctx.Err())
		case <-time.After(pollInterval):
		}

		status, resp, err := getBytes(ctx, statusURL, map[string]string{
			"Authorization": "Bearer " + credential,
		})
		if err != nil {
			return nil, wrapTransportErr(p.name, err)
		}
		if status != http.StatusOK {
			return nil, Classify(p.name, status, string(resp))
		}
		var st giteeTaskStatus
		if err := json.Unmarshal(resp, &st); err != nil {
			return nil, wrapTransportErr(p.name, fmt.Errorf("decoding task status: %w", err))
		}
		switch st.Status {
		case "success", "succeeded", "SUCCEED":
			images := make([]GeneratedImage, 0, len(st.Output.Images))
			for _, img := range st.Output.Images {
				images = append(images, GeneratedImage{URL: img.URL})
			}
			if len(images) == 0 {
				return nil, &Error{Provider: p.name, Kind: KindOther, Message: "task succeeded with no images"}
			}
			return &GenerationResult{Images: images, Model: model}, nil
		case "failed", "FAILED":
			msg := st.Error
			if msg == "" {
				msg = "task failed"
			}
			return nil, &Error{Provider: p.name, Kind: KindOther, Message: msg}
		}
	}
	return nil, &Error{Provider: p.name, Kind: KindOther, Message: "task timeout"}
}

func (p *Gitee) decodeImages(model string, resp []byte) (*GenerationResult, error) {
	var out giteeImageResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, wrapTransportErr(p.name, fmt.Errorf("decoding response: %w", err))
	}
	if len(out.Data) == 0 {
		return nil, &Error{Provider: p.name, Kind: KindOther, Message: "upstream returned no images"}
	}
	images := make([]GeneratedImage, 0, len(out.Data))
	for _, d := range out.Data {
		images = append(images, GeneratedImage{URL: d.URL, B64JSON: d.B64JSON})
	}
	return &GenerationResult{Images: images, Model: model}, nil
}

// decodeImageInput accepts a data URI or bare base64 and returns raw bytes.
func decodeImageInput(img string) ([]byte, error) {
	if _, payload, ok := imaging.ParseDataURI(img); ok {
		img = payload
	}
	return base64.StdEncoding.DecodeString(img)
}
