package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ModelScope speaks the ModelScope inference API in async mode: a JSON POST
// submits the job and returns a task id, which is then polled every 5 s
// until SUCCEED or FAILED. Output images arrive as URLs.
type ModelScope struct {
	Base
}

// NewModelScope creates the ModelScope adapter.
func NewModelScope() *ModelScope {
	return &ModelScope{
		Base: Base{
			name: "ModelScope",
			caps: Capabilities{
				TextToImage:           true,
				ImageToImage:          true,
				AsyncTask:             true,
				MaxInputImages:        1,
				MaxOutputImages:       4,
				MaxEditOutputImages:   1,
				MaxNativeOutputImages: 1,
				OutputFormats:         []string{"url"},
			},
			cfg: Config{
				APIURL:           "https://api-inference.modelscope.cn/v1",
				DefaultModel:     "MusePublic/489_ckpt_FLUX_1",
				DefaultEditModel: "Qwen/Qwen-Image-Edit",
				DefaultSize:      "1024x1024",
				Models: []string{
					"MusePublic/489_ckpt_FLUX_1",
					"Qwen/Qwen-Image",
					"MAILAND/majicflus_v1",
				},
				EditModels: []string{
					"Qwen/Qwen-Image-Edit",
				},
			},
		},
	}
}

// DetectAPIKey matches the "ms-" key prefix.
func (p *ModelScope) DetectAPIKey(credential string) bool {
	return strings.HasPrefix(credential, "ms-")
}

type modelScopeSubmit struct {
	TaskID string `json:"task_id"`
}

type modelScopeTask struct {
	TaskStatus   string   `json:"task_status"`
	OutputImages []string `json:"output_images"`
	Message      string   `json:"message"`
}

// Generate submits the job and polls it to completion.
func (p *ModelScope) Generate(ctx context.Context, credential string, req ImageRequest, overlay Overlay) (*GenerationResult, error) {
	model := p.resolveModel(req, overlay)

	body := map[string]any{
		"model":  model,
		"prompt": req.Prompt,
		"size":   p.resolveSize(req, overlay),
	}
	if steps := p.resolveSteps(req, overlay); steps > 0 {
		body["num_inference_steps"] = steps
	}
	if len(req.Images) > 0 {
		// Edit flows pass the first input; upstream accepts URLs and data URIs.
		body["image_url"] = req.Images[0]
	}

	status, resp, err := postJSON(ctx, p.cfg.APIURL+"/images/generations", map[string]string{
		"Authorization":           "Bearer " + credential,
		"X-ModelScope-Async-Mode": "true",
	}, body)
	if err != nil {
		return nil, wrapTransportErr(p.name, err)
	}
	if status != http.StatusOK {
		return nil, Classify(p.name, status, string(resp))
	}
	var submit modelScopeSubmit
	if err := json.Unmarshal(resp, &submit); err != nil {
		return nil, wrapTransportErr(p.name, fmt.Errorf("decoding submit response: %w", err))
	}
	if submit.TaskID == "" {
		return nil, &Error{Provider: p.name, Kind: KindOther, Message: "upstream returned no task id"}
	}
	return p.pollTask(ctx, credential, model, submit.TaskID)
}

// Blend maps to a single-input Generate.
func (p *ModelScope) Blend(ctx context.Context, credential string, req BlendRequest, overlay Overlay) (*GenerationResult, error) {
	return p.Generate(ctx, credential, req.ImageRequest, overlay)
}

func (p *ModelScope) pollTask(ctx context.Context, credential, model, taskID string) (*GenerationResult, error) {
	url := p.cfg.APIURL + "/tasks/" + taskID
	for attempt := 0; attempt < pollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, wrapTransportErr(p.name, ctx.Err())
		case <-time.After(pollInterval):
		}

		status, resp, err := getBytes(ctx, url, map[string]string{
			"Authorization":          "Bearer " + credential,
			"X-ModelScope-Task-Type": "image_generation",
		})
		if err != nil {
			return nil, wrapTransportErr(p.name, err)
		}
		if status != http.StatusOK {
			return nil, Classify(p.name, status, string(resp))
		}
		var task modelScopeTask
		if err := json.Unmarshal(resp, &task); err != nil {
			return nil, wrapTransportErr(p.name, fmt.Errorf("decoding task status: %w", err))
		}
		switch task.TaskStatus {
		case "SUCCEED":
			if len(task.OutputImages) == 0 {
				return nil, &Error{Provider: p.name, Kind: KindOther, Message: "task succeeded with no images"}
			}
			images := make([]GeneratedImage, 0, len(task.OutputImages))
			for _, u := range task.OutputImages {
				images = append(images, GeneratedImage{URL: u})
			}
			return &GenerationResult{Images: images, Model: model}, nil
		case "FAILED":
			msg := task.Message
			if msg == "" {
				msg = "task failed"
			}
			return nil, Classify(p.name, 0, msg)
		}
	}
	return nil, &Error{Provider: p.name, Kind: KindOther, Message: "task timeout"}
}
