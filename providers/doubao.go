package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strings"

	"github.com/halogen-labs/image-gateway/internal/imaging"
)

// uuidRe matches the canonical 8-4-4-4-12 UUID form used by Doubao API keys.
var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Doubao speaks the Volcano Ark image API: synchronous JSON POST with URL
// responses. Image inputs must be URLs; base64 inputs are staged through the
// image host first.
type Doubao struct {
	Base
	uploader *imaging.Uploader
}

// NewDoubao creates the Doubao adapter.
func NewDoubao() *Doubao {
	return &Doubao{
		Base: Base{
			name: "Doubao",
			caps: Capabilities{
				TextToImage:           true,
				ImageToImage:          true,
				MultiImageFusion:      true,
				MaxInputImages:        10,
				MaxOutputImages:       10,
				MaxEditOutputImages:   10,
				MaxBlendOutputImages:  10,
				MaxNativeOutputImages: 10,
				OutputFormats:         []string{"url"},
			},
			cfg: Config{
				APIURL:           "https://ark.cn-beijing.volces.com/api/v3/images/generations",
				DefaultModel:     "doubao-seedream-4-5-251128",
				DefaultEditModel: "doubao-seedream-4-5-251128",
				DefaultSize:      "2048x2048",
				Models: []string{
					"doubao-seedream-4-5-251128",
					"doubao-seedream-4-0-250828",
					"doubao-seedream-3-0-t2i-250415",
				},
				EditModels: []string{
					"doubao-seededit-3-0-i2i-250628",
				},
			},
		},
	}
}

// SetUploader wires the image host used to stage base64 inputs as URLs.
func (p *Doubao) SetUploader(u *imaging.Uploader) { p.uploader = u }

// DetectAPIKey matches the canonical UUID key shape.
func (p *Doubao) DetectAPIKey(credential string) bool {
	return uuidRe.MatchString(credential)
}

type doubaoRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	Image          []string `json:"image,omitempty"`
	Size           string   `json:"size,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Watermark      bool     `json:"watermark"`

	SequentialImageGeneration        string               `json:"sequential_image_generation,omitempty"`
	SequentialImageGenerationOptions *doubaoSequentialOpt `json:"sequential_image_generation_options,omitempty"`
}

type doubaoSequentialOpt struct {
	MaxImages int `json:"max_images"`
}

type doubaoResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate dispatches one synchronous Ark call. Counts above one use the
// sequential-generation option, so no caller-side fan-out is needed.
func (p *Doubao) Generate(ctx context.Context, credential string, req ImageRequest, overlay Overlay) (*GenerationResult, error) {
	model := p.resolveModel(req, overlay)
	n := p.clampN(req, overlay, taskFor(req))
	seed := req.Seed
	if seed == 0 {
		seed = rand.Int63n(1 << 31) //nolint:gosec
	}

	body := doubaoRequest{
		Model:          model,
		Prompt:         req.Prompt,
		Size:           p.resolveSize(req, overlay),
		Seed:           seed,
		ResponseFormat: "url",
	}
	if n > 1 {
		body.SequentialImageGeneration = "auto"
		body.SequentialImageGenerationOptions = &doubaoSequentialOpt{MaxImages: n}
	}
	if len(req.Images) > 0 {
		urls, err := p.stageImages(ctx, req.Images)
		if err != nil {
			return nil, err
		}
		body.Image = urls
	}

	status, resp, err := postJSON(ctx, p.cfg.APIURL, map[string]string{
		"Authorization": "Bearer " + credential,
	}, body)
	if err != nil {
		return nil, wrapTransportErr(p.name, err)
	}
	if status != http.StatusOK {
		return nil, Classify(p.name, status, string(resp))
	}

	var out doubaoResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, wrapTransportErr(p.name, fmt.Errorf("decoding response: %w", err))
	}
	if out.Error != nil {
		return nil, Classify(p.name, status, out.Error.Message)
	}
	if len(out.Data) == 0 {
		return nil, &Error{Provider: p.name, Kind: KindOther, Message: "upstream returned no images"}
	}

	images := make([]GeneratedImage, 0, len(out.Data))
	for _, d := range out.Data {
		images = append(images, GeneratedImage{URL: d.URL, B64JSON: d.B64JSON})
	}
	return &GenerationResult{Images: images, Model: model, Seed: seed}, nil
}

// Blend is a multi-image Generate.
func (p *Doubao) Blend(ctx context.Context, credential string, req BlendRequest, overlay Overlay) (*GenerationResult, error) {
	return p.Generate(ctx, credential, req.ImageRequest, overlay)
}

// stageImages converts every input to a URL the upstream can fetch. Data
// URIs and bare base64 go through the image host; URLs pass through.
func (p *Doubao) stageImages(ctx context.Context, images []string) ([]string, error) {
	out := make([]string, 0, len(images))
	for _, img := range images {
		if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
			out = append(out, img)
			continue
		}
		if p.uploader == nil {
			return nil, &Error{Provider: p.name, Kind: KindOther,
				Message: "base64 image inputs require an image host, none configured"}
		}
		url, err := p.uploader.Upload(ctx, img)
		if err != nil {
			return nil, &Error{Provider: p.name, Kind: KindOther,
				Message: fmt.Sprintf("staging image input: %v", err)}
		}
		out = append(out, url)
	}
	return out, nil
}

// taskFor infers the task from the request shape for cap selection.
func taskFor(req ImageRequest) Task {
	if len(req.Images) > 1 {
		return TaskBlend
	}
	if len(req.Images) == 1 {
		return TaskEdit
	}
	return TaskText
}
