package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/halogen-labs/image-gateway/internal/imaging"
)

// Pollinations speaks the pollinations.ai image API: a single GET whose
// query string carries every parameter and whose response body is the raw
// image. Edits need the input reachable by URL, so base64 inputs are staged
// through the image host.
type Pollinations struct {
	Base
	uploader *imaging.Uploader
}

// NewPollinations creates the Pollinations adapter.
func NewPollinations() *Pollinations {
	return &Pollinations{
		Base: Base{
			name: "Pollinations",
			caps: Capabilities{
				TextToImage:           true,
				ImageToImage:          true,
				MaxInputImages:        1,
				MaxOutputImages:       4,
				MaxEditOutputImages:   1,
				MaxNativeOutputImages: 1,
				OutputFormats:         []string{"b64_json", "url"},
			},
			cfg: Config{
				APIURL:       "https://image.pollinations.ai/prompt/",
				DefaultModel: "flux",
				DefaultSize:  "1024x1024",
				Models:       []string{"flux", "turbo", "gptimage"},
				EditModels:   []string{"kontext"},
			},
		},
	}
}

// SetUploader wires the image host used to stage base64 edit inputs.
func (p *Pollinations) SetUploader(u *imaging.Uploader) { p.uploader = u }

// DetectAPIKey matches the "pk_"/"sk_" token prefixes.
func (p *Pollinations) DetectAPIKey(credential string) bool {
	return strings.HasPrefix(credential, "pk_") || strings.HasPrefix(credential, "sk_")
}

// Generate performs one GET and returns the body as base64.
func (p *Pollinations) Generate(ctx context.Context, credential string, req ImageRequest, overlay Overlay) (*GenerationResult, error) {
	model := p.resolveModel(req, overlay)
	width, height, err := ParseSize(p.resolveSize(req, overlay))
	if err != nil {
		width, height = 1024, 1024
	}
	seed := req.Seed
	if seed == 0 {
		seed = rand.Int63n(1 << 31) //nolint:gosec
	}

	q := url.Values{}
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))
	q.Set("model", model)
	q.Set("seed", strconv.FormatInt(seed, 10))
	q.Set("nologo", "true")
	if len(req.Images) > 0 {
		imgURL, serr := p.stageImage(ctx, req.Images[0])
		if serr != nil {
			return nil, serr
		}
		q.Set("image", imgURL)
	}

	headers := map[string]string{}
	if credential != "" {
		headers["Authorization"] = "Bearer " + credential
	}
	endpoint := p.cfg.APIURL + url.PathEscape(req.Prompt) + "?" + q.Encode()
	status, body, err := getBytes(ctx, endpoint, headers)
	if err != nil {
		return nil, wrapTransportErr(p.name, err)
	}
	if status != http.StatusOK {
		return nil, Classify(p.name, status, string(body))
	}
	if imaging.DetectFormat(body) == "" {
		return nil, &Error{Provider: p.name, Kind: KindOther, Message: "upstream returned a non-image body"}
	}

	return &GenerationResult{
		Images: []GeneratedImage{{B64JSON: base64.StdEncoding.EncodeToString(body)}},
		Model:  model,
		Seed:   seed,
	}, nil
}

// Blend maps to a single-input Generate.
func (p *Pollinations) Blend(ctx context.Context, credential string, req BlendRequest, overlay Overlay) (*GenerationResult, error) {
	return p.Generate(ctx, credential, req.ImageRequest, overlay)
}

func (p *Pollinations) stageImage(ctx context.Context, img string) (string, error) {
	if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return img, nil
	}
	if p.uploader == nil {
		return "", &Error{Provider: p.name, Kind: KindOther,
			Message: "base64 image inputs require an image host, none configured"}
	}
	out, err := p.uploader.Upload(ctx, img)
	if err != nil {
		return "", &Error{Provider: p.name, Kind: KindOther,
			Message: fmt.Sprintf("staging image input: %v", err)}
	}
	return out, nil
}
