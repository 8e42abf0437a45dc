package gateway

import (
	"context"
	"strconv"
	"strings"

	"github.com/halogen-labs/image-gateway/internal/imaging"
	"github.com/halogen-labs/image-gateway/internal/logging"
	"github.com/halogen-labs/image-gateway/providers"
)

// ShapeImages converts adapter output to the client's requested response
// format. URL format inlines base64 payloads as data URIs for transport
// parity; b64_json format downloads URL payloads and re-encodes, falling
// back to URL delivery when the download fails.
func ShapeImages(ctx context.Context, images []providers.GeneratedImage, format string) []providers.GeneratedImage {
	out := make([]providers.GeneratedImage, len(images))
	for i, img := range images {
		switch format {
		case "b64_json":
			out[i] = toB64(ctx, img)
		default:
			out[i] = toURL(img)
		}
	}
	return out
}

func toURL(img providers.GeneratedImage) providers.GeneratedImage {
	if img.URL != "" {
		return providers.GeneratedImage{URL: img.URL}
	}
	return providers.GeneratedImage{URL: imaging.BuildDataURI(img.B64JSON, "")}
}

func toB64(ctx context.Context, img providers.GeneratedImage) providers.GeneratedImage {
	if img.B64JSON != "" {
		return providers.GeneratedImage{B64JSON: img.B64JSON}
	}
	if strings.HasPrefix(img.URL, "data:") {
		if _, payload, ok := imaging.ParseDataURI(img.URL); ok {
			return providers.GeneratedImage{B64JSON: payload}
		}
	}
	uri, err := imaging.FetchAsDataURI(ctx, img.URL)
	if err != nil {
		logging.Info(module, "b64 conversion failed, delivering url: %v", err)
		return providers.GeneratedImage{URL: img.URL}
	}
	if _, payload, ok := imaging.ParseDataURI(uri); ok {
		return providers.GeneratedImage{B64JSON: payload}
	}
	return providers.GeneratedImage{URL: img.URL}
}

// MarkdownContent renders generated images as the Markdown body of a chat
// message, one reference per line.
func MarkdownContent(images []providers.GeneratedImage) string {
	lines := make([]string, len(images))
	for i, img := range images {
		target := img.URL
		if target == "" {
			target = imaging.BuildDataURI(img.B64JSON, "")
		}
		lines[i] = "![image" + strconv.Itoa(i+1) + "](" + target + ")"
	}
	return strings.Join(lines, "\n")
}
