// Package imaging holds the binary image utilities shared by adapters, the
// artifact store, and response shaping: format sniffing, data-URI handling,
// WebP→PNG conversion, input normalization, and image-host upload.
package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/image/webp"
)

// fetchClient bounds every outbound fetch/upload made by this package.
var fetchClient = &http.Client{Timeout: 20 * time.Second}

// DetectFormat sniffs the image format from magic bytes. Returns "" when the
// payload matches none of the known signatures.
func DetectFormat(data []byte) string {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 0x50, 0x4E, 0x47}):
		return "png"
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "jpeg"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return "gif"
	case len(data) >= 2 && bytes.Equal(data[:2], []byte("BM")):
		return "bmp"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	default:
		return ""
	}
}

// MimeForFormat maps a sniffed format to its MIME type.
func MimeForFormat(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// BuildDataURI assembles a data URI from a base64 payload and a MIME type.
// When mime is empty it is inferred from the decoded bytes, defaulting to
// image/png.
func BuildDataURI(b64, mime string) string {
	if mime == "" {
		mime = "image/png"
		if raw, err := base64.StdEncoding.DecodeString(b64); err == nil {
			if f := DetectFormat(raw); f != "" {
				mime = MimeForFormat(f)
			}
		}
	}
	return "data:" + mime + ";base64," + b64
}

// ParseDataURI splits a data URI into its MIME type and base64 payload.
func ParseDataURI(uri string) (mime, b64 string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := uri[len("data:"):]
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

// WebPToPNG decodes a WebP payload and re-encodes it as PNG.
func WebPToPNG(data []byte) ([]byte, error) {
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding webp: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

// NormalizeInputImages converts each input to a data URI: HTTP(S) URLs are
// fetched and inlined, data URIs pass through, and bare base64 is wrapped as
// image/png. A failing conversion preserves the original string so an
// adapter that accepts URLs directly can still succeed.
func NormalizeInputImages(ctx context.Context, images []string) []string {
	out := make([]string, len(images))
	for i, img := range images {
		out[i] = normalizeOne(ctx, img)
	}
	return out
}

func normalizeOne(ctx context.Context, img string) string {
	switch {
	case strings.HasPrefix(img, "data:"):
		return img
	case strings.HasPrefix(img, "http://"), strings.HasPrefix(img, "https://"):
		uri, err := FetchAsDataURI(ctx, img)
		if err != nil {
			return img
		}
		return uri
	default:
		return BuildDataURI(img, "")
	}
}

// FetchAsDataURI downloads url and returns its body as a data URI.
func FetchAsDataURI(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading image body: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if f := DetectFormat(data); f != "" {
		mime = MimeForFormat(f)
	}
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	return BuildDataURI(base64.StdEncoding.EncodeToString(data), mime), nil
}

// Uploader posts base64 images to an image host and returns absolute URLs.
// Adapters whose upstream only accepts URL inputs use it to stage base64
// payloads.
type Uploader struct {
	Endpoint string
	AuthCode string
	Client   *http.Client
}

// Upload posts one image as multipart form data and returns the public URL.
func (u *Uploader) Upload(ctx context.Context, b64 string) (string, error) {
	if u.AuthCode == "" {
		return "", fmt.Errorf("image host auth code is not configured")
	}
	if _, payload, ok := ParseDataURI(b64); ok {
		b64 = payload
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decoding image payload: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	ext := DetectFormat(raw)
	if ext == "" {
		ext = "png"
	}
	fw, err := mw.CreateFormFile("image", "upload."+ext)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(raw); err != nil {
		return "", err
	}
	if err := mw.WriteField("authCode", u.AuthCode); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := u.Client
	if client == nil {
		client = fetchClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image host error (%d): %s", resp.StatusCode, string(respBody))
	}

	url := strings.TrimSpace(string(respBody))
	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("image host returned unexpected body: %s", url)
	}
	return url, nil
}
