package gateway

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/halogen-labs/image-gateway/internal/imaging"
)

// markdownImageRe matches `![alt](target)` image references inside text
// content.
var markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)

// ChatMessage is one turn of an OpenAI chat request. Content stays raw
// because clients send it as a string, a content-part array, or a vendor
// image shape.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatRequest is the subset of the chat-completions schema the gateway
// consumes. The extra size field is accepted for image sizing.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Size     string        `json:"size,omitempty"`
	N        int           `json:"n,omitempty"`
}

// contentPart is the duck-typed element of a content array. The vendor
// variant {type:"image", image:"<base64>"} is folded into image_url form.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url"`
	Image     string `json:"image"`
	MediaType string `json:"mediaType"`
}

// ExtractChatInput walks the messages for the last user turn and returns
// its text plus every referenced image: image_url parts, vendor image
// parts, and Markdown image links inside text.
func ExtractChatInput(messages []ChatMessage) (prompt string, images []string) {
	var last *ChatMessage
	for i := range messages {
		if messages[i].Role == "user" {
			last = &messages[i]
		}
	}
	if last == nil {
		return "", nil
	}

	// Plain string content.
	var text string
	if err := json.Unmarshal(last.Content, &text); err == nil {
		return extractFromText(text)
	}

	// Content-part array.
	var parts []contentPart
	if err := json.Unmarshal(last.Content, &parts); err != nil {
		return "", nil
	}
	var sb strings.Builder
	for _, part := range parts {
		switch part.Type {
		case "text":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text)
		case "image_url":
			if part.ImageURL != nil && part.ImageURL.URL != "" {
				images = append(images, part.ImageURL.URL)
			}
		case "image":
			if part.Image != "" {
				images = append(images, imaging.BuildDataURI(part.Image, part.MediaType))
			}
		}
	}
	prompt, embedded := extractFromText(sb.String())
	images = append(images, embedded...)
	return prompt, images
}

// extractFromText pulls Markdown image references out of text, returning
// the cleaned prompt and the image targets.
func extractFromText(text string) (string, []string) {
	var images []string
	for _, m := range markdownImageRe.FindAllStringSubmatch(text, -1) {
		target := m[1]
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") ||
			strings.HasPrefix(target, "data:") {
			images = append(images, target)
		}
	}
	cleaned := strings.TrimSpace(markdownImageRe.ReplaceAllString(text, ""))
	return cleaned, images
}
