package gateway

import (
	"encoding/json"
	"testing"
)

func msg(role, content string) ChatMessage {
	raw, _ := json.Marshal(content)
	return ChatMessage{Role: role, Content: raw}
}

func TestExtractChatInput_StringContent(t *testing.T) {
	prompt, images := ExtractChatInput([]ChatMessage{
		msg("system", "you are helpful"),
		msg("user", "draw a fox"),
	})
	if prompt != "draw a fox" || len(images) != 0 {
		t.Fatalf("prompt=%q images=%v", prompt, images)
	}
}

func TestExtractChatInput_LastUserTurnWins(t *testing.T) {
	prompt, _ := ExtractChatInput([]ChatMessage{
		msg("user", "first request"),
		msg("assistant", "here you go"),
		msg("user", "second request"),
	})
	if prompt != "second request" {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestExtractChatInput_MarkdownImages(t *testing.T) {
	prompt, images := ExtractChatInput([]ChatMessage{
		msg("user", "make it blue ![ref](https://example.com/a.png) ![](data:image/png;base64,AAAA) ![local](./nope.png)"),
	})
	if prompt != "make it blue" {
		t.Errorf("prompt = %q", prompt)
	}
	if len(images) != 2 {
		t.Fatalf("images = %v", images)
	}
	if images[0] != "https://example.com/a.png" || images[1] != "data:image/png;base64,AAAA" {
		t.Errorf("images = %v", images)
	}
}

func TestExtractChatInput_ContentParts(t *testing.T) {
	content := `[
		{"type":"text","text":"combine these"},
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}},
		{"type":"image","image":"AAAA","mediaType":"image/jpeg"},
		{"type":"text","text":"into one scene"}
	]`
	prompt, images := ExtractChatInput([]ChatMessage{
		{Role: "user", Content: json.RawMessage(content)},
	})
	if prompt != "combine these\ninto one scene" {
		t.Errorf("prompt = %q", prompt)
	}
	if len(images) != 2 {
		t.Fatalf("images = %v", images)
	}
	if images[0] != "https://example.com/a.png" {
		t.Errorf("images[0] = %q", images[0])
	}
	if images[1] != "data:image/jpeg;base64,AAAA" {
		t.Errorf("vendor image not folded: %q", images[1])
	}
}

func TestExtractChatInput_NoUserMessage(t *testing.T) {
	prompt, images := ExtractChatInput([]ChatMessage{
		msg("system", "setup"),
		msg("assistant", "hello"),
	})
	if prompt != "" || images != nil {
		t.Errorf("prompt=%q images=%v", prompt, images)
	}
}
