package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteChatStream(t *testing.T) {
	rec := httptest.NewRecorder()
	writeChatStream(rec, "chatcmpl-abc", "mock-model", 1756000000, "![image1](https://a/1.png)")

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("frame count = %d, want 3 (content, stop, DONE)", len(frames))
	}
	if frames[2] != "data: [DONE]" {
		t.Errorf("terminal frame = %q", frames[2])
	}

	var first struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta        map[string]string `json:"delta"`
			FinishReason *string           `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &first); err != nil {
		t.Fatal(err)
	}
	if first.Object != "chat.completion.chunk" {
		t.Errorf("object = %q", first.Object)
	}
	if first.Choices[0].Delta["content"] != "![image1](https://a/1.png)" {
		t.Errorf("content delta = %v", first.Choices[0].Delta)
	}
	if first.Choices[0].FinishReason != nil {
		t.Error("first chunk should not carry a finish reason")
	}

	var second struct {
		Choices []struct {
			Delta        map[string]string `json:"delta"`
			FinishReason *string           `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &second); err != nil {
		t.Fatal(err)
	}
	if len(second.Choices[0].Delta) != 0 {
		t.Errorf("second delta should be empty: %v", second.Choices[0].Delta)
	}
	if second.Choices[0].FinishReason == nil || *second.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason = %v", second.Choices[0].FinishReason)
	}
}
