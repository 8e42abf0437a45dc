package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoubao_GenerateSequential(t *testing.T) {
	var got doubaoRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"url": "https://ark/1.png"},
				{"url": "https://ark/2.png"},
				{"url": "https://ark/3.png"},
			},
		})
	}))
	defer srv.Close()

	p := NewDoubao()
	p.cfg.APIURL = srv.URL

	res, err := p.Generate(context.Background(), "123e4567-e89b-12d3-a456-426614174000",
		ImageRequest{Prompt: "a fox", N: 3}, Overlay{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Images) != 3 {
		t.Fatalf("image count = %d", len(res.Images))
	}
	if res.Seed == 0 {
		t.Error("seed not assigned")
	}

	// Native multi-image uses the sequential-generation option.
	if got.SequentialImageGeneration != "auto" {
		t.Errorf("sequential_image_generation = %q", got.SequentialImageGeneration)
	}
	if got.SequentialImageGenerationOptions == nil || got.SequentialImageGenerationOptions.MaxImages != 3 {
		t.Errorf("options = %+v", got.SequentialImageGenerationOptions)
	}
}

func TestDoubao_GenerateSingleOmitsSequential(t *testing.T) {
	var got doubaoRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"url": "https://ark/1.png"}},
		})
	}))
	defer srv.Close()

	p := NewDoubao()
	p.cfg.APIURL = srv.URL

	if _, err := p.Generate(context.Background(), "k", ImageRequest{Prompt: "a fox"}, Overlay{}); err != nil {
		t.Fatal(err)
	}
	if got.SequentialImageGeneration != "" || got.SequentialImageGenerationOptions != nil {
		t.Errorf("single-image request carries sequential fields: %+v", got)
	}
}

func TestDoubao_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "AuthenticationError", "message": "invalid API Key"},
		})
	}))
	defer srv.Close()

	p := NewDoubao()
	p.cfg.APIURL = srv.URL

	_, err := p.Generate(context.Background(), "k", ImageRequest{Prompt: "x"}, Overlay{})
	if err == nil {
		t.Fatal("expected error")
	}
	if ErrKind(err) != KindAuthError {
		t.Errorf("kind = %q, want auth_error", ErrKind(err))
	}
}

func TestDoubao_Base64InputNeedsUploader(t *testing.T) {
	p := NewDoubao()
	_, err := p.Generate(context.Background(), "k",
		ImageRequest{Prompt: "x", Images: []string{"data:image/png;base64,AAAA"}}, Overlay{})
	if err == nil {
		t.Fatal("expected staging error without an uploader")
	}
}
