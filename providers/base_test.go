package providers

import "testing"

func testBase() *Base {
	return &Base{
		name: "test",
		caps: Capabilities{MaxOutputImages: 4, MaxEditOutputImages: 1},
		cfg: Config{
			DefaultModel:     "default-model",
			DefaultEditModel: "default-edit-model",
			DefaultSize:      "1024x1024",
			Models:           []string{"default-model", "alt-model"},
			EditModels:       []string{"default-edit-model"},
		},
	}
}

func TestBase_ResolveModel(t *testing.T) {
	b := testBase()

	if got := b.resolveModel(ImageRequest{Model: "alt-model"}, Overlay{}); got != "alt-model" {
		t.Errorf("supported request model ignored: %q", got)
	}
	if got := b.resolveModel(ImageRequest{Model: "unknown"}, Overlay{Model: "overlay-model"}); got != "overlay-model" {
		t.Errorf("unsupported model should fall to overlay: %q", got)
	}
	if got := b.resolveModel(ImageRequest{}, Overlay{}); got != "default-model" {
		t.Errorf("default model: %q", got)
	}
	if got := b.resolveModel(ImageRequest{Images: []string{"data:image/png;base64,x"}}, Overlay{}); got != "default-edit-model" {
		t.Errorf("edit default: %q", got)
	}
}

func TestBase_ResolveSize(t *testing.T) {
	b := testBase()

	if got := b.resolveSize(ImageRequest{Size: "16:9"}, Overlay{}); got != "1280x720" {
		t.Errorf("ratio alias not resolved: %q", got)
	}
	if got := b.resolveSize(ImageRequest{}, Overlay{Size: "512x512"}); got != "512x512" {
		t.Errorf("overlay size: %q", got)
	}
	if got := b.resolveSize(ImageRequest{}, Overlay{}); got != "1024x1024" {
		t.Errorf("default size: %q", got)
	}
}

func TestBase_ClampN(t *testing.T) {
	b := testBase()

	if got := b.clampN(ImageRequest{N: 10}, Overlay{}, TaskText); got != 4 {
		t.Errorf("n not clamped to task cap: %d", got)
	}
	if got := b.clampN(ImageRequest{N: 10}, Overlay{}, TaskEdit); got != 1 {
		t.Errorf("edit cap: %d", got)
	}
	if got := b.clampN(ImageRequest{}, Overlay{N: 2}, TaskText); got != 2 {
		t.Errorf("overlay n: %d", got)
	}
	if got := b.clampN(ImageRequest{}, Overlay{}, TaskText); got != 1 {
		t.Errorf("zero n default: %d", got)
	}
}

func TestBase_ValidateRequest(t *testing.T) {
	b := testBase()

	if err := b.ValidateRequest(ImageRequest{Prompt: "   "}); err == nil {
		t.Fatal("expected error for empty request")
	}
	if err := b.ValidateRequest(ImageRequest{Prompt: "a cat"}); err != nil {
		t.Fatalf("prompt-only request: %v", err)
	}
	if err := b.ValidateRequest(ImageRequest{Images: []string{"http://x/img.png"}}); err != nil {
		t.Fatalf("image-only request: %v", err)
	}
}
