package providers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

var testPNG = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestPollinations_Generate(t *testing.T) {
	var gotPath string
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		_, _ = w.Write(testPNG)
	}))
	defer srv.Close()

	p := NewPollinations()
	p.cfg.APIURL = srv.URL + "/prompt/"

	res, err := p.Generate(context.Background(), "pk_test",
		ImageRequest{Prompt: "a red fox", Size: "16:9", Seed: 42}, Overlay{})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/prompt/a%20red%20fox" && gotPath != "/prompt/a red fox" {
		t.Errorf("prompt path = %q", gotPath)
	}
	if gotQuery["width"] != "1280" || gotQuery["height"] != "720" {
		t.Errorf("size params: %v", gotQuery)
	}
	if gotQuery["model"] != "flux" || gotQuery["seed"] != "42" || gotQuery["nologo"] != "true" {
		t.Errorf("params: %v", gotQuery)
	}

	want := base64.StdEncoding.EncodeToString(testPNG)
	if len(res.Images) != 1 || res.Images[0].B64JSON != want {
		t.Fatalf("result: %+v", res)
	}
	if res.Seed != 42 {
		t.Errorf("seed = %d", res.Seed)
	}
}

func TestPollinations_NonImageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>rate limited</html>"))
	}))
	defer srv.Close()

	p := NewPollinations()
	p.cfg.APIURL = srv.URL + "/prompt/"

	if _, err := p.Generate(context.Background(), "pk_test", ImageRequest{Prompt: "x"}, Overlay{}); err == nil {
		t.Fatal("expected non-image body rejection")
	}
}

func TestPollinations_EditStagesThroughURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("image") != "https://host/in.png" {
			t.Errorf("image param = %q", r.URL.Query().Get("image"))
		}
		_, _ = w.Write(testPNG)
	}))
	defer srv.Close()

	p := NewPollinations()
	p.cfg.APIURL = srv.URL + "/prompt/"

	if _, err := p.Generate(context.Background(), "pk_test",
		ImageRequest{Prompt: "x", Images: []string{"https://host/in.png"}}, Overlay{}); err != nil {
		t.Fatal(err)
	}

	// Base64 input without an image host cannot be staged.
	if _, err := p.Generate(context.Background(), "pk_test",
		ImageRequest{Prompt: "x", Images: []string{"data:image/png;base64,AAAA"}}, Overlay{}); err == nil {
		t.Fatal("expected staging error")
	}
}
