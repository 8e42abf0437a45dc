package imaging

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		data []byte
		want string
	}{
		{pngHeader, "png"},
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, "jpeg"},
		{[]byte("GIF89a"), "gif"},
		{[]byte("BM0000"), "bmp"},
		{append([]byte("RIFF1234"), []byte("WEBPVP8 ")...), "webp"},
		{[]byte("not an image"), ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := DetectFormat(tc.data); got != tc.want {
			t.Errorf("DetectFormat(% x) = %q, want %q", tc.data, got, tc.want)
		}
	}
}

func TestDataURIRoundTrip(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString(pngHeader)

	uri := BuildDataURI(b64, "")
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Fatalf("mime not inferred from payload: %q", uri)
	}

	mime, payload, ok := ParseDataURI(uri)
	if !ok || mime != "image/png" || payload != b64 {
		t.Fatalf("ParseDataURI = %q, %q, %v", mime, payload, ok)
	}

	if _, _, ok := ParseDataURI("https://example.com/img.png"); ok {
		t.Error("URL accepted as data URI")
	}
	if _, _, ok := ParseDataURI("data:image/png,rawpayload"); ok {
		t.Error("non-base64 data URI accepted")
	}
}

func TestNormalizeInputImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngHeader)
	}))
	defer srv.Close()

	b64 := base64.StdEncoding.EncodeToString(pngHeader)
	dataURI := BuildDataURI(b64, "image/png")

	out := NormalizeInputImages(context.Background(), []string{
		dataURI,
		srv.URL + "/img.png",
		b64,
	})
	if out[0] != dataURI {
		t.Errorf("data URI should pass through: %q", out[0])
	}
	if !strings.HasPrefix(out[1], "data:image/png;base64,") {
		t.Errorf("URL not inlined: %q", out[1])
	}
	if !strings.HasPrefix(out[2], "data:image/png;base64,") {
		t.Errorf("bare base64 not wrapped: %q", out[2])
	}
}

func TestNormalizeInputImages_FetchFailureKeepsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	url := srv.URL + "/missing.png"
	out := NormalizeInputImages(context.Background(), []string{url})
	if out[0] != url {
		t.Errorf("failing fetch should preserve the original URL, got %q", out[0])
	}
}

func TestUploader_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if r.FormValue("authCode") != "secret" {
			t.Errorf("authCode = %q", r.FormValue("authCode"))
		}
		if len(r.MultipartForm.File["image"]) != 1 {
			t.Error("image file missing")
		}
		_, _ = w.Write([]byte("https://img.example/abc.png\n"))
	}))
	defer srv.Close()

	u := &Uploader{Endpoint: srv.URL, AuthCode: "secret"}
	url, err := u.Upload(context.Background(), base64.StdEncoding.EncodeToString(pngHeader))
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://img.example/abc.png" {
		t.Errorf("url = %q", url)
	}
}

func TestUploader_RequiresAuthCode(t *testing.T) {
	u := &Uploader{Endpoint: "http://unused"}
	if _, err := u.Upload(context.Background(), "aGVsbG8="); err == nil {
		t.Fatal("expected configuration error")
	}
}
