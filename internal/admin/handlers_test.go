package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/halogen-labs/image-gateway/internal/artifact"
	"github.com/halogen-labs/image-gateway/internal/configstore"
	"github.com/halogen-labs/image-gateway/internal/gateway"
	"github.com/halogen-labs/image-gateway/internal/keypool"
	"github.com/halogen-labs/image-gateway/internal/logging"
	"github.com/halogen-labs/image-gateway/internal/requestlog"
	"github.com/halogen-labs/image-gateway/internal/router"
	"github.com/halogen-labs/image-gateway/providers"
)

func newTestServer(t *testing.T) (*httptest.Server, *configstore.Store) {
	t.Helper()
	store, err := configstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	artifacts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := providers.NewDefaultRegistry()
	gw := gateway.New(store, reg, router.New(reg), artifacts, requestlog.NoopWriter{})
	h := New(gw, keypool.NewManager(store), logging.Get())

	r := chi.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestAdmin_KeyPoolAddAndListMasked(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/key-pool",
		`{"action":"add","provider":"Gitee","key":"abcdefghijklmnopqrstuvwxyz123456"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	key := body["key"].(map[string]any)
	if key["key"] != "abcd...3456" {
		t.Errorf("add response not masked: %v", key["key"])
	}

	resp, err := http.Get(srv.URL + "/api/key-pool?provider=Gitee")
	if err != nil {
		t.Fatal(err)
	}
	body = decodeBody(t, resp)
	keys := body["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("listed %d keys", len(keys))
	}
	if keys[0].(map[string]any)["key"] != "abcd...3456" {
		t.Errorf("list not masked: %v", keys[0])
	}
}

func TestAdmin_KeyPoolUpdateNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/key-pool",
		`{"action":"update","provider":"Gitee","id":"missing","name":"x"}`)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdmin_AccessKeyGate(t *testing.T) {
	srv, store := newTestServer(t)
	sys := store.Get().System
	sys.GlobalAccessKey = "topsecret"
	if err := store.UpdateSystem(sys); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/runtime-config")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/runtime-config", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}

	// The model list stays open.
	resp, err = http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/v1/models gated: %d", resp.StatusCode)
	}
}

func TestAdmin_ListModels(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["object"] != "list" {
		t.Errorf("object = %v", body["object"])
	}
	ids := make(map[string]bool)
	for _, item := range body["data"].([]any) {
		m := item.(map[string]any)
		if ids[m["id"].(string)] {
			t.Errorf("duplicate model id %v", m["id"])
		}
		ids[m["id"].(string)] = true
	}
	// Provider models plus the static text models.
	for _, want := range []string{"z-image-turbo", "gpt-4o", "gpt-4o-mini"} {
		if !ids[want] {
			t.Errorf("model %q missing from list", want)
		}
	}
}

func TestAdmin_PatchRuntimeConfig(t *testing.T) {
	srv, store := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/runtime-config",
		`{"provider":"Gitee","enabled":false}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	settings := store.Get().Providers["Gitee"]
	if settings.Enabled == nil || *settings.Enabled {
		t.Error("enabled flag not persisted")
	}

	resp = postJSON(t, srv.URL+"/api/runtime-config",
		`{"provider":"Gitee","task":"text","defaults":{"model":"Qwen-Image","weight":5}}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("defaults patch status = %d", resp.StatusCode)
	}
	td := store.Get().Providers["Gitee"].Text
	if td == nil || td.Model != "Qwen-Image" || td.Weight != 5 {
		t.Errorf("task defaults: %+v", td)
	}
}

func TestAdmin_DashboardStats(t *testing.T) {
	srv, store := newTestServer(t)
	m := keypool.NewManager(store)
	if _, err := m.Add("Gitee", "abcdefghijklmnopqrstuvwxyz123456", ""); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/dashboard/stats")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	prov := body["providers"].(map[string]any)
	gitee := prov["Gitee"].(map[string]any)
	if gitee["total"].(float64) != 1 || gitee["valid"].(float64) != 1 {
		t.Errorf("stats: %v", gitee)
	}
}

func TestAdmin_DashboardRecent(t *testing.T) {
	srv, _ := newTestServer(t)

	// The test gateway runs with the noop dispatch writer, so the list is
	// empty but the shape holds.
	resp, err := http.Get(srv.URL + "/api/dashboard/recent?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	dispatches, ok := body["dispatches"].([]any)
	if !ok {
		t.Fatalf("dispatches missing: %v", body)
	}
	if len(dispatches) != 0 {
		t.Errorf("dispatches = %v", dispatches)
	}
}

func TestAdmin_GetConfigMasksSecrets(t *testing.T) {
	srv, store := newTestServer(t)
	sys := store.Get().System
	sys.GlobalAccessKey = "verysecretadminkey"
	if err := store.UpdateSystem(sys); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/config", nil)
	req.Header.Set("Authorization", "Bearer verysecretadminkey")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	cfg := body["config"].(map[string]any)
	system := cfg["system"].(map[string]any)
	if system["globalAccessKey"] == "verysecretadminkey" {
		t.Error("access key leaked unmasked")
	}
	if _, ok := body["capabilities"].(map[string]any)["Gitee"]; !ok {
		t.Error("capabilities missing")
	}
}

func TestAdmin_RestartDockerUnsupported(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/restart-docker", `{}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}
