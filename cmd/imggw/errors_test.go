package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/halogen-labs/image-gateway/internal/gateway"
)

func TestWriteGatewayError_AdapterShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeGatewayError(rec, &gateway.HTTPError{
		Status:   http.StatusInternalServerError,
		Message:  "slow down",
		Type:     "rate_limit",
		Provider: "Gitee",
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Error struct {
			Message  string `json:"message"`
			Type     string `json:"type"`
			Provider string `json:"provider"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Message != "slow down" || body.Error.Type != "rate_limit" || body.Error.Provider != "Gitee" {
		t.Errorf("body = %+v", body.Error)
	}
}

func TestWriteGatewayError_PlainShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeGatewayError(rec, &gateway.HTTPError{Status: http.StatusForbidden, Message: "relay mode is disabled"})

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "relay mode is disabled" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteBadRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	writeBadRequest(rec, "prompt is required")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "prompt is required" {
		t.Errorf("body = %v", body)
	}
}
