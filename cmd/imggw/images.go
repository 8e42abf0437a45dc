package main

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/halogen-labs/image-gateway/internal/gateway"
	"github.com/halogen-labs/image-gateway/internal/imaging"
	"github.com/halogen-labs/image-gateway/providers"
)

type apiHandlers struct {
	gw *gateway.Gateway
}

// imagesRequest is the OpenAI images request schema plus the gateway's
// extra fields (images for JSON-form edits, steps).
type imagesRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	Images         []string `json:"images,omitempty"`
	Image          string   `json:"image,omitempty"`
	N              int      `json:"n,omitempty"`
	Size           string   `json:"size,omitempty"`
	Quality        string   `json:"quality,omitempty"`
	Steps          int      `json:"steps,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
}

type imagesResponse struct {
	Created int64                      `json:"created"`
	Data    []providers.GeneratedImage `json:"data"`
}

// imageGenerations handles POST /v1/images/generations.
func (h *apiHandlers) imageGenerations(w http.ResponseWriter, r *http.Request) {
	auth, authErr := h.gw.Authorize(gateway.BearerToken(r))
	if authErr != nil {
		writeGatewayError(w, authErr)
		return
	}

	var req imagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeBadRequest(w, "prompt is required")
		return
	}

	h.dispatch(w, r, auth, providers.TaskText, req)
}

// imageEdits handles POST /v1/images/edits, accepting multipart form data
// or the JSON body shape.
func (h *apiHandlers) imageEdits(w http.ResponseWriter, r *http.Request) {
	auth, authErr := h.gw.Authorize(gateway.BearerToken(r))
	if authErr != nil {
		writeGatewayError(w, authErr)
		return
	}

	var req imagesRequest
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		parsed, err := parseEditForm(r)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		req = *parsed
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON: "+err.Error())
			return
		}
		if req.Image != "" {
			req.Images = append([]string{req.Image}, req.Images...)
		}
	}
	if len(req.Images) == 0 {
		writeBadRequest(w, "image is required")
		return
	}

	h.dispatch(w, r, auth, providers.TaskEdit, req)
}

// imageBlend handles POST /v1/images/blend: multi-image fusion.
func (h *apiHandlers) imageBlend(w http.ResponseWriter, r *http.Request) {
	auth, authErr := h.gw.Authorize(gateway.BearerToken(r))
	if authErr != nil {
		writeGatewayError(w, authErr)
		return
	}

	var req imagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Images) < 2 {
		writeBadRequest(w, "blend requires at least two images")
		return
	}

	h.dispatch(w, r, auth, providers.TaskBlend, req)
}

func (h *apiHandlers) dispatch(w http.ResponseWriter, r *http.Request, auth *gateway.Auth, task providers.Task, req imagesRequest) {
	result, genErr := h.gw.Generate(r.Context(), auth, task, providers.ImageRequest{
		Prompt:         req.Prompt,
		Images:         req.Images,
		Model:          req.Model,
		Size:           req.Size,
		Quality:        req.Quality,
		N:              req.N,
		Steps:          req.Steps,
		Seed:           req.Seed,
		ResponseFormat: req.ResponseFormat,
	})
	if genErr != nil {
		writeGatewayError(w, genErr)
		return
	}

	shaped := gateway.ShapeImages(r.Context(), result.Images, req.ResponseFormat)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(imagesResponse{
		Created: time.Now().Unix(),
		Data:    shaped,
	})
}

// parseEditForm reads the multipart edits form: image file(s), prompt, and
// the optional generation parameters.
func parseEditForm(r *http.Request) (*imagesRequest, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, err
	}
	req := &imagesRequest{
		Prompt:         r.FormValue("prompt"),
		Model:          r.FormValue("model"),
		Size:           r.FormValue("size"),
		ResponseFormat: r.FormValue("response_format"),
	}
	if n := r.FormValue("n"); n != "" {
		req.N, _ = strconv.Atoi(n)
	}

	files := r.MultipartForm.File["image"]
	files = append(files, r.MultipartForm.File["image[]"]...)
	if mask := r.MultipartForm.File["mask"]; len(mask) > 0 {
		files = append(files, mask...)
	}
	for _, fh := range files {
		uri, err := fileToDataURI(fh)
		if err != nil {
			return nil, err
		}
		req.Images = append(req.Images, uri)
	}
	return req, nil
}

func fileToDataURI(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	raw, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	mime := imaging.MimeForFormat(imaging.DetectFormat(raw))
	return imaging.BuildDataURI(base64.StdEncoding.EncodeToString(raw), mime), nil
}
