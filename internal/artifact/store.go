// Package artifact persists generated images: binary plus a JSON sidecar in
// a flat directory, with an optional concurrent mirror to S3-compatible
// object storage. Save failures never propagate into the request path; the
// gateway calls Save asynchronously.
package artifact

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/internal/imaging"
	"github.com/halogen-labs/image-gateway/internal/logging"
	"github.com/halogen-labs/image-gateway/internal/metrics"
)

const module = "Storage"

var nonAlnumRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// Metadata is the sidecar document written next to every image.
type Metadata struct {
	Prompt    string         `json:"prompt"`
	Model     string         `json:"model"`
	Seed      int64          `json:"seed"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Store writes artifacts under dir and mirrors to S3 when configured. The
// mirror pair is swapped by admin reconfiguration while save goroutines read
// it, hence the lock.
type Store struct {
	dir string

	mu       sync.RWMutex
	s3       *s3Mirror
	s3Config *imagegateway.S3Settings
}

// New creates the store, ensuring dir exists.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// ConfigureS3 swaps the mirror target. A nil or invalid settings value
// disables mirroring. Called on every runtime-document update.
func (s *Store) ConfigureS3(settings *imagegateway.S3Settings) {
	var mirror *s3Mirror
	var cfg *imagegateway.S3Settings
	if settings != nil && settings.Valid() {
		m, err := newS3Mirror(*settings)
		if err != nil {
			logging.Error(module, "configuring s3 mirror: %v", err)
		} else {
			cp := *settings
			mirror, cfg = m, &cp
		}
	}
	s.mu.Lock()
	s.s3 = mirror
	s.s3Config = cfg
	s.mu.Unlock()
}

// mirror returns the current S3 target, or nil.
func (s *Store) mirror() *s3Mirror {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s3
}

// SaveImage writes one base64 image plus its sidecar and returns the stored
// filename. WebP payloads are re-encoded to PNG first. index disambiguates
// images saved within the same minute for one request.
func (s *Store) SaveImage(ctx context.Context, b64 string, meta Metadata, ext string, index int) (string, error) {
	name, err := s.saveImage(ctx, b64, meta, ext, index)
	if err != nil {
		metrics.ArtifactSaves.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.ArtifactSaves.WithLabelValues("ok").Inc()
	return name, nil
}

func (s *Store) saveImage(ctx context.Context, b64 string, meta Metadata, ext string, index int) (string, error) {
	if _, payload, ok := imaging.ParseDataURI(b64); ok {
		b64 = payload
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decoding image payload: %w", err)
	}
	if ext == "" {
		ext = imaging.DetectFormat(raw)
	}
	if ext == "" {
		ext = "png"
	}
	if ext == "webp" {
		converted, cerr := imaging.WebPToPNG(raw)
		if cerr != nil {
			logging.Error(module, "webp conversion failed, storing original: %v", cerr)
		} else {
			raw = converted
			ext = "png"
		}
	}

	now := time.Unix(0, meta.Timestamp*int64(time.Millisecond))
	if meta.Timestamp == 0 {
		now = time.Now()
		meta.Timestamp = now.UnixMilli()
	}
	name := buildFilename(now, meta.Model, meta.Prompt, meta.Seed, ext, index)
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding sidecar: %w", err)
	}

	imgPath := filepath.Join(s.dir, name)
	if err := os.WriteFile(imgPath, raw, 0o644); err != nil { //nolint:gosec
		return "", fmt.Errorf("writing image: %w", err)
	}
	if err := os.WriteFile(imgPath+".json", sidecar, 0o644); err != nil { //nolint:gosec
		return "", fmt.Errorf("writing sidecar: %w", err)
	}

	if mirror := s.mirror(); mirror != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return mirror.put(gctx, name, raw, imaging.MimeForFormat(ext)) })
		g.Go(func() error { return mirror.put(gctx, name+".json", sidecar, "application/json") })
		if err := g.Wait(); err != nil {
			logging.Error(module, "s3 mirror for %s: %v", name, err)
		}
	}
	return name, nil
}

// buildFilename follows the `YYYY-MM-DD HH-mm <modelTail>-<promptSlug>-<seed>.<ext>`
// scheme. The index is folded into the seed component when several images
// share one request and seed.
func buildFilename(t time.Time, model, prompt string, seed int64, ext string, index int) string {
	tail := model
	if i := strings.LastIndex(model, "/"); i >= 0 {
		tail = model[i+1:]
	}
	tail = slug(tail, 40)
	prompt = slug(prompt, 20)
	seedPart := fmt.Sprintf("%d", seed)
	if index > 0 {
		seedPart = fmt.Sprintf("%d-%d", seed, index)
	}
	return fmt.Sprintf("%s %s-%s-%s.%s", t.Format("2006-01-02 15-04"), tail, prompt, seedPart, ext)
}

func slug(s string, max int) string {
	if len(s) > max {
		s = s[:max]
	}
	s = nonAlnumRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Image is one gallery entry paired from a sidecar and its binary.
type Image struct {
	Filename string   `json:"filename"`
	URL      string   `json:"url"`
	Metadata Metadata `json:"metadata"`
}

// ListImages pairs every sidecar with its image file, tolerating both the
// current scheme and legacy `timestamp_id.png` names. Sorted by timestamp
// descending. URLs prefer the configured S3 public base.
func (s *Store) ListImages() ([]Image, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading storage dir: %w", err)
	}

	var out []Image
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		imgName, ok := s.pairImage(name)
		if !ok {
			continue
		}
		raw, rerr := os.ReadFile(filepath.Join(s.dir, name)) //nolint:gosec
		if rerr != nil {
			continue
		}
		var meta Metadata
		if json.Unmarshal(raw, &meta) != nil {
			continue
		}
		out = append(out, Image{
			Filename: imgName,
			URL:      s.publicURL(imgName),
			Metadata: meta,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Timestamp > out[j].Metadata.Timestamp
	})
	return out, nil
}

// pairImage resolves the image filename belonging to a sidecar name, in
// either naming scheme.
func (s *Store) pairImage(sidecar string) (string, bool) {
	// Current scheme: <image>.<ext>.json
	base := strings.TrimSuffix(sidecar, ".json")
	if _, err := os.Stat(filepath.Join(s.dir, base)); err == nil {
		return base, true
	}
	// Legacy scheme: <stem>.json next to <stem>.png
	for _, ext := range []string{".png", ".jpeg", ".jpg", ".webp", ".gif"} {
		candidate := base + ext
		if _, err := os.Stat(filepath.Join(s.dir, candidate)); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func (s *Store) publicURL(name string) string {
	s.mu.RLock()
	cfg := s.s3Config
	s.mu.RUnlock()
	if cfg != nil && cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/") + "/" + name
	}
	return "/api/gallery/file/" + name
}

// DeleteImages removes images and their sidecars best-effort and returns the
// names actually removed. Absent files count as removed; S3 deletes are
// attempted when mirroring is configured.
func (s *Store) DeleteImages(ctx context.Context, filenames []string) []string {
	var removed []string
	for _, name := range filenames {
		// Reject path traversal outright.
		if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") {
			continue
		}
		for _, target := range []string{name, name + ".json", strings.TrimSuffix(name, filepath.Ext(name)) + ".json"} {
			if err := os.Remove(filepath.Join(s.dir, target)); err != nil && !os.IsNotExist(err) {
				logging.Error(module, "removing %s: %v", target, err)
			}
		}
		if mirror := s.mirror(); mirror != nil {
			if err := mirror.delete(ctx, name); err != nil {
				logging.Error(module, "s3 delete %s: %v", name, err)
			}
			_ = mirror.delete(ctx, name+".json")
		}
		removed = append(removed, name)
	}
	return removed
}

// ReadImage returns the bytes and MIME type of one stored image.
func (s *Store) ReadImage(name string) ([]byte, string, error) {
	if strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return nil, "", fmt.Errorf("invalid filename")
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, name)) //nolint:gosec
	if err != nil {
		return nil, "", err
	}
	mime := imaging.MimeForFormat(imaging.DetectFormat(raw))
	return raw, mime, nil
}
