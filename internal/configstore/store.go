// Package configstore owns the persisted runtime document. All reads go
// through snapshot copies; all mutations re-serialize the whole document and
// write it to disk before returning. Subscribers are notified on every swap.
package configstore

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/internal/logging"
	"github.com/halogen-labs/image-gateway/internal/metrics"
)

const module = "Config"

// FileName is the runtime document file name under the data directory.
const FileName = "runtime-config.json"

// Store is the exclusive owner of the runtime document.
type Store struct {
	mu          sync.RWMutex
	runtime     imagegateway.Runtime
	path        string
	subscribers []func(imagegateway.Runtime)
	subMu       sync.Mutex
}

// Open loads the runtime document from dataDir, falling back to the legacy
// location in the working directory, then to compiled defaults. A sanitized
// or migrated document is written back immediately.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, FileName)
	s := &Store{path: path}

	raw, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		// Legacy location: <cwd>/runtime-config.json.
		if legacy, lerr := os.ReadFile(FileName); lerr == nil {
			raw = legacy
			err = nil
		}
	}

	if err != nil {
		s.runtime = imagegateway.DefaultRuntime()
		logging.Info(module, "no runtime document found, creating defaults at %s", path)
		if werr := s.persistLocked(); werr != nil {
			logging.Error(module, "writing initial runtime document: %v", werr)
		}
		s.refreshPoolGauges()
		return s, nil
	}

	res := imagegateway.SanitizeRuntime(raw)
	s.runtime = res.Runtime
	if res.Changed {
		logging.Info(module, "runtime document sanitized (dropped: %v), rewriting", res.Dropped)
		if werr := s.persistLocked(); werr != nil {
			logging.Error(module, "rewriting sanitized runtime document: %v", werr)
		}
	}
	s.refreshPoolGauges()
	return s, nil
}

// Path returns the on-disk location of the document.
func (s *Store) Path() string { return s.path }

// Get returns a deep-copy snapshot of the runtime document.
func (s *Store) Get() imagegateway.Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.runtime)
}

// Subscribe registers fn to run after every successful document swap.
func (s *Store) Subscribe(fn func(imagegateway.Runtime)) {
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.subMu.Unlock()
}

// mutate applies fn to a working copy under the write lock, swaps it in,
// persists, and notifies subscribers. The in-memory copy stays authoritative
// when the disk write fails.
func (s *Store) mutate(fn func(*imagegateway.Runtime) error) error {
	s.mu.Lock()
	next := deepCopy(s.runtime)
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.runtime = next
	err := s.persistLocked()
	snapshot := deepCopy(s.runtime)
	s.mu.Unlock()

	if err != nil {
		logging.Error(module, "persisting runtime document: %v", err)
	}
	s.refreshPoolGauges()
	s.notify(snapshot)
	return nil
}

func (s *Store) notify(rt imagegateway.Runtime) {
	s.subMu.Lock()
	subs := make([]func(imagegateway.Runtime), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(rt)
	}
}

// persistLocked serializes the current document and writes it atomically
// (temp file + rename). Callers hold at least the write lock.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.runtime, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write runtime document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace runtime document: %w", err)
	}
	return nil
}

// ReplaceAll swaps in a complete new document.
func (s *Store) ReplaceAll(rt imagegateway.Runtime) error {
	return s.mutate(func(cur *imagegateway.Runtime) error {
		if rt.Providers == nil {
			rt.Providers = map[string]imagegateway.ProviderSettings{}
		}
		if rt.KeyPools == nil {
			rt.KeyPools = map[string][]imagegateway.KeyItem{}
		}
		*cur = rt
		return nil
	})
}

// UpdateSystem replaces the system section.
func (s *Store) UpdateSystem(sys imagegateway.SystemSettings) error {
	return s.mutate(func(cur *imagegateway.Runtime) error {
		cur.System = sys
		return nil
	})
}

// UpdateOptimizer replaces the prompt-optimizer section.
func (s *Store) UpdateOptimizer(opt imagegateway.OptimizerSettings) error {
	return s.mutate(func(cur *imagegateway.Runtime) error {
		cur.PromptOptimizer = opt
		return nil
	})
}

// UpdateStorage replaces the storage section.
func (s *Store) UpdateStorage(st imagegateway.StorageSettings) error {
	return s.mutate(func(cur *imagegateway.Runtime) error {
		cur.Storage = st
		return nil
	})
}

// SetProviderEnabled flips one provider's enabled flag.
func (s *Store) SetProviderEnabled(name string, enabled bool) error {
	return s.mutate(func(cur *imagegateway.Runtime) error {
		ps := cur.Providers[name]
		ps.Enabled = &enabled
		cur.Providers[name] = ps
		return nil
	})
}

// SetTaskDefaults replaces one provider's defaults for one task.
func (s *Store) SetTaskDefaults(name string, task imagegateway.Task, td imagegateway.TaskDefaults) error {
	return s.mutate(func(cur *imagegateway.Runtime) error {
		ps := cur.Providers[name]
		switch task {
		case imagegateway.TaskText:
			ps.Text = &td
		case imagegateway.TaskEdit:
			ps.Edit = &td
		case imagegateway.TaskBlend:
			ps.Blend = &td
		default:
			return fmt.Errorf("unknown task: %s", task)
		}
		cur.Providers[name] = ps
		return nil
	})
}

// GetKeyPool returns a copy of one provider's pool.
func (s *Store) GetKeyPool(name string) []imagegateway.KeyItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool := s.runtime.KeyPools[name]
	out := make([]imagegateway.KeyItem, len(pool))
	copy(out, pool)
	return out
}

// UpdateKeyPool replaces one provider's pool.
func (s *Store) UpdateKeyPool(name string, items []imagegateway.KeyItem) error {
	return s.mutate(func(cur *imagegateway.Runtime) error {
		cur.KeyPools[name] = items
		return nil
	})
}

// GetNextAvailableKey picks a uniformly random selectable credential from
// the provider's pool. Keys listed in exclude are skipped; the gateway passes
// the credentials that already failed auth within the current request.
// Returns "" when none qualifies.
func (s *Store) GetNextAvailableKey(provider string, exclude ...string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []string
	for _, item := range s.runtime.KeyPools[provider] {
		if item.IsSelectable() && !contains(exclude, item.Key) {
			candidates = append(candidates, item.Key)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))] //nolint:gosec
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// ReportKeySuccess resets the item's error streak and bumps usage counters.
func (s *Store) ReportKeySuccess(provider, key string) {
	_ = s.mutate(func(cur *imagegateway.Runtime) error {
		pool := cur.KeyPools[provider]
		for i := range pool {
			if pool[i].Key != key {
				continue
			}
			pool[i].ErrorCount = 0
			pool[i].SuccessCount++
			pool[i].TotalCalls++
			pool[i].LastUsed = time.Now().UnixMilli()
			if pool[i].Status == imagegateway.KeyStatusRateLimited {
				pool[i].Status = imagegateway.KeyStatusActive
			}
			break
		}
		cur.KeyPools[provider] = pool
		return nil
	})
}

// ReportKeyError bumps the item's error streak and disables it once the
// streak exceeds 5. The reason tag is recorded for diagnostics only.
func (s *Store) ReportKeyError(provider, key, reason string) {
	_ = s.mutate(func(cur *imagegateway.Runtime) error {
		pool := cur.KeyPools[provider]
		for i := range pool {
			if pool[i].Key != key {
				continue
			}
			pool[i].ErrorCount++
			pool[i].TotalCalls++
			pool[i].LastUsed = time.Now().UnixMilli()
			if pool[i].ErrorCount > 5 {
				pool[i].Status = imagegateway.KeyStatusDisabled
				logging.Info(module, "key %s for %s disabled after %d consecutive errors (last: %s)",
					maskTail(pool[i].Key), provider, pool[i].ErrorCount, reason)
			}
			break
		}
		cur.KeyPools[provider] = pool
		return nil
	})
}

func (s *Store) refreshPoolGauges() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for provider, pool := range s.runtime.KeyPools {
		active := 0
		for _, item := range pool {
			if item.IsSelectable() {
				active++
			}
		}
		metrics.KeyPoolActive.WithLabelValues(provider).Set(float64(active))
	}
}

func maskTail(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func deepCopy(rt imagegateway.Runtime) imagegateway.Runtime {
	out := rt
	out.Providers = make(map[string]imagegateway.ProviderSettings, len(rt.Providers))
	for k, v := range rt.Providers {
		cp := v
		if v.Enabled != nil {
			e := *v.Enabled
			cp.Enabled = &e
		}
		cp.Text = copyTask(v.Text)
		cp.Edit = copyTask(v.Edit)
		cp.Blend = copyTask(v.Blend)
		out.Providers[k] = cp
	}
	out.KeyPools = make(map[string][]imagegateway.KeyItem, len(rt.KeyPools))
	for k, v := range rt.KeyPools {
		pool := make([]imagegateway.KeyItem, len(v))
		copy(pool, v)
		for i := range pool {
			if v[i].Enabled != nil {
				e := *v[i].Enabled
				pool[i].Enabled = &e
			}
		}
		out.KeyPools[k] = pool
	}
	if rt.Storage.S3 != nil {
		s3 := *rt.Storage.S3
		out.Storage.S3 = &s3
	}
	return out
}

func copyTask(td *imagegateway.TaskDefaults) *imagegateway.TaskDefaults {
	if td == nil {
		return nil
	}
	cp := *td
	if td.PromptOptimizer != nil {
		po := *td.PromptOptimizer
		cp.PromptOptimizer = &po
	}
	return &cp
}
