// Package keypool manages the per-provider credential pools: admin-side add,
// batch add, update and delete, masking for API responses, and dashboard
// aggregation. Selection and health accounting run through the config store,
// which owns the persisted pools.
package keypool

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/internal/configstore"
)

// Manager provides the admin operations over the pools.
type Manager struct {
	store *configstore.Store
}

// NewManager wraps the config store.
func NewManager(store *configstore.Store) *Manager {
	return &Manager{store: store}
}

// Mask replaces the middle of a credential. Short keys are fully hidden.
func Mask(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// MaskedItem is a KeyItem with its credential masked for API emission.
type MaskedItem struct {
	imagegateway.KeyItem
	Key string `json:"key"`
}

// MaskItems returns pool items safe to emit to clients.
func MaskItems(items []imagegateway.KeyItem) []MaskedItem {
	out := make([]MaskedItem, len(items))
	for i, item := range items {
		out[i] = MaskedItem{KeyItem: item, Key: Mask(item.Key)}
	}
	return out
}

// List returns the masked pool for one provider.
func (m *Manager) List(provider string) []MaskedItem {
	return MaskItems(m.store.GetKeyPool(provider))
}

// Add inserts one credential. Duplicate keys in the same pool are rejected.
func (m *Manager) Add(provider, key, name string) (imagegateway.KeyItem, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return imagegateway.KeyItem{}, fmt.Errorf("key is required")
	}
	pool := m.store.GetKeyPool(provider)
	for _, item := range pool {
		if item.Key == key {
			return imagegateway.KeyItem{}, fmt.Errorf("Duplicate key")
		}
	}
	item := imagegateway.KeyItem{
		ID:       uuid.NewString(),
		Key:      key,
		Name:     name,
		Status:   imagegateway.KeyStatusActive,
		AddedAt:  time.Now().UnixMilli(),
		Provider: provider,
	}
	pool = append(pool, item)
	if err := m.store.UpdateKeyPool(provider, pool); err != nil {
		return imagegateway.KeyItem{}, err
	}
	return item, nil
}

// BatchAdd inserts credentials from a newline- or comma-separated blob.
// Duplicates (within the blob or against the pool) are skipped, not fatal.
// Returns how many were added and how many skipped.
func (m *Manager) BatchAdd(provider, blob string) (added, skipped int, err error) {
	pool := m.store.GetKeyPool(provider)
	seen := make(map[string]struct{}, len(pool))
	for _, item := range pool {
		seen[item.Key] = struct{}{}
	}

	for _, line := range strings.FieldsFunc(blob, func(r rune) bool { return r == '\n' || r == ',' }) {
		key := strings.TrimSpace(line)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			skipped++
			continue
		}
		seen[key] = struct{}{}
		pool = append(pool, imagegateway.KeyItem{
			ID:       uuid.NewString(),
			Key:      key,
			Status:   imagegateway.KeyStatusActive,
			AddedAt:  time.Now().UnixMilli(),
			Provider: provider,
		})
		added++
	}
	if added == 0 {
		return 0, skipped, nil
	}
	if err := m.store.UpdateKeyPool(provider, pool); err != nil {
		return 0, skipped, err
	}
	return added, skipped, nil
}

// Update patches name, enabled flag, or status of one item by id.
func (m *Manager) Update(provider, id string, name *string, enabled *bool, status *string) (imagegateway.KeyItem, error) {
	pool := m.store.GetKeyPool(provider)
	for i := range pool {
		if pool[i].ID != id {
			continue
		}
		if name != nil {
			pool[i].Name = *name
		}
		if enabled != nil {
			e := *enabled
			pool[i].Enabled = &e
		}
		if status != nil {
			switch *status {
			case imagegateway.KeyStatusActive, imagegateway.KeyStatusDisabled, imagegateway.KeyStatusRateLimited:
			default:
				return imagegateway.KeyItem{}, fmt.Errorf("invalid status: %s", *status)
			}
			pool[i].Status = *status
			if *status == imagegateway.KeyStatusActive {
				pool[i].ErrorCount = 0
			}
		}
		updated := pool[i]
		if err := m.store.UpdateKeyPool(provider, pool); err != nil {
			return imagegateway.KeyItem{}, err
		}
		return updated, nil
	}
	return imagegateway.KeyItem{}, fmt.Errorf("key not found: %s", id)
}

// Delete removes one item by id.
func (m *Manager) Delete(provider, id string) error {
	pool := m.store.GetKeyPool(provider)
	for i := range pool {
		if pool[i].ID == id {
			pool = append(pool[:i], pool[i+1:]...)
			return m.store.UpdateKeyPool(provider, pool)
		}
	}
	return fmt.Errorf("key not found: %s", id)
}

// ProviderStats aggregates one pool for the dashboard.
type ProviderStats struct {
	Total        int     `json:"total"`
	Valid        int     `json:"valid"`
	Invalid      int     `json:"invalid"`
	Unused       int     `json:"unused"`
	TotalCalls   int     `json:"totalCalls"`
	TotalSuccess int     `json:"totalSuccess"`
	SuccessRate  float64 `json:"successRate"`
}

// Stats aggregates every pool in the runtime document.
func (m *Manager) Stats(rt imagegateway.Runtime) map[string]ProviderStats {
	out := make(map[string]ProviderStats, len(rt.KeyPools))
	for provider, pool := range rt.KeyPools {
		var st ProviderStats
		st.Total = len(pool)
		for _, item := range pool {
			if item.IsSelectable() {
				st.Valid++
			} else {
				st.Invalid++
			}
			if item.LastUsed == 0 {
				st.Unused++
			}
			st.TotalCalls += item.TotalCalls
			st.TotalSuccess += item.SuccessCount
		}
		if st.TotalCalls > 0 {
			st.SuccessRate = float64(st.TotalSuccess) / float64(st.TotalCalls)
		}
		out[provider] = st
	}
	return out
}
