package keypool

import (
	"strings"
	"testing"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/internal/configstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := configstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(store)
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":                  "********",
		"short":             "********",
		"12345678":          "********",
		"123456789":         "1234...6789",
		"hf_abcdefghijklmn": "hf_a...klmn",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManager_AddAndDuplicate(t *testing.T) {
	m := newTestManager(t)

	item, err := m.Add("Gitee", "abcdefghijklmnopqrstuvwxyz123456", "primary")
	if err != nil {
		t.Fatal(err)
	}
	if item.ID == "" || item.Status != imagegateway.KeyStatusActive {
		t.Fatalf("unexpected item: %+v", item)
	}

	if _, err := m.Add("Gitee", "abcdefghijklmnopqrstuvwxyz123456", ""); err == nil {
		t.Fatal("expected duplicate rejection")
	} else if err.Error() != "Duplicate key" {
		t.Errorf("duplicate error = %q", err)
	}

	// The same key in another provider's pool is fine.
	if _, err := m.Add("ModelScope", "abcdefghijklmnopqrstuvwxyz123456", ""); err != nil {
		t.Fatal(err)
	}
}

func TestManager_BatchAdd(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Add("Gitee", "existingkey12345678901234567890ab", ""); err != nil {
		t.Fatal(err)
	}

	blob := strings.Join([]string{
		"newkeyA1234567890123456789012345",
		"newkeyB1234567890123456789012345, newkeyA1234567890123456789012345",
		"existingkey12345678901234567890ab",
		"   ",
	}, "\n")
	added, skipped, err := m.BatchAdd("Gitee", blob)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 || skipped != 2 {
		t.Errorf("added=%d skipped=%d, want 2/2", added, skipped)
	}
	if got := len(m.List("Gitee")); got != 3 {
		t.Errorf("pool size = %d, want 3", got)
	}
}

func TestManager_Update(t *testing.T) {
	m := newTestManager(t)
	item, err := m.Add("Doubao", "123e4567-e89b-12d3-a456-426614174000", "")
	if err != nil {
		t.Fatal(err)
	}

	name := "renamed"
	status := imagegateway.KeyStatusDisabled
	updated, err := m.Update("Doubao", item.ID, &name, nil, &status)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "renamed" || updated.Status != imagegateway.KeyStatusDisabled {
		t.Fatalf("unexpected update: %+v", updated)
	}

	// Re-activating clears the error streak.
	active := imagegateway.KeyStatusActive
	updated, err = m.Update("Doubao", item.ID, nil, nil, &active)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ErrorCount != 0 || updated.Status != imagegateway.KeyStatusActive {
		t.Fatalf("reactivation did not reset: %+v", updated)
	}

	bad := "frozen"
	if _, err := m.Update("Doubao", item.ID, nil, nil, &bad); err == nil {
		t.Fatal("expected invalid status rejection")
	}
	if _, err := m.Update("Doubao", "missing-id", &name, nil, nil); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestManager_Delete(t *testing.T) {
	m := newTestManager(t)
	item, err := m.Add("Pollinations", "pk_1234567890abcdef", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("Pollinations", item.ID); err != nil {
		t.Fatal(err)
	}
	if got := len(m.List("Pollinations")); got != 0 {
		t.Errorf("pool size after delete = %d", got)
	}
	if err := m.Delete("Pollinations", item.ID); err == nil {
		t.Fatal("expected not-found on second delete")
	}
}

func TestManager_ListMasks(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Add("Gitee", "abcdefghijklmnopqrstuvwxyz123456", ""); err != nil {
		t.Fatal(err)
	}
	items := m.List("Gitee")
	if len(items) != 1 {
		t.Fatal("expected one item")
	}
	if items[0].Key != "abcd...3456" {
		t.Errorf("masked key = %q", items[0].Key)
	}
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(t)
	rt := imagegateway.DefaultRuntime()
	enabled := false
	rt.KeyPools = map[string][]imagegateway.KeyItem{
		"Gitee": {
			{Key: "a", Status: imagegateway.KeyStatusActive, TotalCalls: 10, SuccessCount: 8, LastUsed: 1},
			{Key: "b", Status: imagegateway.KeyStatusDisabled, TotalCalls: 2, SuccessCount: 0, LastUsed: 1},
			{Key: "c", Status: imagegateway.KeyStatusActive, Enabled: &enabled},
		},
	}

	stats := m.Stats(rt)
	st := stats["Gitee"]
	if st.Total != 3 || st.Valid != 1 || st.Invalid != 2 || st.Unused != 1 {
		t.Errorf("counts: %+v", st)
	}
	if st.TotalCalls != 12 || st.TotalSuccess != 8 {
		t.Errorf("call totals: %+v", st)
	}
	if st.SuccessRate < 0.66 || st.SuccessRate > 0.67 {
		t.Errorf("success rate: %v", st.SuccessRate)
	}
}
