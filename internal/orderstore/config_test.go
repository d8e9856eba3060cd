package orderstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestConfigStore(t *testing.T) (*FileConfigStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := NewFileConfigStore(path, nil)
	if err != nil {
		t.Fatalf("new config store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestConfigStoreStartsEmpty(t *testing.T) {
	store, _ := newTestConfigStore(t)
	if _, ok := store.Get(); ok {
		t.Fatalf("expected no document before the first update")
	}
}

func TestConfigStoreUpdateAndReopen(t *testing.T) {
	store, path := newTestConfigStore(t)
	cookies := "cookie2=abc; unb=777"
	cfg, err := store.Update(ConfigPatch{Cookies: &cookies})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.Cookies != cookies || cfg.UpdatedAt.IsZero() {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	reopened, err := NewFileConfigStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok := reopened.Get()
	if !ok || got.Cookies != cookies {
		t.Fatalf("document lost across reopen: %+v (ok=%v)", got, ok)
	}
}

func TestConfigStorePatchLeavesOtherFieldsAlone(t *testing.T) {
	store, _ := newTestConfigStore(t)
	cookies := "unb=777"
	device := "dev_1"
	if _, err := store.Update(ConfigPatch{Cookies: &cookies, DeviceID: &device}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	banned := true
	cfg, err := store.Update(ConfigPatch{Banned: &banned})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if cfg.Cookies != cookies || cfg.DeviceID != device || !cfg.Banned {
		t.Fatalf("patch clobbered fields: %+v", cfg)
	}
}

func TestConfigStoreRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"cookies":"x","banned":"yes"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFileConfigStore(path, nil); err == nil {
		t.Fatalf("schema-invalid document accepted")
	}
}

func TestConfigStoreWatchPicksUpExternalRewrite(t *testing.T) {
	store, path := newTestConfigStore(t)
	cookies := "unb=1"
	if _, err := store.Update(ConfigPatch{Cookies: &cookies}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"cookies":"unb=2"}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cfg, _ := store.Get(); cfg.Cookies == "unb=2" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("external rewrite never observed")
}

func TestConfigStoreKeepsLastGoodOnBrokenRewrite(t *testing.T) {
	store, path := newTestConfigStore(t)
	cookies := "unb=1"
	if _, err := store.Update(ConfigPatch{Cookies: &cookies}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{broken`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := store.reload(); err == nil {
		t.Fatalf("broken document accepted")
	}
	if cfg, ok := store.Get(); !ok || cfg.Cookies != "unb=1" {
		t.Fatalf("last good document lost: %+v (ok=%v)", cfg, ok)
	}
}
