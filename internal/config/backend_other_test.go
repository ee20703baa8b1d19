//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := b.SetString("upstream.base_url", "https://app.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatal(err)
	}
	if err := b.SetFloat("sync.rate", 0.25); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(configFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	cfg, err := loadWith(newPlatformBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4200 || cfg.Sync.Rate != 0.25 || cfg.Upstream.BaseURL != "https://app.example.com" {
		t.Errorf("cfg = %+v", cfg)
	}

	if err := b.Delete("server.port"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := newPlatformBackend().GetInt("server.port"); ok {
		t.Error("server.port still set after Delete")
	}
}

func TestFileBackendRejectsFractionalInt(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "obrasync", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"server.port": 41.5, "sync.rate": "3"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	b := newPlatformBackend()
	if _, _, err := b.GetInt("server.port"); err == nil {
		t.Error("expected error for fractional integer")
	}
	if f, ok, err := b.GetFloat("sync.rate"); err != nil || !ok || f != 3 {
		t.Errorf("GetFloat = %v, %v, %v", f, ok, err)
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("OBRASYNC_API_TOKEN", "")

	kc := NewKeychain()
	if _, err := kc.Get("obrasync", "api_token"); err == nil {
		t.Fatal("expected error before the token exists")
	}
	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := kc.Get("obrasync", "api_token")
	if err != nil || got != tok {
		t.Errorf("stored token = %q, %v; want %q", got, err, tok)
	}
}
