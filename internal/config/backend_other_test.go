//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server.port: 4300
model.text: mistral
search.fetch_pages: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	b := newFileBackend(path)

	port, ok, err := b.GetInt("server.port")
	if err != nil || !ok || port != 4300 {
		t.Errorf("GetInt(server.port) = %d, %v, %v", port, ok, err)
	}
	model, ok, err := b.GetString("model.text")
	if err != nil || !ok || model != "mistral" {
		t.Errorf("GetString(model.text) = %q, %v, %v", model, ok, err)
	}
	fetch, ok, _ := b.GetString("search.fetch_pages")
	if !ok || fetch != "false" {
		t.Errorf("GetString(search.fetch_pages) = %q, %v", fetch, ok)
	}
	if _, ok, _ := b.GetString("missing"); ok {
		t.Error("missing key reported as present")
	}
}

func TestFileBackendAcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`{"server.port": 4400, "log.level": "debug"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	b := newFileBackend(path)
	port, ok, err := b.GetInt("server.port")
	if err != nil || !ok || port != 4400 {
		t.Errorf("GetInt(server.port) = %d, %v, %v", port, ok, err)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	b := newFileBackend(path)
	if err := b.SetInt("server.port", 4500); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("search.depth", "advanced"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reloaded := newFileBackend(path)
	port, _, err := reloaded.GetInt("server.port")
	if err != nil || port != 4500 {
		t.Errorf("reloaded port = %d, %v", port, err)
	}
	depth, _, _ := reloaded.GetString("search.depth")
	if depth != "advanced" {
		t.Errorf("reloaded depth = %q", depth)
	}

	if err := reloaded.Delete("search.depth"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend(path).GetString("search.depth"); ok {
		t.Error("deleted key still present")
	}
}

func TestSecretsFileFallback(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := keychainSet(keychainService, "search_api_key", "tvly-file"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainReader{}.Get(keychainService, "search_api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "tvly-file" {
		t.Errorf("Get = %q, want tvly-file", got)
	}
	if _, err := (keychainReader{}).Get(keychainService, "absent"); err == nil {
		t.Error("expected error for absent account")
	}
}
