package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tapline-labs/tapline/internal/domain"
)

func writeTargets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTargets_AppliesDefaults(t *testing.T) {
	path := writeTargets(t, `
targets:
  - host: example.com
  - host: alt.example.org
    port: 8443
    scheme: http
`)
	targets, err := LoadTargets(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets=%d", len(targets))
	}
	if targets[0].Port != 443 || targets[0].Scheme != "https" {
		t.Fatalf("defaults not applied: %+v", targets[0])
	}
	if targets[1].Port != 8443 || targets[1].Scheme != "http" {
		t.Fatalf("explicit values lost: %+v", targets[1])
	}
}

func TestLoadTargets_RejectsMissingHost(t *testing.T) {
	path := writeTargets(t, `
targets:
  - port: 443
`)
	if _, err := LoadTargets(path); err == nil {
		t.Fatal("want error for missing host")
	}
}

func TestLoadTargets_RejectsEmptyFile(t *testing.T) {
	path := writeTargets(t, "targets: []\n")
	if _, err := LoadTargets(path); err == nil {
		t.Fatal("want error for empty target list")
	}
}

func TestTargetsJSON(t *testing.T) {
	out, err := TargetsJSON([]Target{{Host: "example.com", Port: 443, Scheme: "https"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"host":"example.com"`) {
		t.Fatalf("json=%s", out)
	}
}

func TestProfiles(t *testing.T) {
	profiles, err := Profiles("registry.example.io/")
	if err != nil {
		t.Fatal(err)
	}
	curl, ok := profiles[domain.RunnerCurl]
	if !ok {
		t.Fatal("curl profile missing")
	}
	if curl.ImageRef != "registry.example.io/tapline-runner-curl:latest" {
		t.Fatalf("image=%s", curl.ImageRef)
	}
	if _, err := Profiles(" "); err == nil {
		t.Fatal("want error for empty registry")
	}
}
