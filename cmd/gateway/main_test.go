package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "konneqt-api-gw dev") {
		t.Errorf("out = %q", out)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(good, []byte("routes:\n  - {method: GET, url: /ping}\n"), 0o644)
	os.WriteFile(bad, []byte("routes:\n  - {method: GET, url: /ping, pre_interceptors: [authz]}\n"), 0o644)

	out, err := execute(t, "validate", "--config", good)
	if err != nil || !strings.Contains(out, "Configuration is valid (1 routes)") {
		t.Errorf("good config: %q, %v", out, err)
	}
	if _, err := execute(t, "validate", "-c", bad); err == nil {
		t.Error("unknown interceptor should fail validation")
	}
	if _, err := execute(t, "validate", "-c", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail validation")
	}
}

func TestValidateResolvesSettings(t *testing.T) {
	// jwt without a secret passes the name check but cannot be built.
	path := filepath.Join(t.TempDir(), "jwt.yaml")
	os.WriteFile(path, []byte("routes:\n  - {method: GET, url: /a, pre_interceptors: [jwt]}\n"), 0o644)
	if _, err := execute(t, "validate", "-c", path); err == nil {
		t.Error("jwt without a secret should fail validation")
	}
}
