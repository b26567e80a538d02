package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayd/internal/config"
)

func TestGenerateConfigRoundTrip(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := generateConfig(cmd, nil); err != nil {
		t.Fatalf("generateConfig failed: %v", err)
	}
	if !strings.Contains(out.String(), "[pipeline]") {
		t.Fatalf("generated config missing pipeline section:\n%s", out.String())
	}

	// The generated file must load and validate cleanly.
	path := filepath.Join(t.TempDir(), "relayd.conf")
	if err := os.WriteFile(path, out.Bytes(), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig on generated config failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config does not validate: %v", err)
	}
}

func TestValidateConfigRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.conf")
	if err := os.WriteFile(path, []byte("[pipeline]\nworkers = 500\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	if err := validateConfig(cmd, []string{path}); err == nil {
		t.Fatal("validateConfig accepted out-of-range workers")
	}
}

func TestValidateConfigAcceptsGoodFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.conf")
	if err := os.WriteFile(path, []byte("[pipeline]\nworkers = 4\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := validateConfig(cmd, []string{path}); err != nil {
		t.Fatalf("validateConfig failed: %v", err)
	}
	if !strings.Contains(out.String(), "valid") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}
