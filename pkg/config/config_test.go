package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadLayersOverrideInOrder(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "concourse")

	mustWrite(t, base+".prefs", "buffer_directory = /data/buffer\ndatabase_directory = /data/db\nbuffer_page_size = 4096\n")
	mustWrite(t, base+".yaml", "buffer_page_size: 16384\nenable_batch_transports: true\n")
	mustWrite(t, base+".prefs.dev", "num_transporter_threads = 4\n")

	cfg, err := Load(base)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BufferDirectory != "/data/buffer" {
		t.Fatalf("expected buffer_directory from .prefs layer, got %q", cfg.BufferDirectory)
	}
	if cfg.BufferPageSize != 16384 {
		t.Fatalf("expected .yaml layer to override .prefs's buffer_page_size, got %d", cfg.BufferPageSize)
	}
	if !cfg.EnableBatchTransports {
		t.Fatal("expected enable_batch_transports from .yaml layer")
	}
	if cfg.NumTransporterThreads != 4 {
		t.Fatalf("expected .prefs.dev layer to apply last, got %d", cfg.NumTransporterThreads)
	}
}

func TestLoadMissingLayersUseDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultEnvironment != "default" {
		t.Fatalf("expected default_environment default, got %q", cfg.DefaultEnvironment)
	}
	if cfg.BufferPageSize != 8192 {
		t.Fatalf("expected buffer_page_size default, got %d", cfg.BufferPageSize)
	}
}

func TestLoadRejectsIdenticalDirectories(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "concourse")
	mustWrite(t, base+".prefs", "buffer_directory = /data/same\ndatabase_directory = /data/same\n")

	if _, err := Load(base); err == nil {
		t.Fatal("expected identical buffer/database directories to be rejected")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
