package testcluster

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "zero config",
			config:  Config{},
			wantErr: false,
		},
		{
			name: "explicit timings",
			config: Config{
				StartupTimeout:  time.Second,
				StopGracePeriod: time.Second,
				KillGracePeriod: time.Second,
				CacheSizeMB:     64,
			},
			wantErr: false,
		},
		{
			name:    "negative startup timeout",
			config:  Config{StartupTimeout: -time.Second},
			wantErr: true,
			errMsg:  "StartupTimeout must not be negative",
		},
		{
			name:    "negative stop grace period",
			config:  Config{StopGracePeriod: -time.Second},
			wantErr: true,
			errMsg:  "StopGracePeriod must not be negative",
		},
		{
			name:    "negative kill grace period",
			config:  Config{KillGracePeriod: -time.Second},
			wantErr: true,
			errMsg:  "KillGracePeriod must not be negative",
		},
		{
			name:    "negative cache size",
			config:  Config{CacheSizeMB: -1},
			wantErr: true,
			errMsg:  "CacheSizeMB must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error, got nil")
				} else if tt.errMsg != "" && err.Error() != tt.errMsg {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.StartupTimeout != DefaultStartupTimeout {
		t.Errorf("StartupTimeout = %v, want %v", cfg.StartupTimeout, DefaultStartupTimeout)
	}
	if cfg.StopGracePeriod != DefaultStopGracePeriod {
		t.Errorf("StopGracePeriod = %v, want %v", cfg.StopGracePeriod, DefaultStopGracePeriod)
	}
	if cfg.KillGracePeriod != DefaultKillGracePeriod {
		t.Errorf("KillGracePeriod = %v, want %v", cfg.KillGracePeriod, DefaultKillGracePeriod)
	}
	if cfg.CacheSizeMB != DefaultCacheSizeMB {
		t.Errorf("CacheSizeMB = %d, want %d", cfg.CacheSizeMB, DefaultCacheSizeMB)
	}
	if cfg.Logger == nil || cfg.Partitioner == nil || cfg.Events == nil {
		t.Error("Logger, Partitioner and Events must be set")
	}
	if cfg.Registry != DefaultRegistry {
		t.Error("Registry should default to DefaultRegistry")
	}
	if cfg.Metrics != DefaultMetrics {
		t.Error("Metrics should default to DefaultMetrics")
	}
}

func TestConfigApplyDefaultsKeepsValues(t *testing.T) {
	reg := NewRegistry(nil)
	cfg := Config{StartupTimeout: time.Second, CacheSizeMB: 7, Registry: reg}
	cfg.applyDefaults()

	if cfg.StartupTimeout != time.Second {
		t.Errorf("StartupTimeout = %v, want 1s", cfg.StartupTimeout)
	}
	if cfg.CacheSizeMB != 7 {
		t.Errorf("CacheSizeMB = %d, want 7", cfg.CacheSizeMB)
	}
	if cfg.Registry != reg {
		t.Error("Registry was replaced")
	}
}

func TestResolveExecutable(t *testing.T) {
	dir := t.TempDir()

	exe := filepath.Join(dir, "server")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		env     string
		want    string
		wantErr bool
	}{
		{name: "explicit executable", path: exe, want: exe},
		{name: "from environment", env: exe, want: exe},
		{name: "missing file", path: filepath.Join(dir, "nope"), wantErr: true},
		{name: "not executable", path: plain, wantErr: true},
		{name: "directory", path: dir, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ExecutableEnv, tt.env)
			got, err := resolveExecutable(tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrExecutableNotFound) {
					t.Errorf("resolveExecutable() error = %v, want ErrExecutableNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveExecutable() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveExecutable() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveExecutableFromPath(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, DefaultExecutableName)
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ExecutableEnv, "")
	t.Setenv("PATH", dir)

	got, err := resolveExecutable("")
	if err != nil {
		t.Fatalf("resolveExecutable() unexpected error: %v", err)
	}
	if got != exe {
		t.Errorf("resolveExecutable() = %q, want %q", got, exe)
	}

	t.Setenv("PATH", t.TempDir())
	_, err = resolveExecutable("")
	if !errors.Is(err, ErrExecutableNotFound) || !strings.Contains(err.Error(), "PATH") {
		t.Errorf("resolveExecutable() error = %v, want not found in PATH", err)
	}
}
