package config

import (
	"os"
	"testing"
)

// clearAEPEnv removes every shim variable so tests see only what they set.
func clearAEPEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AFC_AEP_ENABLE", "AFC_AEP_DEBUG", "AFC_AEP_LOGFILE",
		"AFC_AEP_FILELIST", "AFC_AEP_CACHE",
		"AFC_AEP_CACHE_MAX_FILE_SIZE", "AFC_AEP_CACHE_MAX_SIZE",
		"AFC_AEP_REAL_MOUNTPOINT", "AFC_AEP_ENGINE_MOUNTPOINT",
		"AFC_AEP_GS", "AFC_AEP_GS_BUCKET_NAME",
		"AFC_AEP_S3", "AFC_AEP_S3_BUCKET_NAME",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAEPEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Enabled {
		t.Error("Enabled = true with AFC_AEP_ENABLE unset")
	}
	if cfg.FileList != "/aep/list/aep.list" {
		t.Errorf("FileList = %q", cfg.FileList)
	}
	if cfg.CacheRoot != "/aep/cache" {
		t.Errorf("CacheRoot = %q", cfg.CacheRoot)
	}
	if cfg.CacheMaxFileSize != 60_000_000 {
		t.Errorf("CacheMaxFileSize = %d", cfg.CacheMaxFileSize)
	}
	if cfg.CacheMaxSize != 1_000_000_000 {
		t.Errorf("CacheMaxSize = %d", cfg.CacheMaxSize)
	}
	if cfg.RealMountpoint != "/mnt/nfs/rat_transfer" {
		t.Errorf("RealMountpoint = %q", cfg.RealMountpoint)
	}
	if cfg.EngineMountpoint != cfg.RealMountpoint {
		t.Errorf("EngineMountpoint = %q, want it to follow RealMountpoint", cfg.EngineMountpoint)
	}
	if got := cfg.Strategy(); got != StrategyNFS {
		t.Errorf("Strategy = %v, want nfs", got)
	}
}

func TestEnablePresence(t *testing.T) {
	clearAEPEnv(t)
	t.Setenv("AFC_AEP_ENABLE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Enabled {
		t.Error("Enabled = false with AFC_AEP_ENABLE set to empty; presence should enable")
	}
}

func TestMountpointOverride(t *testing.T) {
	clearAEPEnv(t)
	t.Setenv("AFC_AEP_REAL_MOUNTPOINT", "/srv/nfs/data/")
	t.Setenv("AFC_AEP_ENGINE_MOUNTPOINT", "/opt/afc/rat_transfer")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RealMountpoint != "/srv/nfs/data" {
		t.Errorf("RealMountpoint = %q, want trailing slash stripped", cfg.RealMountpoint)
	}
	if cfg.EngineMountpoint != "/opt/afc/rat_transfer" {
		t.Errorf("EngineMountpoint = %q", cfg.EngineMountpoint)
	}
}

func TestStrategySelection(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want Strategy
	}{
		{
			name: "nfs by default",
			want: StrategyNFS,
		},
		{
			name: "gcs",
			env:  map[string]string{"AFC_AEP_GS": "1", "AFC_AEP_GS_BUCKET_NAME": "afc-data"},
			want: StrategyGCS,
		},
		{
			name: "s3",
			env:  map[string]string{"AFC_AEP_S3": "1", "AFC_AEP_S3_BUCKET_NAME": "afc-data"},
			want: StrategyS3,
		},
		{
			name: "gcs wins over s3",
			env: map[string]string{
				"AFC_AEP_GS": "1", "AFC_AEP_GS_BUCKET_NAME": "g",
				"AFC_AEP_S3": "1", "AFC_AEP_S3_BUCKET_NAME": "s",
			},
			want: StrategyGCS,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearAEPEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got := cfg.Strategy(); got != tt.want {
				t.Errorf("Strategy = %v, want %v", got, tt.want)
			}
			if tt.want != StrategyNFS && cfg.Bucket() == "" {
				t.Error("Bucket is empty for an object store strategy")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "gcs without bucket",
			env:  map[string]string{"AFC_AEP_GS": "1"},
		},
		{
			name: "s3 without bucket",
			env:  map[string]string{"AFC_AEP_S3": "1"},
		},
		{
			name: "negative max file size",
			env:  map[string]string{"AFC_AEP_CACHE_MAX_FILE_SIZE": "-1"},
		},
		{
			name: "negative max cache size",
			env:  map[string]string{"AFC_AEP_CACHE_MAX_SIZE": "-5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearAEPEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load succeeded, want validation error")
			}
		})
	}
}

func TestBadNumbersFallBack(t *testing.T) {
	clearAEPEnv(t)
	t.Setenv("AFC_AEP_DEBUG", "not-a-number")
	t.Setenv("AFC_AEP_CACHE_MAX_SIZE", "lots")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Debug != 0 {
		t.Errorf("Debug = %d, want fallback 0", cfg.Debug)
	}
	if cfg.CacheMaxSize != 1_000_000_000 {
		t.Errorf("CacheMaxSize = %d, want fallback", cfg.CacheMaxSize)
	}
}
