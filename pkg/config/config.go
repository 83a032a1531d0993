// Package config loads shim configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Strategy selects where file bytes are fetched from.
type Strategy int

const (
	// StrategyNFS serves bytes from a premounted directory tree.
	StrategyNFS Strategy = iota
	// StrategyGCS serves bytes from a Google Cloud Storage bucket.
	StrategyGCS
	// StrategyS3 serves bytes from an S3 compatible bucket.
	StrategyS3
)

func (s Strategy) String() string {
	switch s {
	case StrategyGCS:
		return "gcs"
	case StrategyS3:
		return "s3"
	default:
		return "nfs"
	}
}

// Config holds all shim configuration.
type Config struct {
	// Shim
	Enabled bool
	Debug   int
	LogFile string

	// Manifest
	FileList string

	// Cache
	CacheRoot        string
	CacheMaxFileSize int64
	CacheMaxSize     int64

	// Mountpoints
	RealMountpoint   string
	EngineMountpoint string

	// Object store (unset = NFS backing)
	GSEnabled bool
	GSBucket  string
	S3Enabled bool
	S3Bucket  string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	realMnt := cleanPath(envOr("AFC_AEP_REAL_MOUNTPOINT", "/mnt/nfs/rat_transfer"))

	cfg := &Config{
		Enabled:          envSet("AFC_AEP_ENABLE"),
		Debug:            envInt("AFC_AEP_DEBUG", 0),
		LogFile:          envOr("AFC_AEP_LOGFILE", "/aep/log/aep.log"),
		FileList:         envOr("AFC_AEP_FILELIST", "/aep/list/aep.list"),
		CacheRoot:        cleanPath(envOr("AFC_AEP_CACHE", "/aep/cache")),
		CacheMaxFileSize: envInt64("AFC_AEP_CACHE_MAX_FILE_SIZE", 60_000_000),
		CacheMaxSize:     envInt64("AFC_AEP_CACHE_MAX_SIZE", 1_000_000_000),
		RealMountpoint:   realMnt,
		EngineMountpoint: cleanPath(envOr("AFC_AEP_ENGINE_MOUNTPOINT", realMnt)),
		GSEnabled:        envSet("AFC_AEP_GS"),
		GSBucket:         envOr("AFC_AEP_GS_BUCKET_NAME", ""),
		S3Enabled:        envSet("AFC_AEP_S3"),
		S3Bucket:         envOr("AFC_AEP_S3_BUCKET_NAME", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants a hand built Config must also satisfy.
func (c *Config) Validate() error {
	if c.Debug != 0 && c.LogFile == "" {
		return fmt.Errorf("AFC_AEP_LOGFILE is required when AFC_AEP_DEBUG is nonzero")
	}
	if c.CacheMaxFileSize < 0 {
		return fmt.Errorf("AFC_AEP_CACHE_MAX_FILE_SIZE must not be negative")
	}
	if c.CacheMaxSize < 0 {
		return fmt.Errorf("AFC_AEP_CACHE_MAX_SIZE must not be negative")
	}
	if c.GSEnabled && c.GSBucket == "" {
		return fmt.Errorf("AFC_AEP_GS_BUCKET_NAME is required when AFC_AEP_GS is set")
	}
	if c.S3Enabled && c.S3Bucket == "" {
		return fmt.Errorf("AFC_AEP_S3_BUCKET_NAME is required when AFC_AEP_S3 is set")
	}
	return nil
}

// Strategy returns the configured backing store. GCS wins over S3 when both
// are requested; with neither, bytes come from the NFS mountpoint.
func (c *Config) Strategy() Strategy {
	switch {
	case c.GSEnabled:
		return StrategyGCS
	case c.S3Enabled:
		return StrategyS3
	default:
		return StrategyNFS
	}
}

// Bucket returns the bucket for the selected object store strategy.
func (c *Config) Bucket() string {
	switch c.Strategy() {
	case StrategyGCS:
		return c.GSBucket
	case StrategyS3:
		return c.S3Bucket
	default:
		return ""
	}
}

func cleanPath(p string) string {
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envSet reports presence: setting the variable to any value, even empty,
// turns the feature on.
func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
