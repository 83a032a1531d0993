// aepfs-mount serves the AEP virtual data tree as a read-only FUSE
// filesystem, for compute engines that cannot link the shim library.
// Configuration comes from the AFC_AEP_* environment; flags override it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/open-afc-project/openafc-sub006/internal/fuse"
	"github.com/open-afc-project/openafc-sub006/internal/metrics"
	"github.com/open-afc-project/openafc-sub006/pkg/config"
	"github.com/open-afc-project/openafc-sub006/pkg/shim"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	mountPoint := flag.String("mount", cfg.EngineMountpoint, "Mount point for the virtual tree")
	fileList := flag.String("list", cfg.FileList, "Manifest file describing the tree")
	cacheDir := flag.String("cache", cfg.CacheRoot, "Cache directory (shared between processes)")
	maxCacheSize := flag.Int64("max-cache", cfg.CacheMaxSize, "Aggregate cache budget in bytes")
	maxFileSize := flag.Int64("max-file", cfg.CacheMaxFileSize, "Largest file the cache will hold, in bytes")
	realMount := flag.String("real", cfg.RealMountpoint, "NFS mountpoint backing the tree")
	metricsAddr := flag.String("metrics", "", "Address for the prometheus /metrics listener (empty = disabled)")
	debug := flag.Bool("debug", false, "Enable FUSE protocol debugging")
	quiet := flag.Bool("quiet", false, "Suppress the startup banner and exit stats")
	flag.Parse()

	if *mountPoint == "" {
		fmt.Fprintln(os.Stderr, "Error: -mount is required (or set AFC_AEP_ENGINE_MOUNTPOINT)")
		fmt.Fprintln(os.Stderr)
		flag.Usage()
		os.Exit(1)
	}

	cfg.Enabled = true
	cfg.EngineMountpoint = *mountPoint
	cfg.FileList = *fileList
	cfg.CacheRoot = *cacheDir
	cfg.CacheMaxSize = *maxCacheSize
	cfg.CacheMaxFileSize = *maxFileSize
	cfg.RealMountpoint = *realMount
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if !*quiet {
		fmt.Printf("aepfs: mounting virtual tree\n")
		fmt.Printf("  Mount:     %s\n", cfg.EngineMountpoint)
		fmt.Printf("  Manifest:  %s\n", cfg.FileList)
		fmt.Printf("  Cache:     %s (%d MB budget)\n", cfg.CacheRoot, cfg.CacheMaxSize/(1024*1024))
		fmt.Printf("  Backend:   %s\n", cfg.Strategy())
		fmt.Println()
	}

	ctx := context.Background()
	sh, err := shim.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	fsys := fuse.New(sh.Forest(), sh.Cache())
	server, err := fsys.Mount(cfg.EngineMountpoint, *debug)
	if err != nil {
		sh.Shutdown()
		log.Fatalf("Failed to mount: %v", err)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("Metrics listener error: %v", err)
			}
		}()
		if !*quiet {
			fmt.Printf("Metrics on http://%s/metrics\n", *metricsAddr)
		}
	}

	if !*quiet {
		fmt.Println("Press Ctrl+C to unmount and exit")
	}

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		server.Wait()
	}()

	<-quitCh

	if err := server.Unmount(); err != nil {
		log.Printf("Unmount error: %v", err)
	}

	stats := sh.Stats()
	if !*quiet {
		fmt.Println()
		fmt.Printf("Session stats: %d downloads, %d cached reads (%d MB), %d remote reads (%d MB), %d evictions\n",
			stats.Downloads, stats.CachedReads, stats.CachedBytes/(1024*1024),
			stats.RemoteReads, stats.RemoteBytes/(1024*1024), stats.Evictions)
		fmt.Printf("Cache usage: %d MB\n", sh.Cache().Usage()/(1024*1024))
	}

	if err := sh.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
