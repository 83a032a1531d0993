// Package main provides an administration tool for the AEP file cache.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/open-afc-project/openafc-sub006/internal/backend"
	"github.com/open-afc-project/openafc-sub006/internal/cache"
	"github.com/open-afc-project/openafc-sub006/internal/cachestate"
	"github.com/open-afc-project/openafc-sub006/pkg/config"
	"github.com/open-afc-project/openafc-sub006/pkg/manifest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	cacheDir := flag.String("cache", cfg.CacheRoot, "Cache directory")
	maxSize := flag.Int64("max-size", cfg.CacheMaxSize, "Maximum cache size (bytes)")
	maxFile := flag.Int64("max-file", cfg.CacheMaxFileSize, "Per file cache limit (bytes)")
	fileList := flag.String("list", cfg.FileList, "File list path (for prefetch)")
	real := flag.String("real", cfg.RealMountpoint, "Real mountpoint backing the tree")
	concurrent := flag.Int("concurrent", 5, "Concurrent downloads (for prefetch)")
	fix := flag.Bool("fix", false, "Rewrite the shared counter from disk (for verify)")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg.CacheRoot = *cacheDir
	cfg.CacheMaxSize = *maxSize
	cfg.CacheMaxFileSize = *maxFile
	cfg.FileList = *fileList
	cfg.RealMountpoint = *real

	ctx := context.Background()

	state, err := cachestate.Open(cfg.CacheRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cache state: %v\n", err)
		os.Exit(1)
	}
	defer state.Close()

	locks, err := cachestate.NewLockDir(cfg.CacheRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening lock dir: %v\n", err)
		os.Exit(1)
	}

	be, err := backend.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening backend: %v\n", err)
		os.Exit(1)
	}
	defer be.Close()

	mgr, err := cache.New(cache.Config{
		Root:        cfg.CacheRoot,
		MaxFileSize: cfg.CacheMaxFileSize,
		MaxTotal:    cfg.CacheMaxSize,
		State:       state,
		Locks:       locks,
		Backend:     be,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cache: %v\n", err)
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(mgr, cfg)
	case "list", "ls":
		cmdList(mgr)
	case "evict", "rm":
		cmdEvict(mgr, cmdArgs)
	case "clear":
		cmdClear(mgr)
	case "verify":
		cmdVerify(state, cfg.CacheRoot, *fix)
	case "prefetch":
		cmdPrefetch(ctx, mgr, cfg.FileList, *concurrent, cmdArgs)
	case "json":
		cmdJSON(mgr, cfg)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`AEP Cache Admin

Usage: aepfs-cache [flags] <command> [args]

Flags:
  -cache <dir>       Cache directory (default: $AFC_AEP_CACHE)
  -max-size <bytes>  Maximum cache size (default: $AFC_AEP_CACHE_MAX_SIZE)
  -max-file <bytes>  Per file cache limit (default: $AFC_AEP_CACHE_MAX_FILE_SIZE)
  -list <path>       File list for prefetch (default: $AFC_AEP_FILELIST)
  -real <dir>        Real mountpoint backing the tree (default: $AFC_AEP_REAL_MOUNTPOINT)
  -concurrent <n>    Concurrent downloads for prefetch (default: 5)
  -fix               Rewrite the shared counter from disk during verify

Commands:
  status             Show cache usage and session counters
  list, ls           List all cached files with their reader counts
  evict, rm <bytes>  Free at least the given number of bytes
  clear              Evict every cached file not held open
  verify             Compare the shared byte counter against the files on disk
  prefetch [pattern] Download matching files ahead of use (pattern: *.csv, all, or paths)
  json               Export cache info as JSON
  help               Show this help message

Examples:
  aepfs-cache -cache /var/cache/aep status
  aepfs-cache list
  aepfs-cache evict 104857600
  aepfs-cache -fix verify
  aepfs-cache prefetch "rat_transfer/proc_lidar_2019/"
  aepfs-cache prefetch "*.csv"`)
}

func cmdStatus(mgr *cache.Manager, cfg *config.Config) {
	entries, err := mgr.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing cache: %v\n", err)
		os.Exit(1)
	}

	var readers int64
	for _, e := range entries {
		readers += int64(e.Readers)
	}
	used := mgr.Usage()

	fmt.Println("Cache Status")
	fmt.Println("------------")
	fmt.Printf("Directory:    %s\n", cfg.CacheRoot)
	fmt.Printf("Backend:      %s\n", cfg.Strategy())
	fmt.Printf("Files:        %d\n", len(entries))
	fmt.Printf("Open readers: %d\n", readers)
	fmt.Printf("Used:         %s\n", formatSize(used))
	fmt.Printf("Max:          %s\n", formatSize(cfg.CacheMaxSize))
	fmt.Printf("Usage:        %.1f%%\n", float64(used)/float64(cfg.CacheMaxSize)*100)
}

func cmdList(mgr *cache.Manager) {
	entries, err := mgr.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing cache: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("Cache is empty")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TREE PATH\tSIZE\tREADERS")
	fmt.Fprintln(w, "---------\t----\t-------")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\n", e.TreePath, formatSize(e.Size), e.Readers)
	}
	w.Flush()
}

func cmdEvict(mgr *cache.Manager, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: aepfs-cache evict <bytes>")
		os.Exit(1)
	}

	need, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || need <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid byte count: %s\n", args[0])
		os.Exit(1)
	}

	freed := mgr.EvictBytes(need)
	fmt.Printf("Freed %s (requested %s)\n", formatSize(freed), formatSize(need))
}

func cmdClear(mgr *cache.Manager) {
	freed := mgr.EvictBytes(math.MaxInt64)
	fmt.Printf("Freed %s\n", formatSize(freed))
}

// cmdVerify compares the mmap'd byte counter against a fresh walk of the
// cache directory. Drift means a writer died between a file operation and
// the counter update.
func cmdVerify(state *cachestate.State, root string, fix bool) {
	disk, err := diskUsage(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error walking cache: %v\n", err)
		os.Exit(1)
	}
	counter := state.Get()

	fmt.Printf("Counter: %s\n", formatSize(counter))
	fmt.Printf("On disk: %s\n", formatSize(disk))

	if disk == counter {
		fmt.Println("Counter matches disk")
		return
	}

	drift := disk - counter
	sign := ""
	if drift < 0 {
		sign = "-"
		drift = -drift
	}
	fmt.Printf("Drift:   %s%s\n", sign, formatSize(drift))
	if !fix {
		fmt.Println("Run with -fix to rewrite the counter from disk")
		os.Exit(1)
	}

	total, err := state.Rescan(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rescanning cache: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Counter rewritten to %s\n", formatSize(total))
}

// diskUsage sums regular file sizes under root, skipping the state directory.
func diskUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == cachestate.DirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func cmdPrefetch(ctx context.Context, mgr *cache.Manager, listPath string, concurrent int, args []string) {
	pattern := "all"
	if len(args) > 0 {
		pattern = args[0]
	}

	forest, err := manifest.Load(listPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading file list: %v\n", err)
		os.Exit(1)
	}

	type target struct {
		path string
		size int64
	}
	var files []target
	forest.Walk(func(i int32, depth int) bool {
		n := forest.Node(i)
		if n.IsDir() {
			return true
		}
		p := forest.Path(i)
		if matchesPattern(n.Name, p, pattern) {
			files = append(files, target{path: p, size: n.Size})
		}
		return true
	})

	if len(files) == 0 {
		fmt.Println("No files match the pattern")
		return
	}

	var totalSize int64
	for _, f := range files {
		totalSize += f.size
	}
	fmt.Printf("Found %d files to prefetch (%s)\n", len(files), formatSize(totalSize))
	fmt.Printf("Prefetching with %d concurrent downloads...\n\n", concurrent)

	cached := make([]bool, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrent)
	for i, f := range files {
		g.Go(func() error {
			cached[i] = mgr.Prefetch(gctx, f.path, f.size)
			return nil
		})
	}
	g.Wait()

	var cachedCount int
	var cachedSize int64
	for i, f := range files {
		if cached[i] {
			fmt.Printf("  + %s (%s)\n", f.path, formatSize(f.size))
			cachedCount++
			cachedSize += f.size
			continue
		}
		fmt.Printf("  - %s (%s) skipped\n", f.path, formatSize(f.size))
	}

	fmt.Println()
	fmt.Printf("Prefetch complete: %d cached, %d skipped\n", cachedCount, len(files)-cachedCount)
	fmt.Printf("Cached: %s\n", formatSize(cachedSize))
}

// matchesPattern checks whether a file matches the prefetch pattern.
func matchesPattern(name, path, pattern string) bool {
	if pattern == "all" || pattern == "*" {
		return true
	}

	// Path prefix match (e.g. "rat_transfer/").
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, pattern) || strings.HasPrefix(path, "/"+pattern)
	}

	// Glob match against the base name (e.g. "*.csv").
	if strings.Contains(pattern, "*") {
		matched, _ := filepath.Match(pattern, name)
		return matched
	}

	return name == pattern || path == pattern || path == "/"+pattern
}

func cmdJSON(mgr *cache.Manager, cfg *config.Config) {
	entries, err := mgr.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing cache: %v\n", err)
		os.Exit(1)
	}

	type jsonFile struct {
		TreePath string `json:"tree_path"`
		Size     int64  `json:"size"`
		Readers  int32  `json:"readers"`
	}
	data := struct {
		Directory string     `json:"directory"`
		Backend   string     `json:"backend"`
		Used      int64      `json:"used"`
		MaxSize   int64      `json:"max_size"`
		Count     int        `json:"count"`
		Files     []jsonFile `json:"files"`
	}{
		Directory: cfg.CacheRoot,
		Backend:   cfg.Strategy().String(),
		Used:      mgr.Usage(),
		MaxSize:   cfg.CacheMaxSize,
		Count:     len(entries),
		Files:     make([]jsonFile, 0, len(entries)),
	}
	for _, e := range entries {
		data.Files = append(data.Files, jsonFile{TreePath: e.TreePath, Size: e.Size, Readers: e.Readers})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
