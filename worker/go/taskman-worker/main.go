package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.mrtaskman.org/infra/go/httputils"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/taskman/go/client"
	"go.mrtaskman.org/infra/worker/go/installer"
	"go.mrtaskman.org/infra/worker/go/packagecache"
	"go.mrtaskman.org/infra/worker/go/worker"
)

var (
	// Flags.
	server       = flag.String("server", "http://localhost:8000", "Base URL of the taskman server.")
	workerName   = flag.String("worker_name", "", "Unique worker name, e.g. 'MacOsWorker1of1'. Required.")
	hostname     = flag.String("hostname", "", "Hostname to advertise; defaults to os.Hostname().")
	hostExecutor = flag.String("executor", "macos", "Host executor tag to advertise.")
	promPort     = flag.String("prom_port", ":20001", "Metrics service address (e.g., ':20001')")

	cacheRoot        = flag.String("cache_dir", "/var/cache/taskman", "Root directory of the package cache, shared by all workers on this host.")
	cacheMaxBytes    = flag.Int64("cache_max_bytes", 10*1024*1024*1024, "Nominal capacity of the package cache in bytes.")
	cacheMinDuration = flag.Float64("cache_min_duration_seconds", 600, "Cached packages younger than this are never evicted.")
	cacheLowMark     = flag.Float64("cache_low_watermark", 0.6, "Eviction target as a fraction of cache_max_bytes.")
	cacheHighMark    = flag.Float64("cache_high_watermark", 0.8, "Eviction trigger as a fraction of cache_max_bytes.")
)

func main() {
	flag.Parse()
	if *workerName == "" {
		sklog.Fatal("--worker_name is required.")
	}
	host := *hostname
	if host == "" {
		var err error
		host, err = os.Hostname()
		if err != nil {
			sklog.Fatalf("Failed to determine hostname: %s", err)
		}
	}

	cache, err := packagecache.New(*cacheRoot, packagecache.Config{
		MaxSizeBytes:       *cacheMaxBytes,
		MinDurationSeconds: *cacheMinDuration,
		LowWatermark:       *cacheLowMark,
		HighWatermark:      *cacheHighMark,
	})
	if err != nil {
		sklog.Fatalf("Failed to open package cache: %s", err)
	}

	c := client.New(*server, httputils.DefaultClientConfig().Client())
	w := worker.New(c, installer.New(c, cache), *workerName, host, *hostExecutor)

	go func() {
		sklog.Infof("Serving metrics on %s", *promPort)
		sklog.Fatal(http.ListenAndServe(*promPort, promhttp.Handler()))
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	w.Start(ctx)
}
