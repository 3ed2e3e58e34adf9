package main

import (
	"context"
	"flag"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"go.mrtaskman.org/infra/go/cleanup"
	"go.mrtaskman.org/infra/go/fileutil"
	"go.mrtaskman.org/infra/go/httputils"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/go/util"
	"go.mrtaskman.org/infra/taskman/go/blobstore"
	"go.mrtaskman.org/infra/taskman/go/db/local_db"
	"go.mrtaskman.org/infra/taskman/go/delay"
	"go.mrtaskman.org/infra/taskman/go/packages"
	"go.mrtaskman.org/infra/taskman/go/rpc"
	"go.mrtaskman.org/infra/taskman/go/scheduling"
)

var (
	// Flags.
	host     = flag.String("host", "localhost", "HTTP service host")
	port     = flag.String("port", ":8000", "HTTP service port (e.g., ':8000')")
	promPort = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000')")
	workdir  = flag.String("workdir", "/var/lib/taskman", "Directory for the task DB, delay queue, and blob stores.")
)

func main() {
	flag.Parse()
	sklog.Infof("Starting taskman-server; workdir %s", *workdir)

	dir := fileutil.MustEnsureDirExists(*workdir)

	d, err := local_db.NewDB(local_db.DB_NAME, filepath.Join(dir, local_db.DB_FILENAME))
	if err != nil {
		sklog.Fatalf("Failed to open task DB: %s", err)
	}

	queue, err := delay.NewQueue(filepath.Join(dir, "delay_queue.bdb"))
	if err != nil {
		sklog.Fatalf("Failed to open delay queue: %s", err)
	}

	packageBlobs, err := blobstore.NewFileSystemStore(filepath.Join(dir, "package_files"))
	if err != nil {
		sklog.Fatalf("Failed to open package blob store: %s", err)
	}
	resultBlobs, err := blobstore.NewFileSystemStore(filepath.Join(dir, "result_files"))
	if err != nil {
		sklog.Fatalf("Failed to open result blob store: %s", err)
	}

	scheduler := scheduling.NewTaskScheduler(d, queue, httputils.DefaultClientConfig().Client())
	if err := queue.Register(scheduling.TIMEOUT_CALLBACK, scheduler.HandleTimeout); err != nil {
		sklog.Fatalf("Failed to register timeout callback: %s", err)
	}
	registry := packages.NewRegistry(d, packageBlobs)

	ctx := context.Background()
	queue.Start(ctx)
	cleanup.AtExit(func() {
		util.LogErr(queue.Close())
		util.LogErr(d.Close())
	})

	r := chi.NewRouter()
	api := rpc.NewTaskmanAPI(scheduler, registry, packageBlobs, resultBlobs)
	api.RegisterHandlers(r)
	h := httputils.LoggingRequestResponse(r)
	h = httputils.Healthz(h)

	var group errgroup.Group
	group.Go(func() error {
		sklog.Infof("Ready to serve on http://%s%s", *host, *port)
		return http.ListenAndServe(*port, h)
	})
	group.Go(func() error {
		sklog.Infof("Serving metrics on %s", *promPort)
		return http.ListenAndServe(*promPort, promhttp.Handler())
	})
	sklog.Fatal(group.Wait())
}
