// genhookd is the webhook ingestion gateway. It accepts webhook POSTs from
// configured services, extracts fields, renders notification messages and
// forwards them to the downstream message sink.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.skia.org/genhook/go/config"
	"go.skia.org/genhook/go/frontend"
	"go.skia.org/genhook/go/payloadlog"
	"go.skia.org/genhook/go/sink"
	"go.skia.org/genhook/go/webhookconf"
	"go.skia.org/infra/go/common"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/sklog"
)

// flags
var (
	appConfig = flag.String("app_config", "config/app-config.ini", "Path to the application configuration. A .prod variant of the file is preferred when present.")
	promPort  = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000')")
	version   = flag.String("version", "1.0.0", "Version reported by the health endpoint.")
)

// pruneBackups removes expired configuration backups once an hour.
func pruneBackups(ctx context.Context, store *webhookconf.Store, retention time.Duration) {
	liveness := metrics2.NewLiveness("genhook_backup_prune", nil)
	for range time.Tick(time.Hour) {
		pruned, err := store.PruneBackups(ctx, retention)
		if err != nil {
			sklog.Errorf("Pruning configuration backups: %s", err)
			continue
		}
		if pruned > 0 {
			sklog.Infof("Pruned %d expired configuration backups", pruned)
		}
		liveness.Reset()
	}
}

func main() {
	common.InitWithMust(
		"genhookd",
		common.PrometheusOpt(promPort),
		common.MetricsLoggingOpt(),
	)
	defer common.Defer()

	cfg, err := config.Load(*appConfig)
	if err != nil {
		sklog.Fatalf("Loading configuration: %s", err)
	}
	sklog.Infof("Loaded configuration from %s", cfg.Path)

	store := webhookconf.NewStore(cfg.Webhooks.ConfigFile, cfg.Webhooks.BackupDirectory)
	plog := payloadlog.New(payloadlog.Options{
		BaseDir:     cfg.WebhookLogging.BaseDirectory,
		FileName:    cfg.WebhookLogging.FileName,
		MaxBytes:    cfg.WebhookLogging.MaxBytes,
		BackupCount: cfg.WebhookLogging.BackupCount,
		Enabled:     cfg.WebhookLogging.Enabled,
	})
	sender, err := sink.New(sink.Options{
		URL:      cfg.Sink.URL,
		Username: cfg.Sink.Username,
		Password: cfg.Sink.Password,
		Timeout:  cfg.Sink.Timeout,
		Attempts: cfg.Sink.RetryAttempts,
	})
	if err != nil {
		sklog.Fatalf("Building sink client: %s", err)
	}

	srv := frontend.New(cfg, store, plog, sender, *version)
	router := chi.NewRouter()
	srv.AddHandlers(router)

	go pruneBackups(context.Background(), store, cfg.Webhooks.BackupRetention)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	sklog.Infof("Ready to serve on http://%s", addr)
	sklog.Fatal(http.ListenAndServe(addr, httputils.LoggingRequestResponse(router)))
}
