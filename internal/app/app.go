// Package app wires every package in the tree into one running process:
// storage, settings, the source cascade, the scheduler, the bypass
// gateway, and the HTTP/WebSocket surface on top of them. Grounded on the
// teacher's main.go + internal/app/app.go construction order (logger ->
// storage -> core components -> config -> audit -> control server ->
// signal handling), generalized from a single-binary desktop app into a
// headless service and stripped of every Wails/systray/GUI concern.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"bookforge/internal/analytics"
	"bookforge/internal/bypass"
	"bookforge/internal/config"
	"bookforge/internal/events"
	"bookforge/internal/fetcher"
	"bookforge/internal/logger"
	"bookforge/internal/network"
	"bookforge/internal/postprocess"
	"bookforge/internal/queue"
	"bookforge/internal/security"
	"bookforge/internal/sources"
	"bookforge/internal/storage"

	"log/slog"
)

// Application holds every long-lived collaborator constructed at startup.
// Nothing here is optional: a field is nil only before New returns
// successfully.
type Application struct {
	Logger      *slog.Logger
	Storage     *storage.Storage
	Config      *config.Registry
	Queue       *queue.Queue
	Scheduler   *queue.Scheduler
	Sources     *sources.Registry
	Selector    *network.Selector
	DNS         *network.DNSResolver
	Cookies     *bypass.CookieStore
	Gateway     *bypass.Gateway
	Fetcher     *fetcher.Fetcher
	Bandwidth   *network.BandwidthManager
	Congestion  *network.CongestionController
	Broadcaster *events.Broadcaster
	Processor   *postprocess.Processor
	Stats       *analytics.StatsManager
	Audit       *security.AuditLogger
	Lockout     *security.LoginLockout

	dataDir string
}

const cascadeHandlerName = "cascade"

// cascadeSourceNamer feeds the configuration surface's source_priority
// field the cascade's own internal sub-source names, kept distinct from
// sources.Registry's download-handler registry (which only ever holds the
// single cascade handler, since no torrent/NZB/DCC handler exists yet).
type cascadeSourceNamer struct{}

func (cascadeSourceNamer) HandlerOrder() []string { return sources.CascadeSourceNames() }

// New constructs every collaborator and performs startup recovery, but
// does not start the scheduler loop; call Run for that once the HTTP
// server (built separately, over the returned Application) is ready too.
func New(dataDir string, consoleOutput io.Writer) (*Application, error) {
	slogger, broadcastHandler, err := logger.New(consoleOutput, dataDir)
	if err != nil {
		return nil, fmt.Errorf("app: building logger: %w", err)
	}

	store, err := storage.NewStorage(dataDir)
	if err != nil {
		return nil, fmt.Errorf("app: opening storage: %w", err)
	}

	if n, err := store.RecoverInterruptedDownloads(); err != nil {
		slogger.Warn("failed to recover interrupted downloads", "error", err)
	} else if n > 0 {
		slogger.Info("recovered interrupted downloads as errored", "count", n)
	}

	cfg := config.NewRegistry(store)
	applyProxyEnv(cfg)

	broadcaster := events.NewBroadcaster()
	broadcaster.SetProgressInterval(time.Duration(cfg.GetInt("progress_update_interval_seconds")) * time.Second)
	broadcastHandler.SetNotifyFunc(func(level, message string, _ map[string]any) {
		broadcaster.BroadcastNotification(message, level)
	})

	dns := newDNSResolver(cfg)
	mirrors := append(cfg.GetCSV("mirror_list"), cfg.GetCSV("additional_mirrors")...)
	selector := network.NewSelector(mirrors, dns)
	bandwidth := network.NewBandwidthManager()
	bandwidth.SetLimit(cfg.GetInt("bandwidth_limit_kbps") * 1024)
	bandwidth.SetHostLimit(cfg.GetInt("per_mirror_limit_kbps") * 1024)
	congestion := network.NewCongestionController(1, cfg.GetInt("max_concurrent_downloads"))

	cookies := bypass.NewCookieStore()
	backend := newBypassBackend(cfg)
	gateway := bypass.NewGateway(backend, cookies, selector, slogger)
	gateway.SetHTTPClient(network.NewHTTPClient(dns, 30*time.Second))
	dns.OnRotation(func(network.Provider) { gateway.NotifyDNSRotation() })
	broadcaster.OnFirstConnect(func() { gateway.ConnectionCountChanged(1) })
	broadcaster.OnAllDisconnect(func() { gateway.ConnectionCountChanged(0) })

	httpFetcher := fetcher.New(gateway, cookies, bandwidth)
	httpFetcher.SetClient(network.NewHTTPClient(dns, 60*time.Second))

	srcRegistry := sources.NewRegistry()
	srcRegistry.RegisterSource("annas-archive", sources.NewAnnasArchiveSource(httpFetcher, selector))

	tempDir := filepath.Join(dataDir, "tmp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: creating temp dir: %w", err)
	}
	cascadeHandler := sources.NewDirectDownloadHandler(cascadeConfig(cfg, tempDir), httpFetcher, selector)
	srcRegistry.RegisterHandler(cascadeHandlerName, cascadeHandler)
	cfg.RegisterSourcePriority(cascadeSourceNamer{})

	processor := postprocess.NewProcessor(cfg, tempDir)

	q := queue.New()
	sink := queue.NewQueueSink(q, broadcaster)
	scheduler := queue.NewScheduler(q, srcRegistry, sink, slogger, cfg.GetInt("max_concurrent_downloads"))
	scheduler.SetProcessor(processor)
	scheduler.SetCongestionController(congestion)
	scheduler.SetStallTimeout(time.Duration(cfg.GetInt("stall_timeout_seconds")) * time.Second)
	scheduler.SetMainLoopSleep(time.Duration(cfg.GetInt("main_loop_sleep_seconds")) * time.Second)

	audit := security.NewAuditLogger(slogger, dataDir)
	audit.SetNotifyFunc(func(entry security.AccessLogEntry) {
		if entry.Status >= 400 {
			broadcaster.BroadcastNotification(fmt.Sprintf("%s %s -> %d", entry.Action, entry.SourceIP, entry.Status), "audit")
		}
	})

	lockout := security.NewLoginLockout()
	lockout.SetLimits(cfg.GetInt("max_login_attempts"), time.Duration(cfg.GetInt("lockout_duration_minutes"))*time.Minute)

	stats := analytics.NewStatsManager(store, func() map[string]string {
		return map[string]string{
			"book":      cfg.IngestDir("book"),
			"audiobook": cfg.IngestDir("audiobook"),
		}
	})

	scheduler.SetTerminalHook(func(t queue.Task) {
		bandwidth.Forget(t.ID)
		if err := store.SaveTask(taskRow(t)); err != nil {
			slogger.Warn("failed to persist terminal task", "task_id", t.ID, "error", err)
		}
		if t.Status != queue.StatusComplete {
			return
		}
		var size int64
		if info, err := os.Stat(t.DownloadPath); err == nil {
			size = info.Size()
		}
		if err := stats.TrackCompleted(size); err != nil {
			slogger.Warn("failed to record download statistics", "task_id", t.ID, "error", err)
		}
	})

	return &Application{
		Logger:      slogger,
		Storage:     store,
		Config:      cfg,
		Queue:       q,
		Scheduler:   scheduler,
		Sources:     srcRegistry,
		Selector:    selector,
		DNS:         dns,
		Cookies:     cookies,
		Gateway:     gateway,
		Fetcher:     httpFetcher,
		Bandwidth:   bandwidth,
		Congestion:  congestion,
		Broadcaster: broadcaster,
		Processor:   processor,
		Stats:       stats,
		Audit:       audit,
		Lockout:     lockout,
		dataDir:     dataDir,
	}, nil
}

// Run runs the scheduler's loop on the calling goroutine; it returns once
// ctx is cancelled and the scheduler has drained its current dispatch loop.
func (a *Application) Run(ctx context.Context) {
	a.Scheduler.Run(ctx)
}

// Close releases every collaborator holding a file handle or background
// goroutine, in roughly reverse construction order.
func (a *Application) Close() {
	a.Gateway.Close()
	a.Lockout.Close()
	a.Audit.Close()
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn("error closing storage", "error", err)
	}
}

// EnqueueRelease turns a previously-searched Release into a queued Task,
// the Scheduler's unit of work. Handler dispatch always goes through the
// single registered cascade handler; Release.Source (the release-search
// provider name, e.g. "annas-archive") is display-only past this point.
func (a *Application) EnqueueRelease(r sources.Release, contentType string, priority int) (*queue.Task, error) {
	t := &queue.Task{
		ID:          r.SourceID,
		Source:      cascadeHandlerName,
		Title:       r.Title,
		Format:      r.Format,
		ContentType: contentType,
		Size:        r.Size,
		Priority:    priority,
		Extra:       r.Extra,
	}
	if err := a.Queue.Add(t); err != nil {
		return nil, err
	}
	a.Bandwidth.SetTaskBand(t.ID, bandFor(priority))
	return t, nil
}

// bandFor maps the queue's lower-is-earlier priority onto the shaper's
// share bands.
func bandFor(queuePriority int) network.Band {
	switch {
	case queuePriority <= 1:
		return network.BandHigh
	case queuePriority <= 5:
		return network.BandNormal
	default:
		return network.BandLow
	}
}

func cascadeConfig(cfg *config.Registry, tempDir string) sources.Config {
	return sources.Config{
		EnabledSources: cfg.GetStringList("source_priority"),
		BypassEnabled:  cfg.GetBool("bypass_enabled"),
		DonorKey:       cfg.GetString("donor_key"),
		DebugSkip:      map[string]bool{},
		TempDir:        tempDir,
	}
}

// taskRow converts a live queue task to its persisted mirror; the
// cancellation pair stays runtime-only.
func taskRow(t queue.Task) storage.Task {
	return storage.Task{
		ID:            t.ID,
		Source:        t.Source,
		Title:         t.Title,
		Author:        t.Author,
		Format:        t.Format,
		ContentType:   t.ContentType,
		Size:          t.Size,
		Preview:       t.Preview,
		Priority:      t.Priority,
		AddedTime:     t.AddedTime,
		Status:        t.Status,
		StatusMessage: t.StatusMessage,
		Progress:      t.Progress,
		DownloadPath:  t.DownloadPath,
	}
}

// newDNSResolver maps the dns_provider / dns_manual_ips / dns_over_https
// settings onto a resolver: "auto" rotates providers on failure, "system"
// uses the default resolver, a named provider is pinned, and "manual" uses
// the user-supplied nameserver list.
func newDNSResolver(cfg *config.Registry) *network.DNSResolver {
	provider := cfg.GetString("dns_provider")
	if provider == "system" {
		return network.NewDNSResolver(network.ModeSystem)
	}

	mode := network.ModeCustomUDP
	if cfg.GetBool("dns_over_https") {
		mode = network.ModeDoH
	}
	d := network.NewDNSResolver(mode)
	switch provider {
	case "auto", "":
	case "manual":
		d.SetCustomServers(cfg.GetCSV("dns_manual_ips"))
	default:
		d.PinProvider(provider)
	}
	return d
}

func newBypassBackend(cfg *config.Registry) bypass.Backend {
	if cfg.GetString("bypass_backend") == "embedded" {
		return bypass.NewEmbeddedBackend(cfg.GetString("embedded_backend_path"))
	}
	endpoint := cfg.GetString("bypass_endpoint")
	return bypass.NewExternalBackend(endpoint, 60*time.Second)
}

// applyProxyEnv seeds the process environment from the configured proxy
// fields so every *http.Client whose transport consults
// http.ProxyFromEnvironment picks them up: the clients from
// network.NewHTTPClient (Fetcher, Gateway) and any client left on the
// default transport.
func applyProxyEnv(cfg *config.Registry) {
	if v := cfg.GetString("http_proxy"); v != "" {
		os.Setenv("HTTP_PROXY", v)
	}
	if v := cfg.GetString("https_proxy"); v != "" {
		os.Setenv("HTTPS_PROXY", v)
	}
}
