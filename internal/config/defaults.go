package config

import (
	"context"
	"fmt"

	"bookforge/internal/network"
	"bookforge/internal/storage"
)

func toSpeedTestRow(r network.SpeedTestResult) storage.SpeedTestHistory {
	return storage.SpeedTestHistory{
		DownloadSpeed:  r.DownloadMbps,
		UploadSpeed:    r.UploadMbps,
		Ping:           r.PingMs,
		Jitter:         r.JitterMs,
		ISP:            r.ISP,
		ServerName:     r.ServerName,
		ServerLocation: r.ServerHost,
		Timestamp:      r.Timestamp,
	}
}

// SourceNamer supplies the source names, in default try order, for the
// source-priority field's lazily-computed options. The Application passes
// an adapter over sources.CascadeSourceNames; the interface keeps config
// from importing sources, avoiding a config<->sources import cycle.
type SourceNamer interface {
	HandlerOrder() []string
}

// registerDefaults installs every field named in §6.3's runtime behavior
// flag list. The run_speed_test action persists its SpeedTestHistory row
// directly through r.storage.
func (r *Registry) registerDefaults() {
	r.registerQueueFields()
	r.registerNetworkFields()
	r.registerBypassFields()
	r.registerIngestFields()
	r.registerSecurityFields()
	r.registerDiagnosticsFields()
}

func (r *Registry) registerQueueFields() {
	r.register(Field{
		Key: "max_concurrent_downloads", Group: "Scheduler", Tab: "Downloads",
		Type: FieldNumber, Label: "Max concurrent downloads",
		Description:  "Upper bound on simultaneously running download workers.",
		Default:      "3", EnvSupported: true,
	})
	r.register(Field{
		Key: "main_loop_sleep_seconds", Group: "Scheduler", Tab: "Downloads",
		Type: FieldNumber, Label: "Scheduler loop interval (s)",
		Description: "How often the scheduler checks for queued work and stalled jobs.",
		Default:     "1", EnvSupported: true,
	})
	r.register(Field{
		Key: "progress_update_interval_seconds", Group: "Scheduler", Tab: "Downloads",
		Type: FieldNumber, Label: "Progress broadcast interval (s)",
		Description: "Minimum time between progress broadcasts for an unchanged task, per the throttling rule.",
		Default:     "3", EnvSupported: true,
	})
	r.register(Field{
		Key: "stall_timeout_seconds", Group: "Scheduler", Tab: "Downloads",
		Type: FieldNumber, Label: "Stall timeout (s)",
		Description: "A running task with no progress/status activity for this long is cancelled as stalled.",
		Default:     "300", EnvSupported: true,
	})
	r.register(Field{
		Key: "bandwidth_limit_kbps", Group: "Scheduler", Tab: "Downloads",
		Type: FieldNumber, Label: "Bandwidth limit (KiB/s)",
		Description: "Global cap on download throughput. 0 means unlimited.",
		Default:     "0", EnvSupported: true,
	})
	r.register(Field{
		Key: "per_mirror_limit_kbps", Group: "Scheduler", Tab: "Downloads",
		Type: FieldNumber, Label: "Per-mirror limit (KiB/s)",
		Description: "Cap on throughput against any single mirror host. 0 means unlimited.",
		Default:     "0", EnvSupported: true,
	})
	r.register(Field{
		Key: "title_as_filename", Group: "Ingest", Tab: "Downloads",
		Type: FieldCheckbox, Label: "Name files after book title",
		Description: "When off, completed files are named after the internal task id instead.",
		Default:     "true",
	})
}

func (r *Registry) registerNetworkFields() {
	r.register(Field{
		Key: "mirror_list", Group: "Mirrors", Tab: "Network",
		Type: FieldText, Label: "Mirror base URLs",
		Description: "Comma-separated list of interchangeable catalog mirrors, tried in order.",
		Default:     "https://annas-archive.org,https://annas-archive.se,https://annas-archive.li", EnvSupported: true,
	})
	r.register(Field{
		Key: "additional_mirrors", Group: "Mirrors", Tab: "Network",
		Type: FieldText, Label: "Additional mirrors",
		Description: "Extra mirror base URLs appended after the main list.",
		Default:     "", EnvSupported: true,
	})
	r.register(Field{
		Key: "dns_provider", Group: "DNS", Tab: "Network",
		Type: FieldSelect, Label: "DNS provider",
		Description: "\"auto\" rotates through the providers below on resolution failure.",
		Default:     "auto", EnvSupported: true,
		Options: []Option{
			{Value: "auto", Label: "Auto (rotate on failure)"},
			{Value: "system", Label: "System resolver"},
			{Value: "cloudflare", Label: "Cloudflare (1.1.1.1)"},
			{Value: "google", Label: "Google (8.8.8.8)"},
			{Value: "quad9", Label: "Quad9 (9.9.9.9)"},
			{Value: "opendns", Label: "OpenDNS"},
			{Value: "manual", Label: "Manual nameserver list"},
		},
	})
	r.register(Field{
		Key: "dns_manual_ips", Group: "DNS", Tab: "Network",
		Type: FieldText, Label: "Manual nameserver IPs",
		Description: "Comma-separated nameserver IPs, used when DNS provider is \"manual\".",
		Default:     "",
		ShowWhen:    func(v map[string]string) bool { return v["dns_provider"] == "manual" },
	})
	r.register(Field{
		Key: "dns_over_https", Group: "DNS", Tab: "Network",
		Type: FieldCheckbox, Label: "Use DNS-over-HTTPS",
		Description: "Resolve via the active provider's DoH endpoint instead of plain UDP.",
		Default:     "false",
	})
	r.register(Field{
		Key: "http_proxy", Group: "Proxy", Tab: "Network",
		Type: FieldText, Label: "HTTP proxy", Default: "", EnvSupported: true,
	})
	r.register(Field{
		Key: "https_proxy", Group: "Proxy", Tab: "Network",
		Type: FieldText, Label: "HTTPS proxy", Default: "", EnvSupported: true,
	})
}

func (r *Registry) registerBypassFields() {
	r.register(Field{
		Key: "bypass_enabled", Group: "Bypass Gateway", Tab: "Network",
		Type: FieldCheckbox, Label: "Enable challenge bypass",
		Description: "Sources that require solving an anti-bot challenge are skipped entirely when this is off.",
		Default:     "true",
	})
	r.register(Field{
		Key: "bypass_backend", Group: "Bypass Gateway", Tab: "Network",
		Type: FieldSelect, Label: "Bypass backend",
		Default: "external",
		Options: []Option{
			{Value: "external", Label: "External solving service"},
			{Value: "embedded", Label: "Embedded browser"},
		},
	})
	r.register(Field{
		Key: "bypass_endpoint", Group: "Bypass Gateway", Tab: "Network",
		Type: FieldText, Label: "External backend endpoint",
		Default:  "",
		ShowWhen: func(v map[string]string) bool { return v["bypass_backend"] == "external" },
	})
	r.register(Field{
		Key: "embedded_backend_path", Group: "Bypass Gateway", Tab: "Network",
		Type: FieldText, Label: "Embedded backend binary",
		Description: "Path to the scriptable-browser helper process launched for the embedded backend.",
		Default:      "",
		ShowWhen:     func(v map[string]string) bool { return v["bypass_backend"] == "embedded" },
	})
	r.register(Field{
		Key: "donor_key", Group: "Bypass Gateway", Tab: "Network",
		Type: FieldPassword, Label: "Donor key",
		Description: "Opaque token unlocking the fast-API source; left blank disables it.",
		Default:     "", EnvSupported: true,
	})
}

func (r *Registry) registerIngestFields() {
	r.register(Field{
		Key: "ingest_dir_book", Group: "Ingest Directories", Tab: "Ingest",
		Type: FieldText, Label: "Book ingest directory",
		Default: "./ingest/books", EnvSupported: true,
	})
	r.register(Field{
		Key: "ingest_dir_audiobook", Group: "Ingest Directories", Tab: "Ingest",
		Type: FieldText, Label: "Audiobook ingest directory",
		Default: "./ingest/audiobooks", EnvSupported: true,
	})
	r.register(Field{
		Key: "allowed_formats_book", Group: "Format Allow-list", Tab: "Ingest",
		Type: FieldMultiSelect, Label: "Allowed book formats",
		Default: `["epub","pdf","mobi","azw3"]`,
		Options: []Option{
			{Value: "epub", Label: "EPUB"}, {Value: "pdf", Label: "PDF"},
			{Value: "mobi", Label: "MOBI"}, {Value: "azw3", Label: "AZW3"},
			{Value: "fb2", Label: "FB2"}, {Value: "djvu", Label: "DJVU"},
			{Value: "cbz", Label: "CBZ"}, {Value: "cbr", Label: "CBR"},
		},
	})
	r.register(Field{
		Key: "allowed_formats_audiobook", Group: "Format Allow-list", Tab: "Ingest",
		Type: FieldMultiSelect, Label: "Allowed audiobook formats",
		Default: `["m4b","mp3"]`,
		Options: []Option{
			{Value: "m4b", Label: "M4B"}, {Value: "mp3", Label: "MP3"},
			{Value: "m4a", Label: "M4A"}, {Value: "flac", Label: "FLAC"},
		},
	})
}

func (r *Registry) registerSecurityFields() {
	r.register(Field{
		Key: "max_login_attempts", Group: "Lockout", Tab: "Security",
		Type: FieldNumber, Label: "Max login attempts",
		Default: "10",
	})
	r.register(Field{
		Key: "lockout_duration_minutes", Group: "Lockout", Tab: "Security",
		Type: FieldNumber, Label: "Lockout duration (minutes)",
		Default: "30",
	})
}

func (r *Registry) registerDiagnosticsFields() {
	r.register(Field{
		Key: "run_speed_test", Group: "Diagnostics", Tab: "Network",
		Type: FieldActionButton, Label: "Run speed test",
		Description: "Probes nearest speedtest.net server and records the result to history.",
		Action: func(ctx context.Context, _ map[string]string) (bool, string) {
			result, err := network.RunSpeedTest(ctx)
			if err != nil {
				return false, err.Error()
			}
			_ = r.storage.SaveSpeedTest(toSpeedTestRow(*result))
			return true, fmt.Sprintf("Down: %.1f Mbps / Up: %.1f Mbps", result.DownloadMbps, result.UploadMbps)
		},
	})
}

// RegisterSourcePriority adds the source-priority field; called from
// Application wiring after sources are registered, with namer supplying
// the option list.
func (r *Registry) RegisterSourcePriority(namer SourceNamer) {
	r.register(Field{
		Key: "source_priority", Group: "Cascade", Tab: "Sources",
		Type: FieldMultiSelect, Label: "Source priority",
		Description: "Enabled download sources, in try order. Unlisted sources are disabled.",
		Default:     "",
		OptionsFunc: func() []Option {
			names := namer.HandlerOrder()
			opts := make([]Option, len(names))
			for i, n := range names {
				opts[i] = Option{Value: n, Label: n}
			}
			return opts
		},
	})
}
