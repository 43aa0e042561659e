package network

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// SpeedTestResult is the outcome of a single network speed probe, persisted
// to the speed_test_history table and returned by the run_speed_test
// configuration action button (see run_speed_test in the config action registry).
type SpeedTestResult struct {
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingMs       int64   `json:"ping_ms"`
	JitterMs     int64   `json:"jitter_ms"`
	ISP          string  `json:"isp"`
	ServerName   string  `json:"server_name"`
	ServerHost   string  `json:"server_host"`
	Timestamp    string  `json:"timestamp"`
}

// RunSpeedTest probes the nearest speedtest.net server for download/upload
// throughput. Used exclusively by the configuration surface's action-button
// contract; it has no effect on download scheduling decisions.
func RunSpeedTest(ctx context.Context) (*SpeedTestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("no internet connection: %w", err)
	}

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch speed test servers: %w", err)
	}

	targets, err := serverList.FindServer(nil)
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("no speed test servers available")
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		return nil, speedTestErr(ctx, "ping test failed", err)
	}
	if err := server.DownloadTestContext(ctx); err != nil {
		return nil, speedTestErr(ctx, "download test failed", err)
	}
	if err := server.UploadTestContext(ctx); err != nil {
		return nil, speedTestErr(ctx, "upload test failed", err)
	}

	return &SpeedTestResult{
		DownloadMbps: float64(server.DLSpeed) / 1000 / 1000 * 8,
		UploadMbps:   float64(server.ULSpeed) / 1000 / 1000 * 8,
		PingMs:       server.Latency.Milliseconds(),
		JitterMs:     server.Jitter.Milliseconds(),
		ISP:          user.Isp,
		ServerName:   server.Name,
		ServerHost:   server.Host,
		Timestamp:    time.Now().Format(time.RFC3339),
	}, nil
}

func speedTestErr(ctx context.Context, msg string, cause error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("speed test timed out: %s", msg)
	}
	return fmt.Errorf("%s: %w", msg, cause)
}
