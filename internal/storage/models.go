package storage

import (
	"gorm.io/gorm"
)

// Task status enum values (see queue package for the transition state
// machine that enforces legal moves between these).
const (
	StatusQueued      = "QUEUED"
	StatusResolving   = "RESOLVING"
	StatusDownloading = "DOWNLOADING"
	StatusComplete    = "COMPLETE"
	StatusAvailable   = "AVAILABLE"
	StatusError       = "ERROR"
	StatusDone        = "DONE"
	StatusCancelled   = "CANCELLED"
)

// Task is the persisted mirror of a scheduled download. The in-memory
// queue.Task carries the live cancellation token; this row exists so a
// process restart can recover queue contents (RecoverInterruptedDownloads).
type Task struct {
	ID             string         `gorm:"primaryKey" json:"task_id"`
	Source         string         `gorm:"index" json:"source"`
	Title          string         `json:"title"`
	Author         string         `json:"author"`
	Format         string         `json:"format"`
	ContentType    string         `gorm:"default:book" json:"content_type"`
	Size           string         `json:"size"`
	Preview        string         `json:"preview"`
	Priority       int            `gorm:"default:1;index" json:"priority"`
	AddedTime      int64          `json:"added_time"` // unix nanos, monotonic ordering key
	Status         string         `gorm:"index" json:"status"`
	StatusMessage  string         `json:"status_message"`
	Progress       float64        `json:"progress"`
	DownloadPath   string         `json:"download_path"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Task) TableName() string {
	return "tasks"
}

// DownloadLocation stores saved ingest directories with nicknames, keyed
// by directory path.
type DownloadLocation struct {
	Path     string `gorm:"primaryKey" json:"path"`
	Nickname string `json:"nickname"`
}

func (DownloadLocation) TableName() string {
	return "download_locations"
}

// DailyStat tracks daily download statistics for analytics.
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string {
	return "daily_stats"
}

// AppSetting stores key-value application settings backing the
// configuration surface's typed registry.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string {
	return "app_settings"
}

// SpeedTestHistory stores past speed test results, written by the
// run_speed_test configuration action button.
type SpeedTestHistory struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

func (SpeedTestHistory) TableName() string {
	return "speed_test_history"
}

// AuthUser is the read-only credential table consulted by the login
// endpoint. The core never writes to it outside of tests/fixtures; a
// companion admin tool is expected to manage it.
type AuthUser struct {
	Username     string `gorm:"primaryKey" json:"username"`
	PasswordHash string `json:"-"`
	Salt         string `json:"-"`
}

func (AuthUser) TableName() string {
	return "auth_users"
}
