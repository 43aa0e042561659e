// Package storage is the gorm/sqlite persistence layer: task recovery,
// daily statistics, saved ingest locations, typed app settings, speed test
// history, and read-only credential lookup.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (creating if absent) the sqlite database under dataDir
// and runs migrations for every model owned by this package.
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "bookforge.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(
		&Task{},
		&DownloadLocation{},
		&DailyStat{},
		&AppSetting{},
		&SpeedTestHistory{},
		&AuthUser{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Storage{DB: db}, nil
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Tasks -----------------------------------------------------------

func (s *Storage) SaveTask(task Task) error {
	now := time.Now().Format(time.RFC3339)
	if task.CreatedAt == "" {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return s.DB.Save(&task).Error
}

func (s *Storage) GetTask(id string) (Task, error) {
	var task Task
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

func (s *Storage) GetAllTasks() ([]Task, error) {
	var tasks []Task
	err := s.DB.Order("priority asc, added_time asc").Find(&tasks).Error
	return tasks, err
}

func (s *Storage) DeleteTask(id string) error {
	return s.DB.Delete(&Task{}, "id = ?", id).Error
}

// RecoverInterruptedDownloads marks any task left DOWNLOADING or RESOLVING
// from a prior process lifetime as ERROR, since no worker goroutine
// survives a restart to keep driving it.
func (s *Storage) RecoverInterruptedDownloads() (int64, error) {
	res := s.DB.Model(&Task{}).
		Where("status IN ?", []string{StatusDownloading, StatusResolving}).
		Updates(map[string]interface{}{
			"status":         StatusError,
			"status_message": "interrupted by restart",
		})
	return res.RowsAffected, res.Error
}

// --- Daily stats -------------------------------------------------------

func (s *Storage) IncrementDailyBytes(bytes int64) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Exec(`
		INSERT INTO daily_stats (date, bytes, files) VALUES (?, ?, 0)
		ON CONFLICT(date) DO UPDATE SET bytes = bytes + excluded.bytes
	`, today, bytes).Error
}

func (s *Storage) IncrementDailyFiles() error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Exec(`
		INSERT INTO daily_stats (date, bytes, files) VALUES (?, 0, 1)
		ON CONFLICT(date) DO UPDATE SET files = files + 1
	`, today).Error
}

func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	var stats []DailyStat
	err := s.DB.Where("date >= ?", cutoff).Order("date asc").Find(&stats).Error
	return stats, err
}

// --- Ingest locations ---------------------------------------------------

func (s *Storage) AddLocation(path, nickname string) error {
	loc := DownloadLocation{Path: path, Nickname: nickname}
	return s.DB.Save(&loc).Error
}

func (s *Storage) GetLocations() ([]DownloadLocation, error) {
	var locs []DownloadLocation
	err := s.DB.Find(&locs).Error
	return locs, err
}

// --- App settings --------------------------------------------------------

func (s *Storage) SetString(key, value string) error {
	setting := AppSetting{Key: key, Value: value}
	return s.DB.Save(&setting).Error
}

func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Storage) SetStringList(key string, values []string) error {
	b, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return s.SetString(key, string(b))
}

func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil || val == "" {
		return nil, err
	}
	var values []string
	if err := json.Unmarshal([]byte(val), &values); err != nil {
		return nil, err
	}
	return values, nil
}

// --- Speed test history ---------------------------------------------------

func (s *Storage) SaveSpeedTest(result SpeedTestHistory) error {
	return s.DB.Create(&result).Error
}

// --- Credentials (read-only collaborator contract) ------------------------

func (s *Storage) GetAuthUser(username string) (AuthUser, error) {
	var user AuthUser
	err := s.DB.First(&user, "username = ?", username).Error
	return user, err
}

// CountAuthUsers reports how many credentials are provisioned, letting the
// auth-check endpoint distinguish "no accounts set up yet" from "you are
// not logged in".
func (s *Storage) CountAuthUsers() (int64, error) {
	var count int64
	err := s.DB.Model(&AuthUser{}).Count(&count).Error
	return count, err
}
