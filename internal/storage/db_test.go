package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *Storage {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")

	err = db.AutoMigrate(
		&Task{},
		&DownloadLocation{},
		&DailyStat{},
		&AppSetting{},
		&SpeedTestHistory{},
		&AuthUser{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return &Storage{DB: db}
}

func TestTaskCRUD(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	task := Task{
		ID:            "test-123",
		Source:        "libgen",
		Title:         "A Book",
		Author:        "Someone",
		Format:        "epub",
		ContentType:   "book",
		Priority:      1,
		AddedTime:     time.Now().UnixNano(),
		Status:        StatusDownloading,
		StatusMessage: "downloading",
	}

	if err := s.SaveTask(task); err != nil {
		t.Fatalf("Failed to save task: %v", err)
	}

	retrieved, err := s.GetTask("test-123")
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if retrieved.ID != task.ID {
		t.Errorf("Expected ID %s, got %s", task.ID, retrieved.ID)
	}
	if retrieved.Title != task.Title {
		t.Errorf("Expected title %s, got %s", task.Title, retrieved.Title)
	}

	retrieved.Status = StatusComplete
	retrieved.Progress = 100
	if err := s.SaveTask(retrieved); err != nil {
		t.Fatalf("Failed to update task: %v", err)
	}

	updated, _ := s.GetTask("test-123")
	if updated.Status != StatusComplete {
		t.Errorf("Expected status %s, got %s", StatusComplete, updated.Status)
	}

	tasks, err := s.GetAllTasks()
	if err != nil {
		t.Fatalf("Failed to get all tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("Expected 1 task, got %d", len(tasks))
	}

	if err := s.DeleteTask("test-123"); err != nil {
		t.Fatalf("Failed to delete task: %v", err)
	}

	tasks, _ = s.GetAllTasks()
	if len(tasks) != 0 {
		t.Errorf("Expected 0 tasks after delete, got %d", len(tasks))
	}
}

func TestRecoverInterruptedDownloads(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	s.SaveTask(Task{ID: "a", Status: StatusDownloading, AddedTime: 1})
	s.SaveTask(Task{ID: "b", Status: StatusResolving, AddedTime: 2})
	s.SaveTask(Task{ID: "c", Status: StatusComplete, AddedTime: 3})

	n, err := s.RecoverInterruptedDownloads()
	if err != nil {
		t.Fatalf("RecoverInterruptedDownloads: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows recovered, got %d", n)
	}

	a, _ := s.GetTask("a")
	if a.Status != StatusError {
		t.Errorf("expected DOWNLOADING task to become ERROR, got %s", a.Status)
	}
	c, _ := s.GetTask("c")
	if c.Status != StatusComplete {
		t.Errorf("expected a terminal COMPLETE task to be left alone, got %s", c.Status)
	}
}

func TestStatistics(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	if err := s.IncrementDailyBytes(100); err != nil {
		t.Fatalf("Failed to increment bytes: %v", err)
	}
	if err := s.IncrementDailyBytes(100); err != nil {
		t.Fatalf("Failed to increment bytes again: %v", err)
	}

	total, err := s.GetTotalLifetime()
	if err != nil {
		t.Fatalf("Failed to get total: %v", err)
	}
	if total != 200 {
		t.Errorf("Expected 200 bytes, got %d", total)
	}

	s.IncrementDailyFiles()
	s.IncrementDailyFiles()

	files, err := s.GetTotalFiles()
	if err != nil {
		t.Fatalf("Failed to get files: %v", err)
	}
	if files != 2 {
		t.Errorf("Expected 2 files, got %d", files)
	}

	history, err := s.GetDailyHistory(7)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}

	today := time.Now().Format("2006-01-02")
	found := false
	for _, stat := range history {
		if stat.Date == today {
			found = true
			if stat.Bytes != 200 {
				t.Errorf("Expected 200 bytes for today, got %d", stat.Bytes)
			}
			if stat.Files != 2 {
				t.Errorf("Expected 2 files for today, got %d", stat.Files)
			}
		}
	}
	if !found {
		t.Errorf("Today's stats not found in history")
	}
}

func TestLocations(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	if err := s.AddLocation("/downloads/books", "Book Drive"); err != nil {
		t.Fatalf("Failed to add location: %v", err)
	}

	locations, err := s.GetLocations()
	if err != nil {
		t.Fatalf("Failed to get locations: %v", err)
	}
	if len(locations) != 1 {
		t.Fatalf("Expected 1 location, got %d", len(locations))
	}
	if locations[0].Nickname != "Book Drive" {
		t.Errorf("Expected nickname 'Book Drive', got %s", locations[0].Nickname)
	}

	// Update location (upsert on primary key Path)
	if err := s.AddLocation("/downloads/books", "NAS Books"); err != nil {
		t.Fatalf("Failed to update location: %v", err)
	}

	locations, _ = s.GetLocations()
	if len(locations) != 1 {
		t.Errorf("Expected 1 location after upsert, got %d", len(locations))
	}
	if locations[0].Nickname != "NAS Books" {
		t.Errorf("Expected nickname 'NAS Books', got %s", locations[0].Nickname)
	}
}

func TestAppSettings(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	if err := s.SetString("title_as_filename", "true"); err != nil {
		t.Fatalf("Failed to set string: %v", err)
	}

	val, err := s.GetString("title_as_filename")
	if err != nil {
		t.Fatalf("Failed to get string: %v", err)
	}
	if val != "true" {
		t.Errorf("Expected 'true', got %s", val)
	}

	if err := s.SetStringList("enabled_sources", []string{"libgen", "aa-fast"}); err != nil {
		t.Fatalf("Failed to set string list: %v", err)
	}

	list, err := s.GetStringList("enabled_sources")
	if err != nil {
		t.Fatalf("Failed to get string list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 items in list, got %d", len(list))
	}
}

func TestAuthUserLookup(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	if count, err := s.CountAuthUsers(); err != nil || count != 0 {
		t.Fatalf("expected 0 provisioned accounts on a fresh db, got count=%d err=%v", count, err)
	}

	if err := s.DB.Create(&AuthUser{Username: "admin", PasswordHash: "hash", Salt: "salt"}).Error; err != nil {
		t.Fatalf("failed to seed auth user: %v", err)
	}

	count, err := s.CountAuthUsers()
	if err != nil || count != 1 {
		t.Fatalf("expected 1 provisioned account, got count=%d err=%v", count, err)
	}

	user, err := s.GetAuthUser("admin")
	if err != nil {
		t.Fatalf("GetAuthUser: %v", err)
	}
	if user.PasswordHash != "hash" {
		t.Errorf("expected persisted hash to round-trip, got %q", user.PasswordHash)
	}
}

func TestNewStorage(t *testing.T) {
	tmpDir := filepath.Join(os.TempDir(), "bookforge_test_db")
	defer os.RemoveAll(tmpDir)

	s, err := NewStorage(tmpDir)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close()

	if err := s.SaveTask(Task{ID: "x", AddedTime: 1, Status: StatusQueued}); err != nil {
		t.Fatalf("expected a freshly migrated database to accept writes: %v", err)
	}
}
