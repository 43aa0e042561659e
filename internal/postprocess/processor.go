package postprocess

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bookforge/internal/filesystem"
)

// IngestDirs resolves a content type ("book", "audiobook", ...) to its
// configured ingest directory and the configured format allow-list plus the
// title-as-filename toggle, sourced from the settings registry of §6.3.
// Kept as an interface so tests can stub it without a real ConfigManager.
type IngestDirs interface {
	IngestDir(contentType string) string
	AllowedFormats(contentType string) []string
	TitleAsFilename() bool
}

// Processor is the Scheduler's post-processing hook: it owns moving a
// handler's temp file into the content-typed ingest directory, extracting
// and filtering archives along the way, per the note in §4.6 that "the
// Scheduler, not the handler, is responsible for moving the temp file ...
// and for archive extraction."
type Processor struct {
	dirs     IngestDirs
	tempRoot string
}

func NewProcessor(dirs IngestDirs, tempRoot string) *Processor {
	return &Processor{
		dirs:     dirs,
		tempRoot: tempRoot,
	}
}

// Finalize moves tempPath (as produced by a sources.DownloadHandler) into
// the ingest directory for contentType, extracting it first if it's a
// recognized archive. It returns the final on-disk path, or an error whose
// message is suitable as the task's terminal status_message.
func (p *Processor) Finalize(taskID, title, contentType, tempPath string) (string, error) {
	ingestDir := p.dirs.IngestDir(contentType)
	if err := os.MkdirAll(ingestDir, 0o755); err != nil {
		return "", fmt.Errorf("preparing ingest directory: %w", err)
	}

	if strings.EqualFold(filepath.Ext(tempPath), ".rar") {
		_ = os.Remove(tempPath)
		return "", archiveErrorf("unsupported archive format: rar")
	}
	if IsArchive(tempPath) {
		return p.finalizeArchive(taskID, title, contentType, tempPath, ingestDir)
	}
	return p.finalizeSingleFile(taskID, title, tempPath, ingestDir)
}

func (p *Processor) finalizeSingleFile(taskID, title, tempPath, ingestDir string) (string, error) {
	info, err := os.Stat(tempPath)
	if err != nil {
		return "", fmt.Errorf("reading downloaded file: %w", err)
	}
	if err := filesystem.EnsureRoom(ingestDir, info.Size()); err != nil {
		return "", err
	}

	format := strings.TrimPrefix(filepath.Ext(tempPath), ".")
	name := FinalFilename(title, format, taskID, p.dirs.TitleAsFilename())
	target := resolveDuplicate(filepath.Join(ingestDir, name))

	if err := moveFile(tempPath, target); err != nil {
		return "", fmt.Errorf("moving to ingest directory: %w", err)
	}
	return target, nil
}

func (p *Processor) finalizeArchive(taskID, title, contentType, archivePath, ingestDir string) (string, error) {
	extractDir := filepath.Join(p.tempRoot, "extract_"+taskID)
	defer os.RemoveAll(extractDir)

	result, err := ExtractArchive(archivePath, extractDir, contentType, p.dirs.AllowedFormats(contentType))
	_ = os.Remove(archivePath) // §6.4: the archive is deleted whether or not extraction succeeded
	if err != nil {
		return "", err
	}

	var totalSize int64
	for _, m := range result.Matched {
		if info, err := os.Stat(m); err == nil {
			totalSize += info.Size()
		}
	}
	if err := filesystem.EnsureRoom(ingestDir, totalSize); err != nil {
		return "", err
	}

	var last string
	for i, m := range result.Matched {
		format := strings.TrimPrefix(filepath.Ext(m), ".")
		suffix := ""
		if len(result.Matched) > 1 {
			suffix = fmt.Sprintf("_%d", i+1)
		}
		name := FinalFilename(title+suffix, format, fmt.Sprintf("%s%s", taskID, suffix), p.dirs.TitleAsFilename())
		target := resolveDuplicate(filepath.Join(ingestDir, name))
		if err := moveFile(m, target); err != nil {
			return "", fmt.Errorf("moving extracted file to ingest directory: %w", err)
		}
		last = target
	}
	return last, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems (e.g. temp dir on tmpfs, ingest dir on
	// a bind mount); fall back to copy+remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Remove(src)
}
