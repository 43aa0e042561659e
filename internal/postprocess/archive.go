package postprocess

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveError wraps the password-protected / corrupted / unsupported-format
// / nothing-survived-filtering conditions §7 groups under "Archive error".
// The scheduler surfaces Error() verbatim as the task's status message.
type ArchiveError struct {
	Reason string
}

func (e *ArchiveError) Error() string { return e.Reason }

func archiveErrorf(format string, args ...any) error {
	return &ArchiveError{Reason: fmt.Sprintf(format, args...)}
}

// allEbookExtensions and allAudioExtensions are the superset of extensions
// archive.go treats as "this is plausibly book/audiobook content, just maybe
// not an enabled format" versus "unrelated junk" (cover art, nfo, html),
// mirrored from the original's ALL_EBOOK_EXTENSIONS / ALL_AUDIO_EXTENSIONS.
var allEbookExtensions = map[string]bool{
	".pdf": true, ".epub": true, ".mobi": true, ".azw": true, ".azw3": true,
	".fb2": true, ".djvu": true, ".cbz": true, ".cbr": true, ".doc": true,
	".docx": true, ".rtf": true, ".txt": true,
}

var allAudioExtensions = map[string]bool{
	".m4b": true, ".mp3": true, ".m4a": true, ".aac": true, ".flac": true,
	".ogg": true, ".wma": true, ".wav": true, ".opus": true,
}

// IsArchive reports whether path names a format this package knows how to
// open. Only ZIP is supported: no third-party archive library appears
// anywhere in the retrieved example corpus, so RAR (which the original
// supports via an optional rarfile dependency) is not opened here;
// Processor.Finalize rejects a .rar with an unsupported-format ArchiveError.
func IsArchive(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

// ExtractResult reports what extractArchive did, for logging and for the
// warnings the caller folds into the task's status message.
type ExtractResult struct {
	Matched  []string
	Warnings []string
}

// ExtractArchive extracts every entry of a ZIP archive into destDir (flat,
// no directory nesting, duplicate names resolved), then filters the result
// by contentType against allowedFormats. Entries whose extension is a known
// book/audiobook extension but not in allowedFormats are deleted and
// reported as a warning; entries with unrecognized extensions are deleted
// silently save for a count warning. If nothing survives filtering,
// ExtractArchive returns an *ArchiveError.
func ExtractArchive(archivePath, destDir string, contentType string, allowedFormats []string) (*ExtractResult, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, archiveErrorf("archive is corrupted or invalid: %v", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		// Bit 0 of the general purpose flags marks an encrypted entry;
		// archive/zip exposes no accessor for it.
		if f.Flags&0x1 != 0 {
			return nil, archiveErrorf("archive is password protected")
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating extraction dir: %w", err)
	}

	var extracted []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(f.Name) // flatten: strip any embedded path, blocks traversal
		if name == "" || name == "." || name == ".." {
			continue
		}
		target := resolveDuplicate(filepath.Join(destDir, name))

		if err := extractOne(f, target); err != nil {
			return nil, archiveErrorf("corrupted file in archive: %s: %v", name, err)
		}
		extracted = append(extracted, target)
	}

	return filterExtracted(extracted, contentType, allowedFormats)
}

func extractOne(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// resolveDuplicate mirrors the original's _handle_duplicate_filename:
// appends "_<n>" before the extension until a free name is found.
func resolveDuplicate(target string) string {
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		return target
	}
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// filterExtracted splits extracted into matched/rejected-format/other per
// content type, deletes the two non-matched buckets, and fails if nothing
// matched.
func filterExtracted(extracted []string, contentType string, allowedFormats []string) (*ExtractResult, error) {
	isAudiobook := strings.EqualFold(contentType, "audiobook")
	known := allEbookExtensions
	if isAudiobook {
		known = allAudioExtensions
	}
	allowed := make(map[string]bool, len(allowedFormats))
	for _, f := range allowedFormats {
		allowed[strings.ToLower(strings.TrimPrefix(f, "."))] = true
	}

	var matched, rejected, other []string
	for _, path := range extracted {
		ext := strings.ToLower(filepath.Ext(path))
		trimmed := strings.TrimPrefix(ext, ".")
		switch {
		case allowed[trimmed]:
			matched = append(matched, path)
		case known[ext]:
			rejected = append(rejected, path)
		default:
			other = append(other, path)
		}
	}

	var warnings []string
	if len(rejected) > 0 {
		exts := uniqueExts(rejected)
		label := "book"
		if isAudiobook {
			label = "audiobook"
		}
		warnings = append(warnings, fmt.Sprintf("skipped %d %s(s) with unsupported format: %s", len(rejected), label, strings.Join(exts, ", ")))
	}
	if len(other) > 0 {
		label := "book"
		if isAudiobook {
			label = "audiobook"
		}
		warnings = append(warnings, fmt.Sprintf("skipped %d non-%s file(s)", len(other), label))
	}
	for _, path := range append(rejected, other...) {
		_ = os.Remove(path)
	}

	if len(matched) == 0 {
		return nil, archiveErrorf("archive contained no supported files")
	}
	return &ExtractResult{Matched: matched, Warnings: warnings}, nil
}

func uniqueExts(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		if !seen[ext] {
			seen[ext] = true
			out = append(out, ext)
		}
	}
	return out
}
