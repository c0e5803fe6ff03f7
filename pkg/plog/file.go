package plog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// ArchiveFormat selects how a previous log file is preserved when a new one is opened.
type ArchiveFormat string

const (
	// ArchiveNone truncates the previous log file.
	ArchiveNone ArchiveFormat = "none"
	// ArchiveGzip keeps the previous log as <name>.<timestamp>.gz.
	ArchiveGzip ArchiveFormat = "gz"
	// ArchiveZstd keeps the previous log as <name>.<timestamp>.zst.
	ArchiveZstd ArchiveFormat = "zst"
)

// archiveTimeFormat is used in archived log file names. It sorts chronologically.
const archiveTimeFormat = "20060102-150405"

func (f ArchiveFormat) String() string {
	switch f {
	case ArchiveNone, ArchiveGzip, ArchiveZstd:
		return string(f)
	default:
		return fmt.Sprintf("unknown_archive_format(%s)", string(f))
	}
}

// ParseArchiveFormat parses a string into an ArchiveFormat.
func ParseArchiveFormat(s string) (ArchiveFormat, error) {
	switch f := ArchiveFormat(strings.ToLower(s)); f {
	case ArchiveNone, ArchiveGzip, ArchiveZstd:
		return f, nil
	case "":
		return ArchiveNone, nil
	}
	return "", fmt.Errorf("invalid log archive format: %q. Must be 'none', 'gz', or 'zst'", s)
}

// MarshalJSON implements the json.Marshaler interface for ArchiveFormat.
func (f ArchiveFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for ArchiveFormat.
func (f *ArchiveFormat) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("log archive format should be a string, got %s", data)
	}
	parsed, err := ParseArchiveFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// FileSink is an open log file attached to the global logger.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
	// archivePath is the compressed copy of the previous log, if one was made.
	archivePath string
}

// Path returns the path of the active log file.
func (s *FileSink) Path() string { return s.path }

// ArchivePath returns the path the previous log was archived to, or "".
func (s *FileSink) ArchivePath() string { return s.archivePath }

// Close detaches the file from the logger and closes it. It is safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	setHandlers(*consoleHandler.Load(), nil)
	err := s.f.Close()
	s.f = nil
	return err
}

// OpenFile opens the log file at path for the lifetime of the process and attaches it to
// the global logger next to the console. The file sink always records the source location.
// A previous non-empty log at the same path is archived according to format first.
func OpenFile(path string, format ArchiveFormat) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}

	var archivePath string
	if format != ArchiveNone && format != "" {
		var err error
		archivePath, err = archivePrevious(path, format, time.Now())
		if err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	setHandlers(*consoleHandler.Load(), newTextHandler(f, true))
	return &FileSink{f: f, path: path, archivePath: archivePath}, nil
}

// archivePrevious compresses an existing, non-empty log file next to itself.
// It returns the archive path, or "" if there was nothing to archive.
func archivePrevious(path string, format ArchiveFormat, now time.Time) (archivePath string, err error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("could not stat previous log file %s: %w", path, err)
	}
	if info.Size() == 0 {
		return "", nil
	}

	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open previous log file %s: %w", path, err)
	}
	defer in.Close()

	archivePath = fmt.Sprintf("%s.%s.%s", path, now.Format(archiveTimeFormat), format)
	out, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create log archive %s: %w", archivePath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close log archive %s: %w", archivePath, cerr)
		}
		if err != nil {
			os.Remove(archivePath)
		}
	}()

	bw := bufio.NewWriter(out)
	var cw io.WriteCloser
	switch format {
	case ArchiveGzip:
		cw = pgzip.NewWriter(bw)
	case ArchiveZstd:
		zw, zerr := zstd.NewWriter(bw)
		if zerr != nil {
			return "", fmt.Errorf("failed to create zstd writer: %w", zerr)
		}
		cw = zw
	default:
		return "", fmt.Errorf("unsupported log archive format: %s", format)
	}

	if _, err := io.Copy(cw, in); err != nil {
		cw.Close()
		return "", fmt.Errorf("failed to compress previous log file %s: %w", path, err)
	}
	if err := cw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish log archive %s: %w", archivePath, err)
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush log archive %s: %w", archivePath, err)
	}
	return archivePath, nil
}
