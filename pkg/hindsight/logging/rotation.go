package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// MaxSize is the size in bytes that triggers rotation. Zero selects 10MiB.
	MaxSize int64

	// MaxAge is how many days rotated files are kept. Zero keeps them forever.
	MaxAge int

	// MaxBackups caps the number of rotated files. Zero keeps all of them.
	MaxBackups int

	// Daily also rotates when the calendar day changes.
	Daily bool
}

// DefaultRotationConfig returns the rotation used when the config is silent.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSize:    10 << 20,
		MaxAge:     30,
		MaxBackups: 5,
		Daily:      true,
	}
}

// stampLayout names backups: hindsight.log becomes
// hindsight-20260120T150405.000.log.
const stampLayout = "20060102T150405.000"

// RotatingWriter is an io.WriteCloser that rotates by size and day.
//
// hindsight and hindsightd append to the same file. Writes hold an flock,
// and a writer whose file was rotated away by the other process follows the
// path to the new file before writing.
type RotatingWriter struct {
	path string
	cfg  RotationConfig
	now  func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened int // yyyymmdd of the day the active file was started
}

// NewRotatingWriter opens path for appending, creating parent directories,
// and prunes backups left over from earlier runs.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultRotationConfig().MaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	w := &RotatingWriter{path: path, cfg: cfg, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

// Path returns the active log file path.
func (w *RotatingWriter) Path() string {
	return w.path
}

// Write appends p, rotating first when p would overflow the file or the day
// has changed.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if err := w.follow(); err != nil {
		return 0, err
	}
	if w.due(int64(len(p))) {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log file: %w", err)
		}
	}

	fd := int(w.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("locking log file: %w", err)
	}
	n, err := w.file.Write(p)
	_ = unix.Flock(fd, unix.LOCK_UN)

	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("writing log file: %w", err)
	}
	return n, nil
}

// Rotate moves the active file aside now.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotate()
}

// Close syncs and closes the active file. Closing twice is a no-op.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	return errors.Join(f.Sync(), f.Close())
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return errors.Join(fmt.Errorf("stat log file: %w", err), f.Close())
	}

	w.file = f
	w.size = info.Size()
	w.opened = dayOf(info.ModTime())
	if info.Size() == 0 {
		w.opened = dayOf(w.now())
	}
	return nil
}

// follow reopens the path when the open file is no longer the one at it.
func (w *RotatingWriter) follow() error {
	onDisk, err := os.Stat(w.path)
	if err == nil {
		held, herr := w.file.Stat()
		if herr == nil && os.SameFile(onDisk, held) {
			return nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	_ = w.file.Close()
	w.file = nil
	return w.open()
}

func (w *RotatingWriter) due(incoming int64) bool {
	if w.size > 0 && w.size+incoming > w.cfg.MaxSize {
		return true
	}
	return w.cfg.Daily && dayOf(w.now()) != w.opened
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	w.file = nil

	if err := os.Rename(w.path, w.backupName(w.now())); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("moving log file aside: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}
	w.opened = dayOf(w.now())
	w.prune()
	return nil
}

// backupName returns a free name for a backup taken at t.
func (w *RotatingWriter) backupName(t time.Time) string {
	stem, ext := w.split()
	for {
		name := filepath.Join(filepath.Dir(w.path), stem+"-"+t.Format(stampLayout)+ext)
		if _, err := os.Lstat(name); errors.Is(err, os.ErrNotExist) {
			return name
		}
		t = t.Add(time.Millisecond)
	}
}

func (w *RotatingWriter) split() (stem, ext string) {
	base := filepath.Base(w.path)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

type backup struct {
	path  string
	taken time.Time
}

// backups lists rotated files for this path, newest first. Files whose name
// does not carry a backup stamp are not ours and are left alone.
func (w *RotatingWriter) backups() []backup {
	entries, err := os.ReadDir(filepath.Dir(w.path))
	if err != nil {
		return nil
	}
	stem, ext := w.split()
	var out []backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, stem+"-") || !strings.HasSuffix(name, ext) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, stem+"-"), ext)
		taken, err := time.ParseInLocation(stampLayout, stamp, time.Local)
		if err != nil {
			continue
		}
		out = append(out, backup{path: filepath.Join(filepath.Dir(w.path), name), taken: taken})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].taken.After(out[j].taken) })
	return out
}

// prune applies MaxBackups and MaxAge. Removal errors are ignored.
func (w *RotatingWriter) prune() {
	cutoff := time.Time{}
	if w.cfg.MaxAge > 0 {
		cutoff = w.now().AddDate(0, 0, -w.cfg.MaxAge)
	}
	for i, b := range w.backups() {
		overCount := w.cfg.MaxBackups > 0 && i >= w.cfg.MaxBackups
		tooOld := !cutoff.IsZero() && b.taken.Before(cutoff)
		if overCount || tooOld {
			_ = os.Remove(b.path)
		}
	}
}

func dayOf(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}
