package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultDebounce  = 750 * time.Millisecond
	DefaultMaxBuffer = 256 << 10
)

// Sink receives accumulated console text.
type Sink interface {
	IngestText(ctx context.Context, text string) error
}

type Config struct {
	Path      string
	Debounce  time.Duration
	MaxBuffer int
	Sink      Sink
	Logger    *zap.Logger
}

// LogWatcher tails a console log and hands each quiet-period burst of new text to
// the sink.
type LogWatcher struct {
	path      string
	debounce  time.Duration
	maxBuffer int
	sink      Sink
	logger    *zap.Logger

	offset  int64
	pending strings.Builder
}

func NewLogWatcher(cfg Config) (*LogWatcher, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("source: log path is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("source: sink is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	maxBuffer := cfg.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWatcher{
		path:      filepath.Clean(path),
		debounce:  debounce,
		maxBuffer: maxBuffer,
		sink:      cfg.Sink,
		logger:    logger,
	}, nil
}

// Run watches until ctx is done. Content present before Run starts is skipped.
func (w *LogWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("source: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("source: watch %s: %w", filepath.Dir(w.path), err)
	}
	if info, err := os.Stat(w.path); err == nil {
		w.offset = info.Size()
	}
	w.logger.Info("console log watcher started", zap.String("path", w.path), zap.Int64("offset", w.offset))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.offset = 0
				continue
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
			default:
				continue
			}
			appended, err := w.readAppended()
			if err != nil {
				w.logger.Warn("console log read failed", zap.String("path", w.path), zap.Error(err))
				continue
			}
			if appended == "" {
				continue
			}
			w.buffer(appended)
			timer.Reset(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("console log watcher error", zap.Error(err))
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// readAppended returns bytes written since the last read. A file that shrank was
// truncated and is read from the start.
func (w *LogWatcher) readAppended() (string, error) {
	file, err := os.Open(w.path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() < w.offset {
		w.logger.Debug("console log truncated", zap.String("path", w.path))
		w.offset = 0
	}
	if info.Size() == w.offset {
		return "", nil
	}
	if _, err := file.Seek(w.offset, io.SeekStart); err != nil {
		return "", err
	}
	content, err := io.ReadAll(io.LimitReader(file, info.Size()-w.offset))
	if err != nil {
		return "", err
	}
	w.offset += int64(len(content))
	return string(content), nil
}

func (w *LogWatcher) buffer(text string) {
	w.pending.WriteString(text)
	if w.pending.Len() <= w.maxBuffer {
		return
	}
	kept := w.pending.String()
	kept = kept[len(kept)-w.maxBuffer:]
	if newline := strings.IndexByte(kept, '\n'); newline >= 0 {
		kept = kept[newline+1:]
	}
	w.pending.Reset()
	w.pending.WriteString(kept)
}

func (w *LogWatcher) flush(ctx context.Context) {
	text := w.pending.String()
	w.pending.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := w.sink.IngestText(ctx, text); err != nil {
		w.logger.Warn("console log ingest failed", zap.Error(err))
	}
}
