package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type channelSink struct {
	texts chan string
}

func (s *channelSink) IngestText(ctx context.Context, text string) error {
	s.texts <- text
	return nil
}

func startWatcher(t *testing.T, path string) *channelSink {
	t.Helper()
	sink := &channelSink{texts: make(chan string, 8)}
	watcher, err := NewLogWatcher(Config{Path: path, Debounce: 50 * time.Millisecond, Sink: sink})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	time.Sleep(100 * time.Millisecond)
	return sink
}

func appendText(t *testing.T, path, text string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = file.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func receive(t *testing.T, sink *channelSink) string {
	t.Helper()
	select {
	case text := <-sink.texts:
		return text
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for console text")
		return ""
	}
}

func TestNewLogWatcherValidatesConfig(t *testing.T) {
	_, err := NewLogWatcher(Config{Sink: &channelSink{}})
	require.Error(t, err)
	_, err = NewLogWatcher(Config{Path: "console.log"})
	require.Error(t, err)
}

func TestLogWatcherDeliversOnlyNewText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendText(t, path, "old line before start\n")
	sink := startWatcher(t, path)

	appendText(t, path, "# 1 \"Alice\" 5 STEAM_0:1:12345 00:10 50 0 active\n")
	appendText(t, path, "# 2 \"Bob\" 6 STEAM_0:0:42 00:10 50 0 active\n")

	text := receive(t, sink)
	require.NotContains(t, text, "old line")
	require.Contains(t, text, "Alice")
	require.Contains(t, text, "Bob")
}

func TestLogWatcherHandlesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	sink := startWatcher(t, path)

	appendText(t, path, strings.Repeat("first session\n", 10))
	require.Contains(t, receive(t, sink), "first session")

	require.NoError(t, os.Truncate(path, 0))
	time.Sleep(100 * time.Millisecond)
	appendText(t, path, "second session\n")
	text := receive(t, sink)
	require.Equal(t, "second session\n", text)
}

func TestBufferKeepsTail(t *testing.T) {
	watcher, err := NewLogWatcher(Config{Path: "console.log", MaxBuffer: 16, Sink: &channelSink{}})
	require.NoError(t, err)
	watcher.buffer("aaaaaaaa\nbbbbbbbb\ncccc\n")
	require.Equal(t, "cccc\n", watcher.pending.String())
}
