package avatars

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultURLTemplate points at the public avatar CDN; {hash} is replaced per download.
	DefaultURLTemplate = "https://avatars.fastly.steamstatic.com/{hash}_full.jpg"
	// MaxConcurrentDownloads bounds simultaneous transfers across the process.
	MaxConcurrentDownloads = 4

	hashPlaceholder    = "{hash}"
	fileExtension      = ".jpg"
	defaultHTTPTimeout = 20 * time.Second
	maxAvatarBytes     = 4 << 20
)

var (
	// ErrDownloadFailed wraps every reason an avatar could not be fetched.
	ErrDownloadFailed = errors.New("avatars: download failed")
	// ErrInvalidHash indicates a hash that is not lowercase hex.
	ErrInvalidHash = errors.New("avatars: invalid avatar hash")

	hashPattern = regexp.MustCompile(`^[0-9a-f]{1,64}$`)
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosterwatch_avatar_downloads_total",
		Help: "Avatar downloads by result.",
	}, []string{"result"})
	downloadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rosterwatch_avatar_downloads_in_flight",
		Help: "Avatar transfers currently holding a download slot.",
	})
)

type Config struct {
	Dir         string
	URLTemplate string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Cache stores avatar images as flat files named by their hash.
type Cache struct {
	dir         string
	urlTemplate string
	client      *http.Client
	logger      *zap.Logger
	slots       *semaphore.Weighted
	flights     singleflight.Group
}

func NewCache(cfg Config) (*Cache, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("avatars: cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("avatars: create cache directory %s: %w", dir, err)
	}
	urlTemplate := strings.TrimSpace(cfg.URLTemplate)
	if urlTemplate == "" {
		urlTemplate = DefaultURLTemplate
	}
	if !strings.Contains(urlTemplate, hashPlaceholder) {
		return nil, fmt.Errorf("avatars: url template must contain %s", hashPlaceholder)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		dir:         dir,
		urlTemplate: urlTemplate,
		client:      client,
		logger:      logger,
		slots:       semaphore.NewWeighted(MaxConcurrentDownloads),
	}, nil
}

// Path returns the cached file for hash, if present. It never touches the network.
func (c *Cache) Path(hash string) (string, bool) {
	if !hashPattern.MatchString(hash) {
		return "", false
	}
	path := c.filePath(hash)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// EnsureDownloaded returns the cached file for hash, fetching it first when missing.
// Concurrent calls for one hash share a single transfer.
func (c *Cache) EnsureDownloaded(ctx context.Context, hash string) (string, error) {
	if !hashPattern.MatchString(hash) {
		return "", fmt.Errorf("%w: %w: %q", ErrDownloadFailed, ErrInvalidHash, hash)
	}
	if path, ok := c.Path(hash); ok {
		return path, nil
	}

	flight := c.flights.DoChan(hash, func() (any, error) {
		return c.download(context.WithoutCancel(ctx), hash)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, ctx.Err())
	case result := <-flight:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

func (c *Cache) download(ctx context.Context, hash string) (string, error) {
	if path, ok := c.Path(hash); ok {
		return path, nil
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	downloadsInFlight.Inc()
	defer func() {
		downloadsInFlight.Dec()
		c.slots.Release(1)
	}()

	path, err := c.fetch(ctx, hash)
	if err != nil {
		downloadsTotal.WithLabelValues("failed").Inc()
		c.logger.Debug("avatar download failed", zap.String("hash", hash), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	downloadsTotal.WithLabelValues("ok").Inc()
	return path, nil
}

// fetch streams the image into a temp file, syncs it and renames it into place.
func (c *Cache) fetch(ctx context.Context, hash string) (string, error) {
	url := strings.ReplaceAll(c.urlTemplate, hashPlaceholder, hash)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	response, err := c.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", response.StatusCode)
	}

	tmp, err := os.CreateTemp(c.dir, hash+".*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, io.LimitReader(response.Body, maxAvatarBytes)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	path := c.filePath(hash)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return path, nil
}

func (c *Cache) filePath(hash string) string {
	return filepath.Join(c.dir, hash+fileExtension)
}
