package steamapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL    = "https://api.steampowered.com"
	DefaultTimeout    = 20 * time.Second
	DefaultRetryDelay = time.Second
	// BatchSize is the most ids the service accepts per request.
	BatchSize = 100
	// MaxAttempts bounds tries per batch for transient failures.
	MaxAttempts = 3

	summariesPath = "/ISteamUser/GetPlayerSummaries/v0002/"
	bansPath      = "/ISteamUser/GetPlayerBans/v1/"

	endpointSummaries = "summaries"
	endpointBans      = "bans"

	maxErrorBodyBytes = 512
)

var (
	// ErrNotConfigured means no API key is available; no request was sent.
	ErrNotConfigured = errors.New("steamapi: api key not configured")
	// ErrInvalidCredentials means the service rejected the key (401/403).
	ErrInvalidCredentials = errors.New("steamapi: invalid credentials")
	// ErrRateLimited means the service answered 429.
	ErrRateLimited = errors.New("steamapi: rate limited")
	// ErrNetwork covers transport failures and 5xx answers.
	ErrNetwork = errors.New("steamapi: network error")
	// ErrTimeout means a request exceeded the client timeout.
	ErrTimeout = errors.New("steamapi: request timed out")
	// ErrUnexpectedResponse covers other statuses and undecodable bodies.
	ErrUnexpectedResponse = errors.New("steamapi: unexpected response")
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosterwatch_steam_requests_total",
		Help: "Profile service requests by endpoint and result.",
	}, []string{"endpoint", "result"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rosterwatch_steam_request_duration_seconds",
		Help:    "Profile service request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// KeySource supplies the current API key; an empty key means unconfigured.
type KeySource interface {
	APIKey() string
}

// StaticKey is a KeySource backed by a fixed value.
type StaticKey string

func (k StaticKey) APIKey() string {
	return string(k)
}

type Config struct {
	BaseURL    string
	Keys       KeySource
	HTTPClient *http.Client
	Timeout    time.Duration
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Client calls the bulk profile summary and ban lookup endpoints.
type Client struct {
	baseURL    string
	keys       KeySource
	httpClient *http.Client
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Keys == nil {
		return nil, errors.New("steamapi: key source is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("steamapi: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clientCopy := *httpClient
	clientCopy.Timeout = timeout
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		keys:       cfg.Keys,
		httpClient: &clientCopy,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

// FetchSummaries returns profile summaries keyed by id. Ids that a successful batch
// omitted are reported with VisibilityNotFound. Failed batches contribute nothing and
// their errors are joined into the returned error.
func (c *Client) FetchSummaries(ctx context.Context, ids []identity.SteamID) (map[identity.SteamID]Summary, error) {
	key := strings.TrimSpace(c.keys.APIKey())
	if key == "" {
		return nil, ErrNotConfigured
	}
	result := make(map[identity.SteamID]Summary, len(ids))
	var errs []error
	for _, batch := range chunk(ids) {
		var payload summariesResponse
		if err := c.getWithRetry(ctx, endpointSummaries, summariesPath, key, batch, &payload); err != nil {
			errs = append(errs, err)
			if aborts(err) {
				break
			}
			continue
		}
		for _, id := range batch {
			result[id] = Summary{SteamID: id, Visibility: players.VisibilityNotFound}
		}
		for _, player := range payload.Response.Players {
			summary, err := player.toSummary()
			if err != nil {
				c.logger.Debug("steamapi summary skipped", zap.String("steam_id", player.SteamID), zap.Error(err))
				continue
			}
			result[summary.SteamID] = summary
		}
	}
	return result, errors.Join(errs...)
}

// FetchBans returns ban statuses for the ids the service reported.
func (c *Client) FetchBans(ctx context.Context, ids []identity.SteamID) ([]BanStatus, error) {
	key := strings.TrimSpace(c.keys.APIKey())
	if key == "" {
		return nil, ErrNotConfigured
	}
	result := make([]BanStatus, 0, len(ids))
	var errs []error
	for _, batch := range chunk(ids) {
		var payload bansResponse
		if err := c.getWithRetry(ctx, endpointBans, bansPath, key, batch, &payload); err != nil {
			errs = append(errs, err)
			if aborts(err) {
				break
			}
			continue
		}
		for _, player := range payload.Players {
			status, err := player.toBanStatus()
			if err != nil {
				c.logger.Debug("steamapi ban status skipped", zap.String("steam_id", player.SteamID), zap.Error(err))
				continue
			}
			result = append(result, status)
		}
	}
	return result, errors.Join(errs...)
}

func (c *Client) getWithRetry(ctx context.Context, endpoint, path, key string, batch []identity.SteamID, out any) error {
	requestURL := c.buildURL(path, key, batch)
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		lastErr = c.get(ctx, endpoint, requestURL, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == MaxAttempts {
			break
		}
		c.logger.Debug("steamapi request retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		timer := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	c.logger.Warn("steamapi batch failed",
		zap.String("endpoint", endpoint),
		zap.Int("batch_size", len(batch)),
		zap.Error(lastErr))
	return fmt.Errorf("%s batch of %d: %w", endpoint, len(batch), lastErr)
}

func (c *Client) get(ctx context.Context, endpoint, requestURL string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	request.Header.Set("Accept", "application/json")

	started := time.Now()
	response, err := c.httpClient.Do(request)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	if err != nil {
		classified := classifyTransportError(ctx, err)
		requestsTotal.WithLabelValues(endpoint, resultLabel(classified)).Inc()
		return classified
	}
	defer response.Body.Close()

	if err := statusError(response); err != nil {
		requestsTotal.WithLabelValues(endpoint, resultLabel(err)).Inc()
		return err
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		requestsTotal.WithLabelValues(endpoint, "decode_error").Inc()
		return fmt.Errorf("%w: decode: %w", ErrUnexpectedResponse, err)
	}
	requestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func (c *Client) buildURL(path, key string, batch []identity.SteamID) string {
	values := make([]string, 0, len(batch))
	for _, id := range batch {
		values = append(values, id.String())
	}
	query := url.Values{}
	query.Set("key", key)
	query.Set("steamids", strings.Join(values, ","))
	return c.baseURL + path + "?" + query.Encode()
}

func statusError(response *http.Response) error {
	switch code := response.StatusCode; {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrInvalidCredentials, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, code)
	case code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrNetwork, code)
	default:
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return fmt.Errorf("%w: status %d, body: %s", ErrUnexpectedResponse, code, strings.TrimSpace(string(body)))
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, redact(err))
	}
	return fmt.Errorf("%w: %w", ErrNetwork, redact(err))
}

// redact strips the request URL, which carries the key, from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}

func aborts(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unexpected"
	}
}

// chunk de-duplicates ids, preserving first-seen order, and splits them into batches.
func chunk(ids []identity.SteamID) [][]identity.SteamID {
	seen := make(map[identity.SteamID]struct{}, len(ids))
	unique := make([]identity.SteamID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	batches := make([][]identity.SteamID, 0, (len(unique)+BatchSize-1)/BatchSize)
	for start := 0; start < len(unique); start += BatchSize {
		end := min(start+BatchSize, len(unique))
		batches = append(batches, unique[start:end])
	}
	return batches
}
