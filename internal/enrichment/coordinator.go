package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/roster"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// ProfileStaleAfter is how long a summary stays fresh.
	ProfileStaleAfter = 1200 * time.Second
	// BanStaleAfter is how long a ban check stays fresh when periodic checks are on.
	BanStaleAfter = 24 * time.Hour
	// DefaultBanRefreshCooldown limits manual ban refreshes per player.
	DefaultBanRefreshCooldown = 5 * time.Minute

	cooldownCapacity = 4096
)

var (
	// ErrRefreshTooSoon rejects a manual refresh inside the player's cooldown window.
	ErrRefreshTooSoon = errors.New("enrichment: refresh requested too soon")
	// ErrInvalidPlayer rejects ids that are not canonical.
	ErrInvalidPlayer = errors.New("enrichment: invalid player id")

	errMissingStore   = errors.New("enrichment: player store is required")
	errMissingService = errors.New("enrichment: profile service is required")
	errMissingAvatars = errors.New("enrichment: avatar cache is required")
)

// Phase is the step the most recently active pass has reached.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseMerging
	PhaseScheduling
	PhaseFetching
	PhaseApplying
)

func (p Phase) String() string {
	switch p {
	case PhaseMerging:
		return "merging"
	case PhaseScheduling:
		return "scheduling"
	case PhaseFetching:
		return "fetching"
	case PhaseApplying:
		return "applying"
	default:
		return "idle"
	}
}

type Config struct {
	Store    PlayerStore
	Service  ProfileService
	Avatars  AvatarCache
	Notifier Notifier
	Settings Settings
	Clock    func() time.Time
	Logger   *zap.Logger
	// ProfileRefreshCooldown limits RefreshPlayer per id; zero disables it.
	ProfileRefreshCooldown time.Duration
	// BanRefreshCooldown limits RefreshPlayerBans per id; zero selects the default.
	BanRefreshCooldown time.Duration
}

// Coordinator owns the live roster and runs enrichment passes one at a time.
type Coordinator struct {
	store    PlayerStore
	service  ProfileService
	avatars  AvatarCache
	notifier Notifier
	settings Settings
	clock    func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	roster map[identity.SteamID]players.Record
	order  []identity.SteamID

	slot  *semaphore.Weighted
	phase atomic.Int32

	ingestMu     sync.Mutex
	cancelIngest context.CancelFunc
	generation   atomic.Uint64

	cooldownMu      sync.Mutex
	profileCooldown *cooldown
	banCooldown     *cooldown

	downloads sync.WaitGroup
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Service == nil {
		return nil, errMissingService
	}
	if cfg.Avatars == nil {
		return nil, errMissingAvatars
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	settings := cfg.Settings
	if settings == nil {
		settings = StaticSettings{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	banCooldown := cfg.BanRefreshCooldown
	if banCooldown <= 0 {
		banCooldown = DefaultBanRefreshCooldown
	}

	coordinator := &Coordinator{
		store:       cfg.Store,
		service:     cfg.Service,
		avatars:     cfg.Avatars,
		notifier:    notifier,
		settings:    settings,
		clock:       clock,
		logger:      logger,
		roster:      make(map[identity.SteamID]players.Record),
		slot:        semaphore.NewWeighted(1),
		banCooldown: newCooldown(banCooldown),
	}
	if cfg.ProfileRefreshCooldown > 0 {
		coordinator.profileCooldown = newCooldown(cfg.ProfileRefreshCooldown)
	}
	return coordinator, nil
}

// Phase reports the step the most recently active pass has reached.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// IngestText parses raw console text and, when it holds a roster, replaces the live
// roster and enriches it. A newer call supersedes an older one that has not yet
// started fetching; the superseded call returns nil.
func (c *Coordinator) IngestText(ctx context.Context, text string) error {
	if !roster.LooksLikeRoster(text) {
		return nil
	}
	entries := roster.Parse(text)
	if len(entries) == 0 {
		return nil
	}

	ingestCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	generation := c.generation.Add(1)
	c.ingestMu.Lock()
	previous := c.cancelIngest
	c.cancelIngest = cancel
	c.ingestMu.Unlock()
	if previous != nil {
		previous()
	}

	request := passRequest{
		kind:       passIngest,
		entries:    entries,
		generation: generation,
	}
	return c.silenceCancellation(c.runPass(ingestCtx, request))
}

// Refresh re-enriches the current live roster using the normal staleness rules.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	ids := append([]identity.SteamID(nil), c.order...)
	c.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return c.silenceCancellation(c.runPass(ctx, passRequest{kind: passRefresh, ids: ids}))
}

// RefreshPlayer forces a summary and ban fetch for one player.
func (c *Coordinator) RefreshPlayer(ctx context.Context, steamID identity.SteamID) (players.Record, error) {
	if !steamID.Valid() {
		return players.Record{}, ErrInvalidPlayer
	}
	if err := c.claimCooldown(c.profileCooldown, steamID); err != nil {
		return players.Record{}, err
	}
	record, err := c.refreshSingle(ctx, steamID)
	c.settleCooldown(c.profileCooldown, steamID, err)
	return record, err
}

// RefreshPlayerBans forces a ban re-check for one player, at most once per cooldown window.
func (c *Coordinator) RefreshPlayerBans(ctx context.Context, steamID identity.SteamID) (players.Record, error) {
	if !steamID.Valid() {
		return players.Record{}, ErrInvalidPlayer
	}
	if err := c.claimCooldown(c.banCooldown, steamID); err != nil {
		return players.Record{}, err
	}
	record, err := c.refreshSingle(ctx, steamID)
	c.settleCooldown(c.banCooldown, steamID, err)
	return record, err
}

func (c *Coordinator) refreshSingle(ctx context.Context, steamID identity.SteamID) (players.Record, error) {
	request := passRequest{kind: passSingle, ids: []identity.SteamID{steamID}, force: true}
	if err := c.silenceCancellation(c.runPass(ctx, request)); err != nil {
		return players.Record{}, err
	}
	return c.Player(ctx, steamID)
}

// Roster returns a snapshot of the live roster in order of appearance.
func (c *Coordinator) Roster() []players.Record {
	c.mu.Lock()
	records := make([]players.Record, 0, len(c.order))
	for _, steamID := range c.order {
		records = append(records, c.roster[steamID])
	}
	c.mu.Unlock()
	for index := range records {
		records[index].HasAvatar = c.hasAvatar(records[index].AvatarHash)
	}
	return records
}

// Player returns the live roster entry for the id, falling back to the store.
func (c *Coordinator) Player(ctx context.Context, steamID identity.SteamID) (players.Record, error) {
	if !steamID.Valid() {
		return players.Record{}, ErrInvalidPlayer
	}
	c.mu.Lock()
	record, onRoster := c.roster[steamID]
	c.mu.Unlock()
	if !onRoster {
		stored, found, err := c.store.Get(ctx, steamID)
		if err != nil {
			return players.Record{}, err
		}
		record = players.Blank(steamID)
		if found {
			record = stored
		}
	}
	record.HasAvatar = c.hasAvatar(record.AvatarHash)
	return record, nil
}

// UpdateCosmetics persists a cosmetic patch and mirrors it onto the live roster.
func (c *Coordinator) UpdateCosmetics(ctx context.Context, steamID identity.SteamID, patch players.Cosmetics) (players.Record, error) {
	if !steamID.Valid() {
		return players.Record{}, ErrInvalidPlayer
	}
	updated, err := c.store.UpdateCosmetics(ctx, steamID, patch)
	if err != nil {
		return players.Record{}, err
	}
	c.mu.Lock()
	if current, ok := c.roster[steamID]; ok {
		current.Cosmetics = updated.Cosmetics
		c.roster[steamID] = current
		updated.DisplayName = current.DisplayName
	}
	c.mu.Unlock()
	updated.HasAvatar = c.hasAvatar(updated.AvatarHash)
	c.notifier.PlayerUpdated(updated)
	return updated, nil
}

// Wait blocks until background avatar downloads have finished.
func (c *Coordinator) Wait() {
	c.downloads.Wait()
}

// cooldown remembers when each player was last refreshed manually. The LRU bounds
// memory; the window itself is measured on the coordinator's clock.
type cooldown struct {
	window time.Duration
	claims *expirable.LRU[identity.SteamID, time.Time]
}

func newCooldown(window time.Duration) *cooldown {
	return &cooldown{
		window: window,
		claims: expirable.NewLRU[identity.SteamID, time.Time](cooldownCapacity, nil, window),
	}
}

func (c *Coordinator) claimCooldown(limit *cooldown, steamID identity.SteamID) error {
	if limit == nil {
		return nil
	}
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	now := c.clock()
	if requestedAt, ok := limit.claims.Get(steamID); ok && now.Sub(requestedAt) < limit.window {
		return fmt.Errorf("%w: last refresh at %s", ErrRefreshTooSoon, requestedAt.UTC().Format(time.RFC3339))
	}
	limit.claims.Add(steamID, now)
	return nil
}

// settleCooldown gives the claim back when the refresh never reached Steam or Steam
// refused it. A refresh whose data was fetched keeps its claim even if saving failed.
func (c *Coordinator) settleCooldown(limit *cooldown, steamID identity.SteamID, err error) {
	if limit == nil || err == nil || errors.Is(err, players.ErrPersistence) {
		return
	}
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	limit.claims.Remove(steamID)
}

func (c *Coordinator) hasAvatar(hash string) bool {
	if hash == "" {
		return false
	}
	_, ok := c.avatars.Path(hash)
	return ok
}

func (c *Coordinator) setPhase(phase Phase) {
	c.phase.Store(int32(phase))
}

// settlePhase returns to idle when a pass ends early, unless another pass holds the slot.
func (c *Coordinator) settlePhase() {
	if c.slot.TryAcquire(1) {
		c.setPhase(PhaseIdle)
		c.slot.Release(1)
	}
}

func (c *Coordinator) silenceCancellation(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.logger.Debug("enrichment pass canceled", zap.Error(err))
		return nil
	}
	return err
}

func newPassID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
