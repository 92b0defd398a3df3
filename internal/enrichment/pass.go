package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/roster"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/steamapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	secondsPerDay     = 86400
	failureSampleSize = 5
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosterwatch_enrichment_passes_total",
		Help: "Enrichment passes by kind and result.",
	}, []string{"kind", "result"})
	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rosterwatch_enrichment_pass_duration_seconds",
		Help:    "Wall time of enrichment passes that reached the fetch step.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	rosterSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rosterwatch_roster_players",
		Help: "Players on the live roster.",
	})
)

type passKind int

const (
	passIngest passKind = iota
	passRefresh
	passSingle
)

func (k passKind) String() string {
	switch k {
	case passIngest:
		return "ingest"
	case passRefresh:
		return "refresh"
	default:
		return "single"
	}
}

type passRequest struct {
	kind       passKind
	entries    []roster.Entry
	ids        []identity.SteamID
	generation uint64
	force      bool
}

type fetchResult struct {
	summaries  map[identity.SteamID]steamapi.Summary
	bans       map[identity.SteamID]steamapi.BanStatus
	summaryErr error
	banErr     error
}

func (c *Coordinator) runPass(ctx context.Context, request passRequest) error {
	logger := c.logger.With(zap.String("pass_id", newPassID()), zap.String("kind", request.kind.String()))

	c.setPhase(PhaseMerging)
	candidates, err := c.merge(ctx, request)
	if err != nil {
		c.settlePhase()
		passesTotal.WithLabelValues(request.kind.String(), "canceled").Inc()
		return err
	}

	c.setPhase(PhaseScheduling)
	now := c.clock().UTC()
	summaryIDs, banIDs := c.plan(candidates, now, request.force)
	if len(summaryIDs) == 0 && len(banIDs) == 0 {
		logger.Debug("enrichment pass has nothing to fetch", zap.Int("players", len(candidates)))
		c.settlePhase()
		passesTotal.WithLabelValues(request.kind.String(), "fresh").Inc()
		c.notifyPass(request, candidates)
		return nil
	}

	if err := c.slot.Acquire(ctx, 1); err != nil {
		c.settlePhase()
		passesTotal.WithLabelValues(request.kind.String(), "canceled").Inc()
		return err
	}
	if err := ctx.Err(); err != nil {
		c.setPhase(PhaseIdle)
		c.slot.Release(1)
		passesTotal.WithLabelValues(request.kind.String(), "canceled").Inc()
		return err
	}
	passCtx := context.WithoutCancel(ctx)
	started := time.Now()

	c.setPhase(PhaseFetching)
	fetched := c.fetch(passCtx, summaryIDs, banIDs)

	c.setPhase(PhaseApplying)
	applied, failed := c.apply(passCtx, logger, candidates, fetched, c.clock().UTC())
	c.writeBack(applied)

	c.setPhase(PhaseIdle)
	c.slot.Release(1)
	passDuration.WithLabelValues(request.kind.String()).Observe(time.Since(started).Seconds())

	serviceErr := errors.Join(fetched.summaryErr, fetched.banErr)
	var persistErr error
	if len(failed) > 0 {
		persistErr = fmt.Errorf("%w: %d players not saved", players.ErrPersistence, len(failed))
	}
	result := "ok"
	if serviceErr != nil || persistErr != nil {
		result = "partial"
	}
	passesTotal.WithLabelValues(request.kind.String(), result).Inc()
	logger.Info("enrichment pass finished",
		zap.Int("summaries_requested", len(summaryIDs)),
		zap.Int("bans_requested", len(banIDs)),
		zap.Int("applied", len(applied)),
		zap.Int("failed", len(failed)),
		zap.Duration("elapsed", time.Since(started)))

	c.notifyPass(request, applied)
	if message := failureMessage(serviceErr, failed); message != "" {
		c.notifier.EnrichmentFailed(message)
	}
	return errors.Join(serviceErr, persistErr)
}

// merge loads stored state for the pass's players. An ingest pass also replaces the
// live roster, unless a newer ingest has superseded it.
func (c *Coordinator) merge(ctx context.Context, request passRequest) ([]players.Record, error) {
	type candidate struct {
		steamID  identity.SteamID
		name     string
		fallback players.Record
		live     bool
	}
	var wanted []candidate
	if request.kind == passIngest {
		position := make(map[identity.SteamID]int, len(request.entries))
		for _, entry := range request.entries {
			if index, seen := position[entry.SteamID]; seen {
				wanted[index].name = entry.Name
				continue
			}
			position[entry.SteamID] = len(wanted)
			wanted = append(wanted, candidate{steamID: entry.SteamID, name: entry.Name})
		}
	} else {
		for _, steamID := range request.ids {
			wanted = append(wanted, candidate{steamID: steamID})
		}
	}

	c.mu.Lock()
	for index := range wanted {
		if current, ok := c.roster[wanted[index].steamID]; ok {
			wanted[index].fallback = current
			wanted[index].live = true
			if request.kind != passIngest {
				wanted[index].name = current.DisplayName
			}
		}
	}
	c.mu.Unlock()

	records := make([]players.Record, 0, len(wanted))
	for _, item := range wanted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record := players.Blank(item.steamID)
		if item.live {
			record = item.fallback
		}
		stored, found, err := c.store.Get(ctx, item.steamID)
		switch {
		case err != nil:
			c.logger.Warn("enrichment merge read failed", zap.String("steam_id", item.steamID.String()), zap.Error(err))
		case found:
			record = stored
		}
		record.DisplayName = item.name
		records = append(records, record)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch request.kind {
	case passIngest:
		if request.generation != c.generation.Load() {
			return nil, context.Canceled
		}
		next := make(map[identity.SteamID]players.Record, len(records))
		order := make([]identity.SteamID, 0, len(records))
		for _, record := range records {
			next[record.SteamID] = record
			order = append(order, record.SteamID)
		}
		c.roster = next
		c.order = order
		rosterSize.Set(float64(len(order)))
	default:
		for _, record := range records {
			if current, ok := c.roster[record.SteamID]; ok {
				record.DisplayName = current.DisplayName
				c.roster[record.SteamID] = record
			}
		}
	}
	return records, nil
}

// plan picks the ids whose summary or ban data is stale.
func (c *Coordinator) plan(records []players.Record, now time.Time, force bool) ([]identity.SteamID, []identity.SteamID) {
	periodic := c.settings.PeriodicBanCheck()
	nowSeconds := now.Unix()
	summaryIDs := make([]identity.SteamID, 0, len(records))
	banIDs := make([]identity.SteamID, 0, len(records))
	for _, record := range records {
		if force || c.needsSummary(record, nowSeconds) {
			summaryIDs = append(summaryIDs, record.SteamID)
		}
		if force || needsBans(record, nowSeconds, periodic) {
			banIDs = append(banIDs, record.SteamID)
		}
	}
	return summaryIDs, banIDs
}

func (c *Coordinator) needsSummary(record players.Record, now int64) bool {
	if now-record.LastEnriched > int64(ProfileStaleAfter/time.Second) {
		return true
	}
	if record.TimeCreated == 0 {
		return true
	}
	return !c.hasAvatar(record.AvatarHash)
}

func needsBans(record players.Record, now int64, periodic bool) bool {
	if record.LastBanCheck == 0 {
		return true
	}
	return periodic && now-record.LastBanCheck > int64(BanStaleAfter/time.Second)
}

// fetch calls both endpoints concurrently and waits for both.
func (c *Coordinator) fetch(ctx context.Context, summaryIDs, banIDs []identity.SteamID) fetchResult {
	result := fetchResult{bans: make(map[identity.SteamID]steamapi.BanStatus)}
	var statuses []steamapi.BanStatus
	var group errgroup.Group
	if len(summaryIDs) > 0 {
		group.Go(func() error {
			result.summaries, result.summaryErr = c.service.FetchSummaries(ctx, summaryIDs)
			return nil
		})
	}
	if len(banIDs) > 0 {
		group.Go(func() error {
			statuses, result.banErr = c.service.FetchBans(ctx, banIDs)
			return nil
		})
	}
	_ = group.Wait()
	for _, status := range statuses {
		result.bans[status.SteamID] = status
	}
	return result
}

// apply merges fetched data into each candidate and persists it. Persistence failures
// are collected; the remaining players are still processed.
func (c *Coordinator) apply(ctx context.Context, logger *zap.Logger, candidates []players.Record, fetched fetchResult, now time.Time) ([]players.Record, []identity.SteamID) {
	applied := make([]players.Record, 0, len(candidates))
	var failed []identity.SteamID
	for _, candidate := range candidates {
		summary, hasSummary := fetched.summaries[candidate.SteamID]
		ban, hasBan := fetched.bans[candidate.SteamID]
		if !hasSummary && !hasBan {
			continue
		}
		record := c.currentBase(ctx, logger, candidate)
		if hasSummary {
			record = ApplySummary(record, summary, now)
		}
		if hasBan {
			record = ApplyBans(record, ban, now)
		}

		persisted := record
		persisted.Cosmetics = players.Cosmetics{}
		if err := c.store.Upsert(ctx, persisted); err != nil {
			failed = append(failed, record.SteamID)
			logger.Warn("enrichment persist failed", zap.String("steam_id", record.SteamID.String()), zap.Error(err))
		}
		applied = append(applied, record)

		if hasSummary && record.AvatarHash != "" && !c.hasAvatar(record.AvatarHash) {
			c.downloadAvatar(record.SteamID, record.AvatarHash)
		}
	}
	return applied, failed
}

// currentBase re-reads the candidate under the slot so that only the categories this
// pass fetched overwrite what an earlier pass saved.
func (c *Coordinator) currentBase(ctx context.Context, logger *zap.Logger, candidate players.Record) players.Record {
	stored, found, err := c.store.Get(ctx, candidate.SteamID)
	if err != nil {
		logger.Warn("enrichment reread failed", zap.String("steam_id", candidate.SteamID.String()), zap.Error(err))
	}
	base := candidate
	if err == nil && found {
		base = stored
	} else {
		c.mu.Lock()
		current, onRoster := c.roster[candidate.SteamID]
		c.mu.Unlock()
		if onRoster {
			base = current
		}
	}
	base.DisplayName = candidate.DisplayName
	return base
}

// ApplySummary merges a profile summary into the record. A known creation time is
// never replaced by an unknown one.
func ApplySummary(record players.Record, summary steamapi.Summary, now time.Time) players.Record {
	if summary.PersonaName != "" {
		record.PersonaName = summary.PersonaName
	}
	if summary.TimeCreated != 0 {
		record.TimeCreated = summary.TimeCreated
	}
	if summary.AvatarHash != "" {
		record.AvatarHash = summary.AvatarHash
	}
	record.Visibility = summary.Visibility
	record.LastEnriched = now.Unix()
	return record
}

// ApplyBans merges a ban status into the record and derives the ban origin.
func ApplyBans(record players.Record, ban steamapi.BanStatus, now time.Time) players.Record {
	record.CommunityBanned = ban.CommunityBanned
	record.VACBans = ban.VACBans
	if ban.VACBanned && record.VACBans == 0 {
		record.VACBans = 1
	}
	record.GameBans = ban.GameBans
	record.EconomyBan = players.NormalizeEconomyBan(ban.EconomyBan)
	record.LastBanCheck = now.Unix()
	record.BanOrigin = BanOrigin(record, ban.DaysSinceLastBan, now)
	return record
}

// BanOrigin estimates when the most recent ban happened, or 0 when the record has no ban.
func BanOrigin(record players.Record, daysSinceLastBan int, now time.Time) int64 {
	if !record.Banned() {
		return 0
	}
	return now.Unix() - int64(max(daysSinceLastBan, 0))*secondsPerDay
}

// writeBack mirrors applied records onto live roster entries, keeping the roster's
// display name and cosmetics.
func (c *Coordinator) writeBack(applied []players.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range applied {
		current, ok := c.roster[record.SteamID]
		if !ok {
			continue
		}
		record.DisplayName = current.DisplayName
		record.Cosmetics = current.Cosmetics
		c.roster[record.SteamID] = record
	}
}

func (c *Coordinator) downloadAvatar(steamID identity.SteamID, hash string) {
	c.downloads.Add(1)
	go func() {
		defer c.downloads.Done()
		if _, err := c.avatars.EnsureDownloaded(context.Background(), hash); err != nil {
			c.logger.Debug("avatar unavailable", zap.String("steam_id", steamID.String()), zap.Error(err))
			return
		}
		c.mu.Lock()
		record, ok := c.roster[steamID]
		c.mu.Unlock()
		if ok && record.AvatarHash == hash {
			record.HasAvatar = true
			c.notifier.PlayerUpdated(record)
		}
	}()
}

func (c *Coordinator) notifyPass(request passRequest, records []players.Record) {
	switch request.kind {
	case passSingle:
		for _, record := range records {
			record.HasAvatar = c.hasAvatar(record.AvatarHash)
			c.notifier.PlayerUpdated(record)
		}
	default:
		c.notifier.RosterUpdated(c.Roster())
	}
}

// failureMessage folds a pass's problems into one user-facing line.
func failureMessage(serviceErr error, failed []identity.SteamID) string {
	var parts []string
	if serviceErr != nil {
		parts = append(parts, describeServiceError(serviceErr))
	}
	if len(failed) > 0 {
		sample := failed[:min(len(failed), failureSampleSize)]
		ids := make([]string, 0, len(sample))
		for _, steamID := range sample {
			ids = append(ids, steamID.String())
		}
		message := fmt.Sprintf("failed to save %d player(s): %s", len(failed), strings.Join(ids, ", "))
		if extra := len(failed) - len(sample); extra > 0 {
			message += fmt.Sprintf(" and %d more", extra)
		}
		parts = append(parts, message)
	}
	return strings.Join(parts, "; ")
}

func describeServiceError(err error) string {
	switch {
	case errors.Is(err, steamapi.ErrNotConfigured):
		return "Steam API key is not configured"
	case errors.Is(err, steamapi.ErrInvalidCredentials):
		return "Steam API key was rejected"
	case errors.Is(err, steamapi.ErrRateLimited):
		return "Steam API rate limit reached, try again later"
	case errors.Is(err, steamapi.ErrTimeout), errors.Is(err, steamapi.ErrNetwork):
		return "Steam API unreachable, some players were not refreshed"
	default:
		return "Steam API returned an unexpected response"
	}
}
