package enrichment

import (
	"context"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/steamapi"
)

// ProfileService fetches summaries and ban statuses in bulk.
type ProfileService interface {
	FetchSummaries(ctx context.Context, ids []identity.SteamID) (map[identity.SteamID]steamapi.Summary, error)
	FetchBans(ctx context.Context, ids []identity.SteamID) ([]steamapi.BanStatus, error)
}

// PlayerStore persists enriched records.
type PlayerStore interface {
	Get(ctx context.Context, steamID identity.SteamID) (players.Record, bool, error)
	Upsert(ctx context.Context, record players.Record) error
	UpdateCosmetics(ctx context.Context, steamID identity.SteamID, patch players.Cosmetics) (players.Record, error)
}

// AvatarCache resolves and fetches avatar images.
type AvatarCache interface {
	Path(hash string) (string, bool)
	EnsureDownloaded(ctx context.Context, hash string) (string, error)
}

// Notifier receives the coordinator's outward events.
type Notifier interface {
	RosterUpdated(records []players.Record)
	PlayerUpdated(record players.Record)
	EnrichmentFailed(message string)
}

// Settings exposes the user preferences the coordinator consults on every pass.
type Settings interface {
	PeriodicBanCheck() bool
}

// StaticSettings is a fixed Settings value.
type StaticSettings struct {
	PeriodicBans bool
}

func (s StaticSettings) PeriodicBanCheck() bool {
	return s.PeriodicBans
}

type nopNotifier struct{}

func (nopNotifier) RosterUpdated([]players.Record) {}
func (nopNotifier) PlayerUpdated(players.Record)   {}
func (nopNotifier) EnrichmentFailed(string)        {}
