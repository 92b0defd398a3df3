package players

import (
	"strings"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
)

// Visibility describes how much of a profile the profile service exposes.
type Visibility string

const (
	VisibilityUnknown  Visibility = "unknown"
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityNotFound Visibility = "not_found"
)

// EconomyBanNone is the canonical "no economy ban" value.
const EconomyBanNone = "none"

// clearedSentinel marks a cosmetic field the user explicitly cleared.
const clearedSentinel = "none"

// Cosmetics holds user-assigned presentation fields. A nil field is unset.
// In a patch, a pointer to an empty string clears the field.
type Cosmetics struct {
	Alias        *string `json:"alias,omitempty"`
	AliasColor   *string `json:"alias_color,omitempty"`
	NameColor    *string `json:"name_color,omitempty"`
	PersonaColor *string `json:"persona_color,omitempty"`
	CardColor    *string `json:"card_color,omitempty"`
	IconRef      *string `json:"icon_ref,omitempty"`
}

// Record is the enrichment state of one player.
type Record struct {
	SteamID     identity.SteamID `json:"steam_id,string"`
	DisplayName string           `json:"display_name,omitempty"`
	Cosmetics
	PersonaName     string     `json:"persona_name"`
	TimeCreated     int64      `json:"time_created"`
	AvatarHash      string     `json:"avatar_hash"`
	Visibility      Visibility `json:"visibility"`
	CommunityBanned bool       `json:"community_banned"`
	VACBans         int        `json:"vac_bans"`
	GameBans        int        `json:"game_bans"`
	EconomyBan      string     `json:"economy_ban"`
	LastBanCheck    int64      `json:"last_ban_check"`
	BanOrigin       int64      `json:"ban_origin"`
	LastEnriched    int64      `json:"last_enriched"`
	HasAvatar       bool       `json:"has_avatar"`
}

// Blank returns an unenriched record for the id.
func Blank(steamID identity.SteamID) Record {
	return Record{
		SteamID:    steamID,
		Visibility: VisibilityUnknown,
		EconomyBan: EconomyBanNone,
	}
}

// Legacy derives the STEAM_0 form of the record's id.
func (r Record) Legacy() string {
	return r.SteamID.Legacy()
}

// Banned reports whether any ban flag is set.
func (r Record) Banned() bool {
	return r.VACBans > 0 || r.GameBans > 0 || r.CommunityBanned
}

// NormalizeEconomyBan maps "0", empty and any casing of "none" to EconomyBanNone.
func NormalizeEconomyBan(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == "0" || strings.EqualFold(trimmed, EconomyBanNone) {
		return EconomyBanNone
	}
	return trimmed
}

// StringPtr is a convenience for building cosmetic patches.
func StringPtr(value string) *string {
	return &value
}

func isClearedSentinel(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed == "" || trimmed == "0" || strings.EqualFold(trimmed, clearedSentinel)
}

// decodeCosmetic turns a stored column into the caller-facing value.
func decodeCosmetic(stored *string) *string {
	if stored == nil || isClearedSentinel(*stored) {
		return nil
	}
	value := *stored
	return &value
}

// encodeCosmetic turns a caller-provided value into its stored form; nil stays nil.
func encodeCosmetic(value *string) *string {
	if value == nil {
		return nil
	}
	if isClearedSentinel(*value) {
		sentinel := clearedSentinel
		return &sentinel
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}
