package steamapi

import (
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
)

// publicVisibilityState is the community visibility value for a public profile.
const publicVisibilityState = 3

// Summary is the profile portion of a player as reported by the service.
type Summary struct {
	SteamID     identity.SteamID
	PersonaName string
	// TimeCreated is 0 when the profile hides it.
	TimeCreated int64
	AvatarHash  string
	Visibility  players.Visibility
}

// BanStatus is the ban history of a player as reported by the service.
type BanStatus struct {
	SteamID          identity.SteamID
	CommunityBanned  bool
	VACBanned        bool
	VACBans          int
	GameBans         int
	DaysSinceLastBan int
	EconomyBan       string
}

// Banned reports whether any ban flag is set.
func (b BanStatus) Banned() bool {
	return b.CommunityBanned || b.VACBanned || b.VACBans > 0 || b.GameBans > 0
}

type summariesResponse struct {
	Response struct {
		Players []summaryPayload `json:"players"`
	} `json:"response"`
}

type summaryPayload struct {
	SteamID                  string `json:"steamid"`
	PersonaName              string `json:"personaname"`
	TimeCreated              int64  `json:"timecreated"`
	AvatarHash               string `json:"avatarhash"`
	CommunityVisibilityState int    `json:"communityvisibilitystate"`
}

func (p summaryPayload) toSummary() (Summary, error) {
	steamID, err := parseID(p.SteamID)
	if err != nil {
		return Summary{}, err
	}
	visibility := players.VisibilityPrivate
	if p.CommunityVisibilityState == publicVisibilityState {
		visibility = players.VisibilityPublic
	}
	return Summary{
		SteamID:     steamID,
		PersonaName: p.PersonaName,
		TimeCreated: p.TimeCreated,
		AvatarHash:  p.AvatarHash,
		Visibility:  visibility,
	}, nil
}

type bansResponse struct {
	Players []banPayload `json:"players"`
}

type banPayload struct {
	SteamID          string `json:"SteamId"`
	CommunityBanned  bool   `json:"CommunityBanned"`
	VACBanned        bool   `json:"VACBanned"`
	NumberOfVACBans  int    `json:"NumberOfVACBans"`
	DaysSinceLastBan int    `json:"DaysSinceLastBan"`
	NumberOfGameBans int    `json:"NumberOfGameBans"`
	EconomyBan       string `json:"EconomyBan"`
}

func (p banPayload) toBanStatus() (BanStatus, error) {
	steamID, err := parseID(p.SteamID)
	if err != nil {
		return BanStatus{}, err
	}
	return BanStatus{
		SteamID:          steamID,
		CommunityBanned:  p.CommunityBanned,
		VACBanned:        p.VACBanned,
		VACBans:          max(p.NumberOfVACBans, 0),
		GameBans:         max(p.NumberOfGameBans, 0),
		DaysSinceLastBan: max(p.DaysSinceLastBan, 0),
		EconomyBan:       players.NormalizeEconomyBan(p.EconomyBan),
	}, nil
}

func parseID(raw string) (identity.SteamID, error) {
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnexpectedResponse, raw)
	}
	steamID := identity.SteamID(value)
	if !steamID.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnexpectedResponse, raw)
	}
	return steamID, nil
}
