package roster

import (
	"regexp"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
)

var (
	playerLinePattern  = regexp.MustCompile(`(?m)^[ \t]*#[ \t]+(\d+)[ \t]+"([^"\n]*)"[ \t]+(\d+)[ \t]+(STEAM_\S+)`)
	playerCountPattern = regexp.MustCompile(`(?i)players\s*:\s*\d+`)
	indexedNamePattern = regexp.MustCompile(`#[ \t]*\d+[ \t]+"[^"\n]*"`)
	legacyIDPattern    = regexp.MustCompile(`STEAM_\d+:[01]:\d+`)
)

// Entry is one player line extracted from a roster dump.
type Entry struct {
	Name     string
	LegacyID string
	SteamID  identity.SteamID
}

// LooksLikeRoster reports whether text is worth parsing: it needs a generic roster
// marker and at least one line in the strict per-player format.
func LooksLikeRoster(text string) bool {
	if text == "" {
		return false
	}
	if !playerCountPattern.MatchString(text) &&
		!indexedNamePattern.MatchString(text) &&
		!legacyIDPattern.MatchString(text) {
		return false
	}
	return playerLinePattern.MatchString(text)
}

// Parse extracts player entries in order of appearance. Lines whose legacy id does
// not convert are skipped. Duplicates are kept.
func Parse(text string) []Entry {
	matches := playerLinePattern.FindAllStringSubmatch(text, -1)
	entries := make([]Entry, 0, len(matches))
	for _, match := range matches {
		steamID, err := identity.ToCanonical(match[4])
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:     match[2],
			LegacyID: match[4],
			SteamID:  steamID,
		})
	}
	return entries
}
