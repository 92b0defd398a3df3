package identity

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Base is the offset between an individual account number and its 64-bit id.
const Base uint64 = 76561197960265728

// ErrMalformedIdentity indicates the input is not a valid legacy or canonical id.
var ErrMalformedIdentity = errors.New("identity: malformed identity")

var legacyPattern = regexp.MustCompile(`^STEAM_([0-9]+):([01]):([0-9]+)$`)

// SteamID is the canonical 64-bit platform identity.
type SteamID uint64

// String renders the canonical decimal form used as the storage key.
func (id SteamID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Legacy renders the STEAM_0:y:z form, or an empty string when the id is below Base.
func (id SteamID) Legacy() string {
	legacy, err := ToLegacy(id)
	if err != nil {
		return ""
	}
	return legacy
}

// Valid reports whether the id can be converted back to a legacy id.
func (id SteamID) Valid() bool {
	return uint64(id) >= Base
}

// ToCanonical converts STEAM_<universe>:<auth>:<account> into the 64-bit id.
func ToCanonical(legacy string) (SteamID, error) {
	match := legacyPattern.FindStringSubmatch(legacy)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedIdentity, legacy)
	}
	authServer, err := strconv.ParseUint(match[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	accountID, err := strconv.ParseUint(match[3], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	if accountID > (math.MaxUint64-Base-authServer)/2 {
		return 0, fmt.Errorf("%w: account %d overflows", ErrMalformedIdentity, accountID)
	}
	return SteamID(accountID*2 + Base + authServer), nil
}

// ToLegacy converts a 64-bit id into STEAM_0:<auth>:<account>.
func ToLegacy(id SteamID) (string, error) {
	if uint64(id) < Base {
		return "", fmt.Errorf("%w: %d is below base", ErrMalformedIdentity, uint64(id))
	}
	diff := uint64(id) - Base
	authServer := diff % 2
	accountID := (diff - authServer) / 2
	return fmt.Sprintf("STEAM_0:%d:%d", authServer, accountID), nil
}

// ParseSteamID accepts either a canonical decimal id or a legacy id.
func ParseSteamID(raw string) (SteamID, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "STEAM_") {
		return ToCanonical(trimmed)
	}
	value, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedIdentity, raw)
	}
	id := SteamID(value)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %d is below base", ErrMalformedIdentity, value)
	}
	return id, nil
}
