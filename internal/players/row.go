package players

import (
	"strconv"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
)

// Row is the persisted shape of a player record.
type Row struct {
	SteamID             string  `gorm:"column:steam_id;primaryKey;size:20;not null"`
	Alias               *string `gorm:"column:alias;size:190"`
	AliasColor          *string `gorm:"column:alias_color;size:32"`
	NameColor           *string `gorm:"column:name_color;size:32"`
	PersonaColor        *string `gorm:"column:persona_color;size:32"`
	CardColor           *string `gorm:"column:card_color;size:32"`
	IconRef             *string `gorm:"column:icon_ref;size:512"`
	PersonaName         string  `gorm:"column:persona_name;size:190;not null;default:'';index:idx_players_persona_name"`
	TimeCreated         int64   `gorm:"column:time_created;not null;default:0"`
	AvatarHash          string  `gorm:"column:avatar_hash;size:64;not null;default:''"`
	Visibility          string  `gorm:"column:visibility;size:16;not null;default:'unknown'"`
	CommunityBanned     bool    `gorm:"column:community_banned;not null;default:false"`
	VACBans             int     `gorm:"column:vac_bans;not null;default:0"`
	GameBans            int     `gorm:"column:game_bans;not null;default:0"`
	EconomyBan          string  `gorm:"column:economy_ban;size:64;not null;default:'none'"`
	LastBanCheckSeconds int64   `gorm:"column:last_ban_check_s;not null;default:0"`
	BanOriginSeconds    int64   `gorm:"column:ban_origin_s;not null;default:0"`
	LastEnrichedSeconds int64   `gorm:"column:last_enriched_s;not null;default:0;index:idx_players_last_enriched"`
	UpdatedAtSeconds    int64   `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "players"
}

func (row Row) toRecord() (Record, error) {
	value, err := strconv.ParseUint(row.SteamID, 10, 64)
	if err != nil {
		return Record{}, err
	}
	visibility := Visibility(row.Visibility)
	switch visibility {
	case VisibilityPublic, VisibilityPrivate, VisibilityNotFound:
	default:
		visibility = VisibilityUnknown
	}
	record := Record{
		SteamID: identity.SteamID(value),
		Cosmetics: Cosmetics{
			Alias:        decodeCosmetic(row.Alias),
			AliasColor:   decodeCosmetic(row.AliasColor),
			NameColor:    decodeCosmetic(row.NameColor),
			PersonaColor: decodeCosmetic(row.PersonaColor),
			CardColor:    decodeCosmetic(row.CardColor),
			IconRef:      decodeCosmetic(row.IconRef),
		},
		PersonaName:     row.PersonaName,
		TimeCreated:     row.TimeCreated,
		AvatarHash:      row.AvatarHash,
		Visibility:      visibility,
		CommunityBanned: row.CommunityBanned,
		VACBans:         row.VACBans,
		GameBans:        row.GameBans,
		EconomyBan:      NormalizeEconomyBan(row.EconomyBan),
		LastBanCheck:    row.LastBanCheckSeconds,
		BanOrigin:       row.BanOriginSeconds,
		LastEnriched:    row.LastEnrichedSeconds,
	}
	if !record.Banned() {
		record.BanOrigin = 0
	}
	return record, nil
}

// mergeRecord builds the row to persist from the incoming record and the stored row, if any.
func mergeRecord(existing *Row, record Record, updatedAt int64) Row {
	row := Row{
		SteamID:             record.SteamID.String(),
		Alias:               encodeCosmetic(record.Alias),
		AliasColor:          encodeCosmetic(record.AliasColor),
		NameColor:           encodeCosmetic(record.NameColor),
		PersonaColor:        encodeCosmetic(record.PersonaColor),
		CardColor:           encodeCosmetic(record.CardColor),
		IconRef:             encodeCosmetic(record.IconRef),
		PersonaName:         record.PersonaName,
		TimeCreated:         record.TimeCreated,
		AvatarHash:          record.AvatarHash,
		Visibility:          string(record.Visibility),
		CommunityBanned:     record.CommunityBanned,
		VACBans:             max(record.VACBans, 0),
		GameBans:            max(record.GameBans, 0),
		EconomyBan:          NormalizeEconomyBan(record.EconomyBan),
		LastBanCheckSeconds: record.LastBanCheck,
		BanOriginSeconds:    record.BanOrigin,
		LastEnrichedSeconds: record.LastEnriched,
		UpdatedAtSeconds:    updatedAt,
	}
	if row.Visibility == "" {
		row.Visibility = string(VisibilityUnknown)
	}

	if existing != nil {
		row.Alias = keepIfUnset(row.Alias, existing.Alias)
		row.AliasColor = keepIfUnset(row.AliasColor, existing.AliasColor)
		row.NameColor = keepIfUnset(row.NameColor, existing.NameColor)
		row.PersonaColor = keepIfUnset(row.PersonaColor, existing.PersonaColor)
		row.CardColor = keepIfUnset(row.CardColor, existing.CardColor)
		row.IconRef = keepIfUnset(row.IconRef, existing.IconRef)
		if existing.LastEnrichedSeconds > row.LastEnrichedSeconds {
			row.LastEnrichedSeconds = existing.LastEnrichedSeconds
		}
		if row.BanOriginSeconds == 0 {
			row.BanOriginSeconds = existing.BanOriginSeconds
		}
	}

	banned := row.VACBans > 0 || row.GameBans > 0 || row.CommunityBanned
	if !banned {
		row.BanOriginSeconds = 0
	}
	return row
}

func applyPatch(row *Row, patch Cosmetics) {
	row.Alias = patchValue(row.Alias, patch.Alias)
	row.AliasColor = patchValue(row.AliasColor, patch.AliasColor)
	row.NameColor = patchValue(row.NameColor, patch.NameColor)
	row.PersonaColor = patchValue(row.PersonaColor, patch.PersonaColor)
	row.CardColor = patchValue(row.CardColor, patch.CardColor)
	row.IconRef = patchValue(row.IconRef, patch.IconRef)
}

func keepIfUnset(incoming, stored *string) *string {
	if incoming != nil {
		return incoming
	}
	return stored
}

func patchValue(stored, patch *string) *string {
	if patch == nil {
		return stored
	}
	return encodeCosmetic(patch)
}
