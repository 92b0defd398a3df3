package players

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxSearchResults bounds the number of rows a search may return.
const MaxSearchResults = 2000

var (
	// ErrPersistence marks any failure to read or write the player store.
	ErrPersistence = errors.New("players: persistence error")
	// ErrInvalidRecord indicates a record without a usable canonical id.
	ErrInvalidRecord = errors.New("players: invalid record")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew       = "players.store.new"
	opGet            = "players.get"
	opUpsert         = "players.upsert"
	opUpdateCosmetic = "players.update_cosmetics"
	opSearch         = "players.search"
	opDelete         = "players.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: fmt.Errorf("%w: %w", ErrPersistence, cause)}
}

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists player records keyed by canonical id.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Get returns the stored record, reporting false when the id is unknown.
func (s *Store) Get(ctx context.Context, steamID identity.SteamID) (Record, bool, error) {
	var row Row
	err := s.db.WithContext(ctx).
		Where("steam_id = ?", steamID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("steam_id", steamID.String()))
		return Record{}, false, newServiceError(opGet, "select_failed", err)
	}
	record, err := row.toRecord()
	if err != nil {
		s.logError(opGet, "decode_failed", err, zap.String("steam_id", row.SteamID))
		return Record{}, false, newServiceError(opGet, "decode_failed", err)
	}
	return record, true, nil
}

// Upsert writes the record. Profile and ban columns are replaced; cosmetic fields left
// nil keep their stored values and LastEnriched never moves backwards.
func (s *Store) Upsert(ctx context.Context, record Record) error {
	if record.SteamID == 0 {
		return newServiceError(opUpsert, "missing_steam_id", ErrInvalidRecord)
	}
	updatedAt := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Row
		var existingPtr *Row
		err := tx.Where("steam_id = ?", record.SteamID.String()).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			existingPtr = nil
		case err != nil:
			return newServiceError(opUpsert, "select_failed", err)
		default:
			existingPtr = &existing
		}

		merged := mergeRecord(existingPtr, record, updatedAt)
		if existingPtr != nil && sameContent(existing, merged) {
			return nil
		}
		if err := tx.Save(&merged).Error; err != nil {
			return newServiceError(opUpsert, "save_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opUpsert, "transaction_failed", err, zap.String("steam_id", record.SteamID.String()))
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return err
		}
		return newServiceError(opUpsert, "transaction_failed", err)
	}
	return nil
}

// UpdateCosmetics applies a cosmetic patch with read-modify-write semantics and
// returns the resulting record. Unknown ids get a fresh row.
func (s *Store) UpdateCosmetics(ctx context.Context, steamID identity.SteamID, patch Cosmetics) (Record, error) {
	if !steamID.Valid() {
		return Record{}, newServiceError(opUpdateCosmetic, "invalid_steam_id", ErrInvalidRecord)
	}
	var result Row
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Row{
			SteamID:    steamID.String(),
			Visibility: string(VisibilityUnknown),
			EconomyBan: EconomyBanNone,
		}
		err := tx.Where("steam_id = ?", steamID.String()).Take(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateCosmetic, "select_failed", err)
		}
		applyPatch(&row, patch)
		row.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&row).Error; err != nil {
			return newServiceError(opUpdateCosmetic, "save_failed", err)
		}
		result = row
		return nil
	})
	if err != nil {
		s.logError(opUpdateCosmetic, "transaction_failed", err, zap.String("steam_id", steamID.String()))
		return Record{}, err
	}
	record, err := result.toRecord()
	if err != nil {
		return Record{}, newServiceError(opUpdateCosmetic, "decode_failed", err)
	}
	return record, nil
}

// Query filters a store search. Ban filters are AND-combined with the term match.
type Query struct {
	Term            string
	CaseSensitive   bool
	ExactMatch      bool
	Color           string
	VACBanned       bool
	GameBanned      bool
	CommunityBanned bool
	EconomyBanned   bool
	Limit           int
}

// Search matches the term against alias, persona name and id.
func (s *Store) Search(ctx context.Context, query Query) ([]Record, error) {
	statement := s.db.WithContext(ctx).Model(&Row{})

	if term := strings.TrimSpace(query.Term); term != "" {
		clause, args := termClause(term, query.CaseSensitive, query.ExactMatch)
		statement = statement.Where(clause, args...)
	}
	if color := strings.ToLower(strings.TrimSpace(query.Color)); color != "" {
		statement = statement.Where(
			"(LOWER(alias_color) = ? OR LOWER(name_color) = ? OR LOWER(persona_color) = ? OR LOWER(card_color) = ?)",
			color, color, color, color)
	}
	if query.VACBanned {
		statement = statement.Where("vac_bans > 0")
	}
	if query.GameBanned {
		statement = statement.Where("game_bans > 0")
	}
	if query.CommunityBanned {
		statement = statement.Where("community_banned = ?", true)
	}
	if query.EconomyBanned {
		statement = statement.Where("economy_ban <> ?", EconomyBanNone)
	}

	limit := query.Limit
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}

	var rows []Row
	if err := statement.
		Order("last_enriched_s DESC").
		Order("steam_id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		s.logError(opSearch, "query_failed", err, zap.String("term", query.Term))
		return nil, newServiceError(opSearch, "query_failed", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			s.logError(opSearch, "decode_failed", err, zap.String("steam_id", row.SteamID))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Delete removes a stored record. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, steamID identity.SteamID) error {
	if err := s.db.WithContext(ctx).
		Where("steam_id = ?", steamID.String()).
		Delete(&Row{}).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("steam_id", steamID.String()))
		return newServiceError(opDelete, "delete_failed", err)
	}
	return nil
}

func termClause(term string, caseSensitive, exact bool) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if steamID, err := identity.ToCanonical(term); err == nil {
		clauses = append(clauses, "steam_id = ?")
		args = append(args, steamID.String())
	}

	switch {
	case exact && caseSensitive:
		clauses = append(clauses, "alias = ?", "persona_name = ?", "steam_id = ?")
		args = append(args, term, term, term)
	case exact:
		clauses = append(clauses, "LOWER(alias) = LOWER(?)", "LOWER(persona_name) = LOWER(?)", "steam_id = ?")
		args = append(args, term, term, term)
	case caseSensitive:
		clauses = append(clauses,
			"(alias <> 'none' AND instr(alias, ?) > 0)",
			"instr(persona_name, ?) > 0",
			"instr(steam_id, ?) > 0")
		args = append(args, term, term, term)
	default:
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		clauses = append(clauses,
			`(alias <> 'none' AND LOWER(alias) LIKE ? ESCAPE '\')`,
			`LOWER(persona_name) LIKE ? ESCAPE '\'`,
			`steam_id LIKE ? ESCAPE '\'`)
		args = append(args, pattern, pattern, pattern)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func sameContent(stored, merged Row) bool {
	merged.UpdatedAtSeconds = stored.UpdatedAtSeconds
	return stored.SteamID == merged.SteamID &&
		equalPtr(stored.Alias, merged.Alias) &&
		equalPtr(stored.AliasColor, merged.AliasColor) &&
		equalPtr(stored.NameColor, merged.NameColor) &&
		equalPtr(stored.PersonaColor, merged.PersonaColor) &&
		equalPtr(stored.CardColor, merged.CardColor) &&
		equalPtr(stored.IconRef, merged.IconRef) &&
		stored.PersonaName == merged.PersonaName &&
		stored.TimeCreated == merged.TimeCreated &&
		stored.AvatarHash == merged.AvatarHash &&
		stored.Visibility == merged.Visibility &&
		stored.CommunityBanned == merged.CommunityBanned &&
		stored.VACBans == merged.VACBans &&
		stored.GameBans == merged.GameBans &&
		stored.EconomyBan == merged.EconomyBan &&
		stored.LastBanCheckSeconds == merged.LastBanCheckSeconds &&
		stored.BanOriginSeconds == merged.BanOriginSeconds &&
		stored.LastEnrichedSeconds == merged.LastEnrichedSeconds
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("player store error", attrs...)
}
