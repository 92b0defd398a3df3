package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ruleCreateLedger           = "2026-10-01_create_migration_ledger"
	ruleCreatePlayersTable     = "2026-10-01_create_players_table"
	ruleAddPlayerColumns       = "2026-10-01_add_missing_player_columns"
	ruleCreatePlayerIndexes    = "2026-10-01_create_player_indexes"
	ruleDropInvalidSteamIDs    = "2026-10-02_drop_invalid_steam_ids"
	ruleNormalizeEconomyBan    = "2026-10-02_normalize_economy_ban"
	ruleNormalizeClearedFields = "2026-10-02_normalize_cleared_cosmetics"
	ruleRepairBanOrigin        = "2026-10-05_repair_ban_origin"
)

var (
	errMissingDatabase = errors.New("database: database handle is required")
	errMemoryBackup    = errors.New("database: backup requires a file database")

	playerIndexes    = []string{"idx_players_persona_name", "idx_players_last_enriched"}
	cosmeticColumns  = []string{"alias", "alias_color", "name_color", "persona_color", "card_color", "icon_ref"}
	economySentinels = "(TRIM(economy_ban) = '' OR TRIM(economy_ban) = '0' OR LOWER(TRIM(economy_ban)) = 'none')"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// migrationRule pairs a check that counts what needs fixing with an idempotent fix.
type migrationRule struct {
	name  string
	check func(*gorm.DB) (int64, error)
	fix   func(*gorm.DB) error
}

// RuleResult captures the outcome of one rule during ApplyAll.
type RuleResult struct {
	Name    string
	Pending int64
	Applied bool
	Err     error
}

// Report summarizes an ApplyAll run.
type Report struct {
	Results []RuleResult
}

// Applied lists the names of rules whose fix ran successfully.
func (r Report) Applied() []string {
	names := make([]string, 0, len(r.Results))
	for _, result := range r.Results {
		if result.Applied {
			names = append(names, result.Name)
		}
	}
	return names
}

// Err joins every rule failure, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, result := range r.Results {
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", result.Name, result.Err))
		}
	}
	return errors.Join(errs...)
}

type MigratorConfig struct {
	Database     *gorm.DB
	DatabasePath string
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Migrator keeps the store's schema and data shape current.
type Migrator struct {
	db     *gorm.DB
	path   string
	clock  func() time.Time
	logger *zap.Logger
	rules  []migrationRule
}

func NewMigrator(cfg MigratorConfig) (*Migrator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		db:     cfg.Database,
		path:   cfg.DatabasePath,
		clock:  clock,
		logger: logger,
		rules:  defaultRules(),
	}, nil
}

func defaultRules() []migrationRule {
	return []migrationRule{
		{name: ruleCreateLedger, check: checkMissingTable(&migrationRecord{}), fix: createTable(&migrationRecord{})},
		{name: ruleCreatePlayersTable, check: checkMissingTable(&players.Row{}), fix: createTable(&players.Row{})},
		{name: ruleAddPlayerColumns, check: checkMissingColumns, fix: addMissingColumns},
		{name: ruleCreatePlayerIndexes, check: checkMissingIndexes, fix: createMissingIndexes},
		{name: ruleDropInvalidSteamIDs, check: countPlayers(invalidSteamIDCondition()), fix: dropInvalidSteamIDs},
		{name: ruleNormalizeEconomyBan, check: countPlayers("economy_ban <> 'none' AND " + economySentinels), fix: normalizeEconomyBan},
		{name: ruleNormalizeClearedFields, check: countPlayers(clearedCosmeticCondition()), fix: normalizeClearedCosmetics},
		{name: ruleRepairBanOrigin, check: countPlayers(banOriginMismatchCondition()), fix: repairBanOrigin},
	}
}

// CountPending returns how many schema items and rows the rule set would touch.
func (m *Migrator) CountPending(ctx context.Context) (int64, error) {
	db := m.db.WithContext(ctx)
	var total int64
	for _, rule := range m.rules {
		pending, err := rule.check(db)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", rule.name, err)
		}
		total += pending
	}
	return total, nil
}

// ApplyAll runs every rule whose check reports pending work, in order. A failing rule
// is logged and reported; later rules still run.
func (m *Migrator) ApplyAll(ctx context.Context) Report {
	db := m.db.WithContext(ctx)
	report := Report{Results: make([]RuleResult, 0, len(m.rules))}
	for _, rule := range m.rules {
		result := RuleResult{Name: rule.name}
		pending, err := rule.check(db)
		if err != nil {
			result.Err = err
			m.logger.Warn("database migration check failed", zap.String("migration", rule.name), zap.Error(err))
			report.Results = append(report.Results, result)
			continue
		}
		result.Pending = pending
		if pending == 0 {
			report.Results = append(report.Results, result)
			continue
		}
		if err := runFix(db, rule); err != nil {
			result.Err = err
			m.logger.Warn("database migration failed", zap.String("migration", rule.name), zap.Error(err))
			report.Results = append(report.Results, result)
			continue
		}
		result.Applied = true
		m.stamp(db, rule.name)
		m.logger.Info("database migration applied",
			zap.String("migration", rule.name),
			zap.Int64("pending", pending))
		report.Results = append(report.Results, result)
	}
	return report
}

// Backup copies the database aside with VACUUM INTO and returns the copy's path.
func (m *Migrator) Backup(ctx context.Context) (string, error) {
	if strings.TrimSpace(m.path) == "" || isMemoryPath(m.path) {
		return "", errMemoryBackup
	}
	target := fmt.Sprintf("%s.bak-%d", m.path, m.clock().UTC().Unix())
	if err := m.db.WithContext(ctx).Exec("VACUUM INTO ?", target).Error; err != nil {
		return "", fmt.Errorf("database: backup failed: %w", err)
	}
	m.logger.Info("database backup written", zap.String("path", target))
	return target, nil
}

// Run applies pending migrations, taking a backup first when requested.
func (m *Migrator) Run(ctx context.Context, backup bool) (Report, error) {
	pending, err := m.CountPending(ctx)
	if err != nil {
		return Report{}, err
	}
	if pending == 0 {
		return Report{}, nil
	}
	if backup {
		if _, err := m.Backup(ctx); err != nil && !errors.Is(err, errMemoryBackup) {
			return Report{}, err
		}
	}
	report := m.ApplyAll(ctx)
	return report, nil
}

func (m *Migrator) stamp(db *gorm.DB, name string) {
	if !db.Migrator().HasTable(&migrationRecord{}) {
		return
	}
	record := migrationRecord{Name: name, AppliedAtSeconds: m.clock().UTC().Unix()}
	if err := db.Save(&record).Error; err != nil {
		m.logger.Warn("database migration stamp failed", zap.String("migration", name), zap.Error(err))
	}
}

func runFix(db *gorm.DB, rule migrationRule) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("migration panicked: %v", recovered)
		}
	}()
	return db.Transaction(func(tx *gorm.DB) error {
		return rule.fix(tx)
	})
}

func checkMissingTable(model any) func(*gorm.DB) (int64, error) {
	return func(db *gorm.DB) (int64, error) {
		if db.Migrator().HasTable(model) {
			return 0, nil
		}
		return 1, nil
	}
}

func createTable(model any) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		if db.Migrator().HasTable(model) {
			return nil
		}
		return db.Migrator().CreateTable(model)
	}
}

func playerColumns(db *gorm.DB) ([]string, error) {
	statement := &gorm.Statement{DB: db}
	if err := statement.Parse(&players.Row{}); err != nil {
		return nil, err
	}
	return statement.Schema.DBNames, nil
}

func missingPlayerColumns(db *gorm.DB) ([]string, error) {
	if !db.Migrator().HasTable(&players.Row{}) {
		return nil, nil
	}
	columns, err := playerColumns(db)
	if err != nil {
		return nil, err
	}
	missing := make([]string, 0)
	for _, column := range columns {
		if !db.Migrator().HasColumn(&players.Row{}, column) {
			missing = append(missing, column)
		}
	}
	return missing, nil
}

func checkMissingColumns(db *gorm.DB) (int64, error) {
	missing, err := missingPlayerColumns(db)
	return int64(len(missing)), err
}

func addMissingColumns(db *gorm.DB) error {
	missing, err := missingPlayerColumns(db)
	if err != nil {
		return err
	}
	for _, column := range missing {
		if err := db.Migrator().AddColumn(&players.Row{}, column); err != nil {
			return fmt.Errorf("add column %s: %w", column, err)
		}
	}
	return nil
}

func missingPlayerIndexes(db *gorm.DB) []string {
	if !db.Migrator().HasTable(&players.Row{}) {
		return nil
	}
	missing := make([]string, 0, len(playerIndexes))
	for _, index := range playerIndexes {
		if !db.Migrator().HasIndex(&players.Row{}, index) {
			missing = append(missing, index)
		}
	}
	return missing
}

func checkMissingIndexes(db *gorm.DB) (int64, error) {
	return int64(len(missingPlayerIndexes(db))), nil
}

func createMissingIndexes(db *gorm.DB) error {
	for _, index := range missingPlayerIndexes(db) {
		if err := db.Migrator().CreateIndex(&players.Row{}, index); err != nil {
			return fmt.Errorf("create index %s: %w", index, err)
		}
	}
	return nil
}

// countPlayers counts rows matching condition, treating a missing table or column as nothing to do.
func countPlayers(condition string) func(*gorm.DB) (int64, error) {
	return func(db *gorm.DB) (int64, error) {
		if !db.Migrator().HasTable(&players.Row{}) {
			return 0, nil
		}
		if missing, err := missingPlayerColumns(db); err != nil || len(missing) > 0 {
			return 0, err
		}
		var count int64
		err := db.Model(&players.Row{}).Where(condition).Count(&count).Error
		return count, err
	}
}

func invalidSteamIDCondition() string {
	return fmt.Sprintf("(steam_id = '' OR steam_id GLOB '*[^0-9]*' OR CAST(steam_id AS INTEGER) < %d)", identity.Base)
}

func dropInvalidSteamIDs(db *gorm.DB) error {
	return db.Where(invalidSteamIDCondition()).Delete(&players.Row{}).Error
}

func normalizeEconomyBan(db *gorm.DB) error {
	return db.Model(&players.Row{}).
		Where("economy_ban <> 'none' AND " + economySentinels).
		Update("economy_ban", players.EconomyBanNone).Error
}

func clearedCosmeticColumnCondition(column string) string {
	return fmt.Sprintf("(%[1]s IS NOT NULL AND %[1]s <> 'none' AND (TRIM(%[1]s) = '' OR TRIM(%[1]s) = '0' OR LOWER(TRIM(%[1]s)) = 'none'))", column)
}

func clearedCosmeticCondition() string {
	parts := make([]string, 0, len(cosmeticColumns))
	for _, column := range cosmeticColumns {
		parts = append(parts, clearedCosmeticColumnCondition(column))
	}
	return strings.Join(parts, " OR ")
}

func normalizeClearedCosmetics(db *gorm.DB) error {
	for _, column := range cosmeticColumns {
		if err := db.Model(&players.Row{}).
			Where(clearedCosmeticColumnCondition(column)).
			Update(column, "none").Error; err != nil {
			return fmt.Errorf("normalize %s: %w", column, err)
		}
	}
	return nil
}

const (
	banFreeCondition = "vac_bans = 0 AND game_bans = 0 AND community_banned = 0"
	bannedCondition  = "(vac_bans > 0 OR game_bans > 0 OR community_banned <> 0)"
)

func banOriginMismatchCondition() string {
	return "(ban_origin_s <> 0 AND " + banFreeCondition + ") OR (ban_origin_s = 0 AND last_ban_check_s <> 0 AND " + bannedCondition + ")"
}

// repairBanOrigin clears origins on ban-free rows and forces a ban re-check for banned
// rows that never recorded when the ban happened.
func repairBanOrigin(db *gorm.DB) error {
	if err := db.Model(&players.Row{}).
		Where("ban_origin_s <> 0 AND " + banFreeCondition).
		Update("ban_origin_s", 0).Error; err != nil {
		return err
	}
	return db.Model(&players.Row{}).
		Where("ban_origin_s = 0 AND last_ban_check_s <> 0 AND " + bannedCondition).
		Update("last_ban_check_s", 0).Error
}
