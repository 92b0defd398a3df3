package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const legacyPlayersSchema = `CREATE TABLE players (
	steam_id TEXT PRIMARY KEY NOT NULL,
	alias TEXT,
	alias_color TEXT,
	persona_name TEXT NOT NULL DEFAULT '',
	economy_ban TEXT NOT NULL DEFAULT 'none',
	vac_bans INTEGER NOT NULL DEFAULT 0,
	game_bans INTEGER NOT NULL DEFAULT 0,
	community_banned NUMERIC NOT NULL DEFAULT 0,
	ban_origin_s INTEGER NOT NULL DEFAULT 0,
	last_ban_check_s INTEGER NOT NULL DEFAULT 0
)`

func openMigrationDatabase(testContext *testing.T) (*gorm.DB, string) {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	return database, databasePath
}

func newTestMigrator(testContext *testing.T, database *gorm.DB, databasePath string) *Migrator {
	testContext.Helper()
	migrator, err := NewMigrator(MigratorConfig{
		Database:     database,
		DatabasePath: databasePath,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build migrator: %v", err)
	}
	return migrator
}

func seedLegacyPlayers(testContext *testing.T, database *gorm.DB) {
	testContext.Helper()
	if err := database.Exec(legacyPlayersSchema).Error; err != nil {
		testContext.Fatalf("failed to create legacy schema: %v", err)
	}
	statements := []string{
		`INSERT INTO players (steam_id, alias, alias_color, persona_name, economy_ban, vac_bans, ban_origin_s, last_ban_check_s) VALUES ('76561197960290419', 'Alias', '0', 'Alice', 'NONE', 1, 0, 1699990000)`,
		`INSERT INTO players (steam_id, alias, alias_color, persona_name, economy_ban, ban_origin_s, last_ban_check_s) VALUES ('76561197960265730', '', NULL, 'Bob', '0', 1600000000, 1)`,
		`INSERT INTO players (steam_id, persona_name) VALUES ('0', 'Zero')`,
		`INSERT INTO players (steam_id, persona_name) VALUES ('not-a-number', 'Garbage')`,
	}
	for _, statement := range statements {
		if err := database.Exec(statement).Error; err != nil {
			testContext.Fatalf("failed to seed legacy rows: %v", err)
		}
	}
}

func TestApplyAllCreatesSchemaOnEmptyDatabase(testContext *testing.T) {
	database, databasePath := openMigrationDatabase(testContext)
	migrator := newTestMigrator(testContext, database, databasePath)
	ctx := context.Background()

	pending, err := migrator.CountPending(ctx)
	if err != nil {
		testContext.Fatalf("count pending failed: %v", err)
	}
	if pending != 2 {
		testContext.Fatalf("expected ledger and players table to be pending, got %d", pending)
	}

	report := migrator.ApplyAll(ctx)
	if err := report.Err(); err != nil {
		testContext.Fatalf("unexpected migration failure: %v", err)
	}
	if !database.Migrator().HasTable(&players.Row{}) {
		testContext.Fatalf("expected players table to exist")
	}
	for _, index := range playerIndexes {
		if !database.Migrator().HasIndex(&players.Row{}, index) {
			testContext.Fatalf("expected index %s to exist", index)
		}
	}
}

func TestApplyAllUpgradesLegacyStore(testContext *testing.T) {
	database, databasePath := openMigrationDatabase(testContext)
	seedLegacyPlayers(testContext, database)
	migrator := newTestMigrator(testContext, database, databasePath)
	ctx := context.Background()

	pending, err := migrator.CountPending(ctx)
	if err != nil {
		testContext.Fatalf("count pending failed: %v", err)
	}
	if pending == 0 {
		testContext.Fatalf("expected pending migrations for a legacy store")
	}

	report := migrator.ApplyAll(ctx)
	if err := report.Err(); err != nil {
		testContext.Fatalf("unexpected migration failure: %v", err)
	}

	var rows []players.Row
	if err := database.Order("steam_id").Find(&rows).Error; err != nil {
		testContext.Fatalf("failed to reload rows: %v", err)
	}
	if len(rows) != 2 {
		testContext.Fatalf("expected invalid ids to be dropped, got %d rows", len(rows))
	}

	bob, alice := rows[0], rows[1]
	if alice.EconomyBan != players.EconomyBanNone || bob.EconomyBan != players.EconomyBanNone {
		testContext.Fatalf("expected economy bans to be normalized, got %q and %q", alice.EconomyBan, bob.EconomyBan)
	}
	if alice.AliasColor == nil || *alice.AliasColor != "none" {
		testContext.Fatalf("expected cleared alias color sentinel, got %v", alice.AliasColor)
	}
	if bob.Alias == nil || *bob.Alias != "none" {
		testContext.Fatalf("expected cleared alias sentinel, got %v", bob.Alias)
	}
	if alice.LastBanCheckSeconds != 0 {
		testContext.Fatalf("expected banned row without origin to be queued for a re-check")
	}
	if bob.BanOriginSeconds != 0 {
		testContext.Fatalf("expected ban origin cleared on a ban-free row, got %d", bob.BanOriginSeconds)
	}
	if alice.Visibility != string(players.VisibilityUnknown) {
		testContext.Fatalf("expected added visibility column default, got %q", alice.Visibility)
	}

	var record migrationRecord
	if err := database.Where("name = ?", ruleNormalizeEconomyBan).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds != 1700000000 {
		testContext.Fatalf("unexpected migration timestamp %d", record.AppliedAtSeconds)
	}
}

func TestApplyAllIsIdempotent(testContext *testing.T) {
	database, databasePath := openMigrationDatabase(testContext)
	seedLegacyPlayers(testContext, database)
	migrator := newTestMigrator(testContext, database, databasePath)
	ctx := context.Background()

	first := migrator.ApplyAll(ctx)
	if err := first.Err(); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	if len(first.Applied()) == 0 {
		testContext.Fatalf("expected the first run to apply rules")
	}

	pending, err := migrator.CountPending(ctx)
	if err != nil {
		testContext.Fatalf("count pending failed: %v", err)
	}
	if pending != 0 {
		testContext.Fatalf("expected nothing pending after migration, got %d", pending)
	}

	second := migrator.ApplyAll(ctx)
	if err := second.Err(); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	if applied := second.Applied(); len(applied) != 0 {
		testContext.Fatalf("expected no rules applied on the second run, got %v", applied)
	}
}

func TestApplyAllContinuesAfterFailingRule(testContext *testing.T) {
	database, databasePath := openMigrationDatabase(testContext)
	migrator := newTestMigrator(testContext, database, databasePath)
	ctx := context.Background()

	ran := false
	migrator.rules = []migrationRule{
		{
			name:  "broken",
			check: func(*gorm.DB) (int64, error) { return 1, nil },
			fix:   func(*gorm.DB) error { return errors.New("boom") },
		},
		{
			name:  "panicking",
			check: func(*gorm.DB) (int64, error) { return 1, nil },
			fix:   func(*gorm.DB) error { panic("unexpected") },
		},
		{
			name:  "healthy",
			check: func(*gorm.DB) (int64, error) { return 1, nil },
			fix: func(*gorm.DB) error {
				ran = true
				return nil
			},
		},
	}

	report := migrator.ApplyAll(ctx)
	if !ran {
		testContext.Fatalf("expected later rule to run after failures")
	}
	if report.Err() == nil {
		testContext.Fatalf("expected report to carry the failures")
	}
	if applied := report.Applied(); len(applied) != 1 || applied[0] != "healthy" {
		testContext.Fatalf("unexpected applied rules %v", applied)
	}
}

func TestRunWritesBackupBeforeMigrating(testContext *testing.T) {
	database, databasePath := openMigrationDatabase(testContext)
	seedLegacyPlayers(testContext, database)
	migrator := newTestMigrator(testContext, database, databasePath)

	report, err := migrator.Run(context.Background(), true)
	if err != nil {
		testContext.Fatalf("run failed: %v", err)
	}
	if err := report.Err(); err != nil {
		testContext.Fatalf("unexpected migration failure: %v", err)
	}

	backupPath := databasePath + ".bak-1700000000"
	if _, err := os.Stat(backupPath); err != nil {
		testContext.Fatalf("expected backup at %s: %v", backupPath, err)
	}
}

func TestBackupRejectsMemoryDatabase(testContext *testing.T) {
	database, err := OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	migrator := newTestMigrator(testContext, database, "file::memory:")
	if _, err := migrator.Backup(context.Background()); !errors.Is(err, errMemoryBackup) {
		testContext.Fatalf("expected memory backup error, got %v", err)
	}
}
