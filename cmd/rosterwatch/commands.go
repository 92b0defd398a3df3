package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/auth"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/database"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/roster"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/server"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/source"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the console log watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := appConfig.RequireControlSecret(); err != nil {
		return err
	}
	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.ControlSigningSecret),
		TokenTTL:      appConfig.ControlTokenTTL,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := server.NewRealtimeDispatcher()
	built, err := openEngine(signalCtx, appConfig, logger, dispatcher)
	if err != nil {
		return err
	}
	defer built.close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:       built.coordinator,
		Directory:    built.store,
		TokenManager: tokenManager,
		Realtime:     dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if appConfig.RosterLogPath != "" {
		watcher, err := source.NewLogWatcher(source.Config{
			Path:     appConfig.RosterLogPath,
			Debounce: appConfig.RosterDebounce,
			Sink:     built.coordinator,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}
	return group.Wait()
}

func newIngestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file]",
		Short: "Enrich a roster dump read from a file or stdin and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				input = file
			}
			text, err := io.ReadAll(input)
			if err != nil {
				return err
			}
			if !roster.LooksLikeRoster(string(text)) {
				return errors.New("input does not look like a roster dump")
			}

			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			notifier := &stderrNotifier{}
			built, err := openEngine(cmd.Context(), appConfig, logger, notifier)
			if err != nil {
				return err
			}
			defer built.close()

			ingestErr := built.coordinator.IngestText(cmd.Context(), string(text))
			if err := writePlayerTable(cmd.OutOrStdout(), built.coordinator.Roster()); err != nil {
				return err
			}
			if summary := notifier.summary(); summary != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), summary)
			}
			return ingestErr
		},
	}
}

func newSearchCommand() *cobra.Command {
	var query players.Query
	cmd := &cobra.Command{
		Use:   "search [term]",
		Short: "Search stored players by alias, persona name or id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				query.Term = args[0]
			}
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			built, err := openEngine(cmd.Context(), appConfig, logger, nil)
			if err != nil {
				return err
			}
			defer built.close()

			records, err := built.store.Search(cmd.Context(), query)
			if err != nil {
				return err
			}
			return writePlayerTable(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().BoolVar(&query.CaseSensitive, "case-sensitive", false, "Match the term case-sensitively")
	cmd.Flags().BoolVar(&query.ExactMatch, "exact", false, "Require whole-field matches")
	cmd.Flags().StringVar(&query.Color, "color", "", "Only players with this cosmetic color")
	cmd.Flags().BoolVar(&query.VACBanned, "vac", false, "Only players with VAC bans")
	cmd.Flags().BoolVar(&query.GameBanned, "game", false, "Only players with game bans")
	cmd.Flags().BoolVar(&query.CommunityBanned, "community", false, "Only community-banned players")
	cmd.Flags().BoolVar(&query.EconomyBanned, "economy", false, "Only players with an economy ban")
	cmd.Flags().IntVar(&query.Limit, "limit", 50, "Maximum results")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	var (
		dryRun   bool
		assumeOK bool
		noBackup bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			migrator, err := database.NewMigrator(database.MigratorConfig{
				Database:     db,
				DatabasePath: appConfig.DatabasePath,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			pending, err := migrator.CountPending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if pending == 0 {
				fmt.Fprintln(out, "store is up to date")
				return nil
			}
			fmt.Fprintf(out, "%d pending migration(s)\n", pending)
			if dryRun {
				return nil
			}
			if !assumeOK && !confirm(cmd.InOrStdin(), out, "Apply now?") {
				return errors.New("migration aborted")
			}
			report, err := migrator.Run(cmd.Context(), !noBackup)
			if err != nil {
				return err
			}
			for _, result := range report.Results {
				status := "ok"
				switch {
				case result.Err != nil:
					status = "failed: " + result.Err.Error()
				case !result.Applied:
					status = "skipped"
				}
				fmt.Fprintf(out, "%-40s %s\n", result.Name, status)
			}
			return report.Err()
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report the number of pending migrations")
	cmd.Flags().BoolVar(&assumeOK, "yes", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Skip the pre-migration backup")
	return cmd
}

func newSetKeyCommand() *cobra.Command {
	var clearKey bool
	cmd := &cobra.Command{
		Use:   "set-key [key]",
		Short: "Store the profile service API key encrypted on this machine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			vault, err := openVault(appConfig, logger)
			if err != nil {
				return err
			}
			if clearKey {
				return vault.Clear()
			}
			secret := ""
			if len(args) == 1 {
				secret = args[0]
			} else {
				secret, err = readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}
			if err := vault.Save(secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "api key saved")
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearKey, "clear", false, "Remove the stored key")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if err := appConfig.RequireControlSecret(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.ControlSigningSecret),
				TokenTTL:      appConfig.ControlTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueControlToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			logger.Info("control token issued", zap.String("subject", subject), zap.Time("expires_at", expiresAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	return cmd
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if file, ok := in.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		fmt.Fprint(prompt, "API key: ")
		secret, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
