package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/gryphonracing/rosterlink/internal/backup"
	"github.com/gryphonracing/rosterlink/internal/config"
	"github.com/gryphonracing/rosterlink/internal/database"
	"github.com/gryphonracing/rosterlink/internal/discord"
	"github.com/gryphonracing/rosterlink/internal/email"
	"github.com/gryphonracing/rosterlink/internal/events"
	"github.com/gryphonracing/rosterlink/internal/handler"
	"github.com/gryphonracing/rosterlink/internal/logging"
	"github.com/gryphonracing/rosterlink/internal/metrics"
	"github.com/gryphonracing/rosterlink/internal/objstore"
	"github.com/gryphonracing/rosterlink/internal/reconcile"
	"github.com/gryphonracing/rosterlink/internal/roster"
	"github.com/gryphonracing/rosterlink/internal/scheduler"
	"github.com/gryphonracing/rosterlink/internal/server"
	"github.com/gryphonracing/rosterlink/internal/store"
	"github.com/gryphonracing/rosterlink/internal/verify"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "restore" {
		err = runRestore(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	records := store.NewVerificationStore(db)
	sessions := store.NewSessionStore(db)
	flags := store.NewFlagStore(db)
	hub := events.NewHub(m, logger.With("component", "events"))
	backupMgr := newBackupManager(cfg.Backup, db, m, func(st backup.Status) {
		hub.Publish(events.NewEvent("backup", string(st.State), st))
	}, logger)

	platform := discord.NewClient(cfg.Discord.Token, cfg.Discord.GuildID,
		discord.WithBaseURL(cfg.Discord.APIBaseURL),
		discord.WithMetrics(m),
		discord.WithLogger(logger),
	)
	roleID := cfg.Discord.VerifiedRoleID
	if roleID == 0 {
		if roleID, err = platform.RoleIDByName(ctx, cfg.Discord.VerifiedRoleName); err != nil {
			return fmt.Errorf("resolve verified role: %w", err)
		}
	}
	logger.Info("verified role resolved", "role_id", roleID)

	mailer, err := newMailer(cfg.Email)
	if err != nil {
		return err
	}

	importer := roster.NewImporter(db, records, newRosterSource(cfg.Roster), m, logger)
	engine := reconcile.NewEngine(records, flags, platform, roleID, m, logger)
	verifier := verify.NewService(db, records, sessions, platform, mailer, engine, verify.Config{
		RoleID:       roleID,
		EmailDomain:  cfg.Verify.EmailDomain,
		SessionTTL:   cfg.Verify.SessionTTL,
		DMRatePerMin: cfg.Verify.DMRatePerMin,
		LogChannelID: cfg.Discord.LogChannelID,
	}, m, logger)

	if _, err := importer.Import(ctx); err != nil {
		logger.Warn("initial roster import failed", "error", err)
	}

	gateway := discord.NewGateway(cfg.Discord.GatewayURL, cfg.Discord.Token, cfg.Discord.GuildID, discord.Handlers{
		DirectMessage: func(ctx context.Context, dm discord.DirectMessage) {
			err := verifier.HandleDirectMessage(ctx, verify.Message{AccountID: dm.AuthorID, Content: dm.Content, Bot: dm.Bot})
			if err != nil {
				logger.Error("handle direct message", "account_id", dm.AuthorID, "error", err)
			}
		},
		MemberJoin: func(ctx context.Context, j discord.MemberJoin) {
			if err := verifier.Welcome(ctx, j.AccountID, j.Bot); err != nil {
				logger.Error("welcome member", "account_id", j.AccountID, "error", err)
			}
		},
	}, logger, discord.WithGatewayMetrics(m))

	adminH := handler.NewAdminHandler(db, records, flags, engine, importer, verifier, hub, logger.With("component", "admin"))
	backupH := handler.NewBackupHandler(backupMgr, store.NewBackupStore(db), logger.With("component", "backup"))
	srv := server.New(adminH, backupH, hub, m, cfg.AdminTokenHash, logger)

	sched := scheduler.New(logger)
	sched.Every("roster-import", cfg.Roster.ImportInterval, func(ctx context.Context) error {
		res, err := importer.Import(ctx)
		if err != nil {
			return err
		}
		hub.Publish(events.NewEvent("roster", "imported", res))
		return nil
	})
	sched.Every("http-limiter-cleanup", 5*time.Minute, func(ctx context.Context) error {
		srv.RateLimiter().Cleanup(10 * time.Minute)
		return nil
	})
	if err := sched.Cron("reconcile", cfg.Schedule.ReconcileCron, func(ctx context.Context) error {
		report, err := engine.RunAll(ctx)
		if err != nil {
			return err
		}
		hub.Publish(events.NewEvent("reconcile", "finished", report))
		return nil
	}); err != nil {
		return err
	}
	if err := sched.Cron("session-sweep", cfg.Schedule.SessionSweepCron, func(ctx context.Context) error {
		n, err := verifier.SweepExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			hub.Publish(events.NewEvent("session", "swept", map[string]int64{"expired": n}))
		}
		return nil
	}); err != nil {
		return err
	}
	if backupMgr.Enabled() {
		if err := sched.Cron("backup", cfg.Backup.Cron, backupMgr.RunAndCleanup); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.Run(ctx)
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runRestore downloads and decrypts a stored snapshot into dest. The live
// database is left untouched; swap the file in while the bot is stopped.
func runRestore(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: rosterlink restore <backup-id> <dest-path>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid backup id %q", args[0])
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := newBackupManager(cfg.Backup, db, nil, nil, logger)
	if err := mgr.Restore(ctx, id, args[1]); err != nil {
		return err
	}
	logger.Info("backup restored", "id", id, "dest", args[1])
	return nil
}

func newBackupManager(cfg config.Backup, db *sql.DB, m *metrics.Metrics, callback backup.StatusCallback, logger *slog.Logger) *backup.Manager {
	return backup.NewManager(backup.Config{
		S3: objstore.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		},
		Bucket:        cfg.S3Bucket,
		Prefix:        cfg.S3Prefix,
		Passphrase:    cfg.Passphrase,
		RetentionDays: cfg.RetentionDays,
	}, db, store.NewBackupStore(db), m, callback, logger)
}

func newMailer(cfg config.Email) (verify.Mailer, error) {
	switch cfg.Provider {
	case "smtp":
		return email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.From, cfg.SMTPUsername, cfg.SMTPPassword), nil
	case "postmark":
		return email.NewClient(cfg.PostmarkToken, cfg.From, email.WithBaseURL(cfg.PostmarkURL)), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

func newRosterSource(cfg config.Roster) roster.Source {
	if cfg.UseS3() {
		return roster.NewS3Source(roster.S3Config{
			Config: objstore.Config{
				Endpoint:  cfg.S3Endpoint,
				Region:    cfg.S3Region,
				AccessKey: cfg.S3AccessKey,
				SecretKey: cfg.S3SecretKey,
			},
			Bucket: cfg.S3Bucket,
			Key:    cfg.S3Key,
		})
	}
	return roster.FileSource{Path: cfg.Path}
}
