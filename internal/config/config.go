package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"

	"github.com/gryphonracing/rosterlink/internal/validate"
)

// Config is everything the binary reads from the environment.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	DBPath    string `env:"DB_PATH"   envDefault:"rosterlink.db" validate:"required"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080" validate:"required"`

	// AdminTokenHash is a bcrypt hash. Empty disables the admin routes.
	AdminTokenHash string `env:"ADMIN_TOKEN_HASH"`

	Discord  Discord
	Verify   Verify
	Roster   Roster
	Schedule Schedule
	Email    Email
	Backup   Backup
}

type Discord struct {
	Token            string `env:"DISCORD_TOKEN"          validate:"required"`
	GuildID          uint64 `env:"GUILD_ID"               validate:"required"`
	VerifiedRoleName string `env:"VERIFIED_ROLE_NAME"     envDefault:"Verified"`
	VerifiedRoleID   uint64 `env:"VERIFIED_ROLE_ID"`
	LogChannelID     uint64 `env:"VERIFY_LOG_CHANNEL_ID"`
	APIBaseURL       string `env:"DISCORD_API_URL"        envDefault:"https://discord.com/api/v10" validate:"url"`
	GatewayURL       string `env:"DISCORD_GATEWAY_URL"    envDefault:"wss://gateway.discord.gg/?v=10&encoding=json"`
}

type Verify struct {
	EmailDomain  string        `env:"VERIFY_EMAIL_DOMAIN"       envDefault:"uoguelph.ca" validate:"required,hostname"`
	SessionTTL   time.Duration `env:"VERIFY_SESSION_TTL"        envDefault:"300s" validate:"gt=0"`
	DMRatePerMin int           `env:"VERIFY_DM_RATE_PER_MINUTE" envDefault:"15" validate:"min=1"`
}

type Roster struct {
	Path           string        `env:"ROSTER_PATH"            envDefault:"roster.xlsx"`
	S3Bucket       string        `env:"ROSTER_S3_BUCKET"`
	S3Key          string        `env:"ROSTER_S3_KEY"`
	S3Endpoint     string        `env:"ROSTER_S3_ENDPOINT"`
	S3Region       string        `env:"ROSTER_S3_REGION"       envDefault:"us-east-1"`
	S3AccessKey    string        `env:"ROSTER_S3_ACCESS_KEY"`
	S3SecretKey    string        `env:"ROSTER_S3_SECRET_KEY"`
	ImportInterval time.Duration `env:"ROSTER_IMPORT_INTERVAL" envDefault:"15m" validate:"gt=0"`
}

// UseS3 reports whether the snapshot comes from object storage.
func (r Roster) UseS3() bool {
	return r.S3Bucket != "" && r.S3Key != ""
}

type Schedule struct {
	ReconcileCron    string `env:"RECONCILE_CRON"     envDefault:"0 0 * * *"`
	SessionSweepCron string `env:"SESSION_SWEEP_CRON" envDefault:"*/15 * * * *"`
}

type Email struct {
	Provider      string `env:"EMAIL_PROVIDER"  envDefault:"postmark" validate:"oneof=postmark smtp"`
	From          string `env:"EMAIL_FROM"      envDefault:"verify@gryphonracing.ca" validate:"email"`
	PostmarkToken string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkURL   string `env:"POSTMARK_API_URL" envDefault:"https://api.postmarkapp.com"`
	SMTPHost      string `env:"SMTP_HOST"`
	SMTPPort      int    `env:"SMTP_PORT"       envDefault:"587"`
	SMTPUsername  string `env:"SMTP_USERNAME"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`
}

// Backup configures encrypted database snapshots. An empty bucket disables them.
type Backup struct {
	S3Bucket      string `env:"BACKUP_S3_BUCKET"`
	S3Prefix      string `env:"BACKUP_S3_PREFIX"      envDefault:"rosterlink/"`
	S3Endpoint    string `env:"BACKUP_S3_ENDPOINT"`
	S3Region      string `env:"BACKUP_S3_REGION"      envDefault:"us-east-1"`
	S3AccessKey   string `env:"BACKUP_S3_ACCESS_KEY"`
	S3SecretKey   string `env:"BACKUP_S3_SECRET_KEY"`
	Passphrase    string `env:"BACKUP_PASSPHRASE"`
	Cron          string `env:"BACKUP_CRON"           envDefault:"30 3 * * *"`
	RetentionDays int    `env:"BACKUP_RETENTION_DAYS" envDefault:"30" validate:"min=1"`
}

func (b Backup) Enabled() bool {
	return b.S3Bucket != ""
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Verify.EmailDomain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.Verify.EmailDomain), "@"))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field tags and the cross-field rules tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if !c.Roster.UseS3() && c.Roster.Path == "" {
		errs = append(errs, errors.New("ROSTER_PATH or ROSTER_S3_BUCKET and ROSTER_S3_KEY must be set"))
	}
	if (c.Roster.S3Bucket == "") != (c.Roster.S3Key == "") {
		errs = append(errs, errors.New("ROSTER_S3_BUCKET and ROSTER_S3_KEY must be set together"))
	}
	switch c.Email.Provider {
	case "postmark":
		if c.Email.PostmarkToken == "" {
			errs = append(errs, errors.New("POSTMARK_SERVER_TOKEN is required for the postmark provider"))
		}
	case "smtp":
		if c.Email.SMTPHost == "" {
			errs = append(errs, errors.New("SMTP_HOST is required for the smtp provider"))
		}
	}
	if c.Backup.Enabled() && c.Backup.Passphrase == "" {
		errs = append(errs, errors.New("BACKUP_PASSPHRASE is required when BACKUP_S3_BUCKET is set"))
	}
	for name, spec := range map[string]string{
		"RECONCILE_CRON":     c.Schedule.ReconcileCron,
		"SESSION_SWEEP_CRON": c.Schedule.SessionSweepCron,
		"BACKUP_CRON":        c.Backup.Cron,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
