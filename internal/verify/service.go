package verify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gryphonracing/rosterlink/internal/metrics"
	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/notice"
	"github.com/gryphonracing/rosterlink/internal/reconcile"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
	"github.com/gryphonracing/rosterlink/internal/store"
	"github.com/gryphonracing/rosterlink/internal/validate"
)

// Platform is the subset of the community platform the state machine uses.
type Platform interface {
	// GetMember returns nil, nil when the account is not a member.
	GetMember(ctx context.Context, accountID uint64) (*model.Member, error)
	IsMember(ctx context.Context, accountID uint64) (bool, error)
	AddRole(ctx context.Context, accountID, roleID uint64) error
	SendDirectMessage(ctx context.Context, accountID uint64, content string) error
	SendChannelMessage(ctx context.Context, channelID uint64, content string) error
}

// Mailer delivers a verification code to a mailbox.
type Mailer interface {
	SendCode(ctx context.Context, to string, code uint64) error
}

// Reconciler runs a targeted reconciliation after a link changes.
type Reconciler interface {
	RunAccounts(ctx context.Context, accountIDs []uint64) (reconcile.Report, error)
}

// Message is an inbound direct message.
type Message struct {
	AccountID uint64
	Content   string
	Bot       bool
}

type Config struct {
	RoleID       uint64
	EmailDomain  string
	SessionTTL   time.Duration
	DMRatePerMin int
	LogChannelID uint64
}

// Service drives the verification session state machine:
// Absent -> Pending on a valid email, Pending -> Verified on the right code,
// Pending -> Absent on quit, and Pending -> Expired once the TTL has passed.
type Service struct {
	db         *sql.DB
	records    *store.VerificationStore
	sessions   *store.SessionStore
	platform   Platform
	mailer     Mailer
	reconciler Reconciler
	cfg        Config
	limiter    *dmLimiter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	now     func() time.Time
	newCode func() (uint64, error)
}

func NewService(db *sql.DB, records *store.VerificationStore, sessions *store.SessionStore, platform Platform, mailer Mailer, reconciler Reconciler, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = model.DefaultSessionTTL
	}
	if cfg.DMRatePerMin <= 0 {
		cfg.DMRatePerMin = 15
	}
	cfg.EmailDomain = strings.ToLower(strings.TrimPrefix(cfg.EmailDomain, "@"))
	return &Service{
		db:         db,
		records:    records,
		sessions:   sessions,
		platform:   platform,
		mailer:     mailer,
		reconciler: reconciler,
		cfg:        cfg,
		limiter:    newDMLimiter(cfg.DMRatePerMin),
		metrics:    m,
		logger:     logger.With("component", "verify"),
		now:        func() time.Time { return time.Now().UTC() },
		newCode:    generateCode,
	}
}

var errNoActiveSession = errors.New("no active session")

// HandleDirectMessage advances the sender's session. User-facing problems are
// answered by DM and return nil; a non-nil error means a storage or platform
// failure the caller should log.
func (s *Service) HandleDirectMessage(ctx context.Context, msg Message) error {
	if msg.Bot || msg.AccountID == 0 {
		return nil
	}
	now := s.now()
	if !s.limiter.allow(msg.AccountID, now) {
		s.metrics.DMDropped()
		s.logger.Debug("direct message rate limited", "account_id", msg.AccountID)
		return nil
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}

	sess, err := s.sessions.GetByAccount(ctx, msg.AccountID)
	if err != nil {
		s.reply(ctx, msg.AccountID, notice.TryAgainLater())
		return fmt.Errorf("load session: %w", err)
	}

	if sess != nil && sess.Expired(now, s.cfg.SessionTTL) {
		if _, err := s.sessions.DeleteMatching(ctx, sess.Email, sess.AccountID, sess.Code); err != nil {
			s.reply(ctx, msg.AccountID, notice.TryAgainLater())
			return fmt.Errorf("delete expired session: %w", err)
		}
		s.metrics.SessionEvent("expired")
		if !validate.Email(model.NormalizeEmail(content)) {
			s.reply(ctx, msg.AccountID, notice.Expired())
			return nil
		}
		sess = nil
	}

	switch {
	case sess == nil && isCode(content):
		s.reply(ctx, msg.AccountID, notice.NoActiveSession())
		return nil
	case sess == nil:
		return s.issue(ctx, msg.AccountID, content)
	case isCancel(content):
		return s.cancel(ctx, msg.AccountID)
	default:
		return s.confirm(ctx, sess, content)
	}
}

// isCode reports whether content looks like a code rather than an email.
func isCode(content string) bool {
	_, err := strconv.ParseUint(content, 10, 64)
	return err == nil
}

func isCancel(content string) bool {
	return strings.EqualFold(content, "quit") || strings.EqualFold(content, "cancel")
}

func (s *Service) issue(ctx context.Context, accountID uint64, content string) error {
	isMember, err := s.platform.IsMember(ctx, accountID)
	if err != nil {
		s.reply(ctx, accountID, notice.TryAgainLater())
		return fmt.Errorf("check membership: %w", err)
	}
	if !isMember {
		s.reply(ctx, accountID, notice.NotMember())
		return nil
	}

	email := model.NormalizeEmail(content)
	if !validate.Email(email) {
		s.metrics.SessionEvent("invalid_email")
		s.reply(ctx, accountID, notice.InvalidEmail())
		return nil
	}
	if !strings.HasSuffix(email, "@"+s.cfg.EmailDomain) {
		s.metrics.SessionEvent("invalid_email")
		s.reply(ctx, accountID, notice.WrongDomain(s.cfg.EmailDomain, email))
		return nil
	}

	rec, err := s.records.Get(ctx, email)
	if err != nil {
		s.reply(ctx, accountID, notice.TryAgainLater())
		return fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		s.metrics.SessionEvent("not_on_roster")
		s.reply(ctx, accountID, notice.NotOnRoster())
		return nil
	}
	if rec.Linked() && !rec.LinkedTo(accountID) {
		holderIsMember, err := s.platform.IsMember(ctx, *rec.AccountID)
		if err != nil {
			s.reply(ctx, accountID, notice.TryAgainLater())
			return fmt.Errorf("check holder membership: %w", err)
		}
		if holderIsMember {
			s.metrics.SessionEvent("already_registered")
			s.reply(ctx, accountID, notice.AlreadyRegistered())
			return nil
		}
	}

	code, err := s.newCode()
	if err != nil {
		s.reply(ctx, accountID, notice.TryAgainLater())
		return err
	}
	sess := model.VerificationSession{Email: email, AccountID: accountID, Code: code, IssuedAt: s.now()}
	err = store.RunInTx(ctx, s.db, func(ctx context.Context) error {
		if _, err := s.sessions.DeleteByAccount(ctx, accountID); err != nil {
			return err
		}
		return s.sessions.Upsert(ctx, sess)
	})
	if err != nil {
		s.reply(ctx, accountID, notice.TryAgainLater())
		return fmt.Errorf("issue session: %w", err)
	}

	// The session is committed before the mail goes out. A failed send leaves
	// it in place until the user quits or it expires.
	if err := s.mailer.SendCode(ctx, email, code); err != nil {
		s.metrics.SessionEvent("email_failed")
		s.logger.Error("send verification code failed", "account_id", accountID, "email", email, "error", err)
		s.reply(ctx, accountID, notice.EmailFailed())
		return nil
	}

	s.metrics.SessionEvent("issued")
	s.logger.Info("verification code issued", "account_id", accountID, "email", email)
	s.reply(ctx, accountID, notice.CodeSent(email))
	return nil
}

func (s *Service) cancel(ctx context.Context, accountID uint64) error {
	if _, err := s.sessions.DeleteByAccount(ctx, accountID); err != nil {
		s.reply(ctx, accountID, notice.TryAgainLater())
		return fmt.Errorf("cancel session: %w", err)
	}
	s.metrics.SessionEvent("cancelled")
	s.reply(ctx, accountID, notice.Cancelled())
	return nil
}

func (s *Service) confirm(ctx context.Context, sess *model.VerificationSession, content string) error {
	accountID := sess.AccountID

	code, err := strconv.ParseUint(content, 10, 64)
	if err != nil {
		s.metrics.SessionEvent("invalid_code")
		s.reply(ctx, accountID, notice.InvalidCode())
		return nil
	}
	if code != sess.Code {
		s.metrics.SessionEvent("incorrect_code")
		s.reply(ctx, accountID, notice.IncorrectCode())
		return nil
	}

	rec, err := s.records.Get(ctx, sess.Email)
	if err != nil {
		s.reply(ctx, accountID, notice.TryAgainLater())
		return fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		s.reply(ctx, accountID, notice.NotOnRoster())
		return nil
	}
	if len(model.MissingCriteria(rec)) > 0 {
		s.metrics.SessionEvent("criteria_unmet")
		s.reply(ctx, accountID, notice.CriteriaUnmet(rec))
		return nil
	}

	member, err := s.platform.GetMember(ctx, accountID)
	if err != nil {
		s.reply(ctx, accountID, notice.TryAgainLater())
		return fmt.Errorf("get member: %w", err)
	}
	if member == nil {
		s.reply(ctx, accountID, notice.NotMember())
		return nil
	}

	err = store.RunInTx(ctx, s.db, func(ctx context.Context) error {
		n, err := s.sessions.DeleteMatching(ctx, sess.Email, accountID, sess.Code)
		if err != nil {
			return err
		}
		if n == 0 {
			return errNoActiveSession
		}
		if _, err := s.records.ClearAccountLink(ctx, accountID); err != nil {
			return err
		}
		_, err = s.records.SetAccountLink(ctx, sess.Email, &accountID)
		return err
	})
	if errors.Is(err, errNoActiveSession) {
		s.reply(ctx, accountID, notice.NoActiveSession())
		return nil
	}
	if err != nil {
		s.reply(ctx, accountID, notice.TryAgainLater())
		return fmt.Errorf("confirm session: %w", err)
	}

	if !member.HasRole(s.cfg.RoleID) {
		if err := s.platform.AddRole(ctx, accountID, s.cfg.RoleID); err != nil {
			// Reconciliation grants it on the next pass.
			s.logger.Error("grant verified role failed", "account_id", accountID, "error", err)
		}
	}

	s.metrics.SessionEvent("confirmed")
	s.logger.Info("account verified", "account_id", accountID, "email", sess.Email)
	s.reply(ctx, accountID, notice.Verified())
	if s.cfg.LogChannelID != 0 {
		if err := s.platform.SendChannelMessage(ctx, s.cfg.LogChannelID, notice.Announcement(accountID)); err != nil {
			s.logger.Warn("log channel announcement failed", "account_id", accountID, "error", err)
		}
	}
	return nil
}

func (s *Service) reply(ctx context.Context, accountID uint64, n notice.Notice) {
	if err := s.platform.SendDirectMessage(ctx, accountID, n.Render()); err != nil {
		s.logger.Warn("direct message failed", "account_id", accountID, "error", err)
	}
}

// Relink links email to accountID, replacing any previous holder of either,
// then reconciles both the previous holder and the new one.
func (s *Service) Relink(ctx context.Context, email string, accountID uint64) (reconcile.Report, error) {
	email = model.NormalizeEmail(email)
	if accountID == 0 || !validate.Email(email) {
		return reconcile.Report{}, fmt.Errorf("relink %q to %d: %w", email, accountID, sentinel.ErrValidation)
	}

	var previous uint64
	err := store.RunInTx(ctx, s.db, func(ctx context.Context) error {
		rec, err := s.records.Get(ctx, email)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("record %q: %w", email, sentinel.ErrNotFound)
		}
		if rec.Linked() {
			previous = *rec.AccountID
		}
		if _, err := s.records.ClearAccountLink(ctx, accountID); err != nil {
			return err
		}
		if _, err := s.records.SetAccountLink(ctx, email, &accountID); err != nil {
			return err
		}
		_, err = s.sessions.DeleteByAccount(ctx, accountID)
		return err
	})
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("relink: %w", err)
	}
	s.logger.Info("account relinked", "email", email, "account_id", accountID, "previous_account_id", previous)

	accounts := []uint64{accountID}
	if previous != 0 && previous != accountID {
		accounts = append(accounts, previous)
	}
	return s.reconciler.RunAccounts(ctx, accounts)
}

// Unlink removes every link held by accountID and reconciles the account.
func (s *Service) Unlink(ctx context.Context, accountID uint64) (reconcile.Report, error) {
	var n int64
	err := store.RunInTx(ctx, s.db, func(ctx context.Context) error {
		var err error
		if n, err = s.records.ClearAccountLink(ctx, accountID); err != nil {
			return err
		}
		_, err = s.sessions.DeleteByAccount(ctx, accountID)
		return err
	})
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("unlink: %w", err)
	}
	if n == 0 {
		return reconcile.Report{}, fmt.Errorf("account %d: %w", accountID, sentinel.ErrNotFound)
	}
	s.logger.Info("account unlinked", "account_id", accountID)
	return s.reconciler.RunAccounts(ctx, []uint64{accountID})
}

// SweepExpired deletes sessions past the TTL and forgets idle rate limiters.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.sessions.DeleteExpired(ctx, now.Add(-s.cfg.SessionTTL))
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	s.limiter.prune(now, 10*time.Minute)
	if n > 0 {
		s.logger.Info("expired sessions swept", "count", n)
	}
	return n, nil
}

// Welcome greets a new member with instructions and restores the role of a
// returning linked member.
func (s *Service) Welcome(ctx context.Context, accountID uint64, bot bool) error {
	if bot {
		return nil
	}
	s.reply(ctx, accountID, notice.Welcome(s.cfg.EmailDomain))
	if _, err := s.reconciler.RunAccounts(ctx, []uint64{accountID}); err != nil {
		return fmt.Errorf("reconcile new member: %w", err)
	}
	return nil
}
