package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gryphonracing/rosterlink/internal/metrics"
	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/notice"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
)

// Platform is the membership API the engine drives.
type Platform interface {
	ListMembers(ctx context.Context) ([]model.Member, error)
	// GetMember returns nil, nil when the account is not a member.
	GetMember(ctx context.Context, accountID uint64) (*model.Member, error)
	AddRole(ctx context.Context, accountID, roleID uint64) error
	RemoveRole(ctx context.Context, accountID, roleID uint64) error
	SendDirectMessage(ctx context.Context, accountID uint64, content string) error
}

// RecordReader looks up the roster record linked to an account.
type RecordReader interface {
	GetByAccount(ctx context.Context, accountID uint64) (*model.VerificationRecord, error)
}

// FlagReader reads bool policy flags.
type FlagReader interface {
	Bool(ctx context.Context, name string, def bool) (bool, error)
}

// Policy is the flag state a run works under.
type Policy struct {
	AllowAddition bool `json:"allow_addition"`
	AllowRemoval  bool `json:"allow_removal"`
	WaiveLink     bool `json:"waive_link"`
}

// Report summarises one run.
type Report struct {
	RunID     string        `json:"run_id"`
	Scope     string        `json:"scope"`
	Policy    Policy        `json:"policy"`
	Checked   int           `json:"checked"`
	Added     int           `json:"added"`
	Removed   int           `json:"removed"`
	Unchanged int           `json:"unchanged"`
	Skipped   int           `json:"skipped"`
	NotMember int           `json:"not_member"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

const (
	ScopeAll    = "all"
	ScopeSubset = "subset"
)

// Engine computes desired vs actual verified-role state and applies the
// difference under the role addition and removal flags.
type Engine struct {
	records  RecordReader
	flags    FlagReader
	platform Platform
	roleID   uint64
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewEngine(records RecordReader, flags FlagReader, platform Platform, roleID uint64, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		records:  records,
		flags:    flags,
		platform: platform,
		roleID:   roleID,
		metrics:  m,
		logger:   logger.With("component", "reconcile"),
	}
}

// RunAll fetches the full member list and reconciles every non-bot member.
func (e *Engine) RunAll(ctx context.Context) (Report, error) {
	return e.run(ctx, ScopeAll, func(ctx context.Context, r *Report) ([]model.Member, error) {
		members, err := e.platform.ListMembers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		return members, nil
	})
}

// RunAccounts reconciles only the given accounts. Accounts that are not
// members are counted and skipped.
func (e *Engine) RunAccounts(ctx context.Context, accountIDs []uint64) (Report, error) {
	return e.run(ctx, ScopeSubset, func(ctx context.Context, r *Report) ([]model.Member, error) {
		seen := make(map[uint64]bool, len(accountIDs))
		var members []model.Member
		for _, id := range accountIDs {
			if id == 0 || seen[id] {
				continue
			}
			seen[id] = true

			m, err := e.platform.GetMember(ctx, id)
			if err != nil {
				e.logger.Warn("get member failed", "account_id", id, "error", err)
				r.Failed++
				continue
			}
			if m == nil {
				r.NotMember++
				continue
			}
			members = append(members, *m)
		}
		return members, nil
	})
}

func (e *Engine) run(ctx context.Context, scope string, fetch func(context.Context, *Report) ([]model.Member, error)) (Report, error) {
	start := time.Now()
	report := Report{RunID: uuid.NewString(), Scope: scope}
	logger := e.logger.With("run_id", report.RunID, "scope", scope)

	err := e.reconcile(ctx, logger, &report, fetch)
	report.Duration = time.Since(start)
	e.metrics.ObserveReconcile(scope, start, report.Added, report.Removed, report.Skipped, report.Failed, err)
	if err != nil {
		logger.Error("reconciliation aborted", "error", err)
		return report, err
	}

	logger.Info("reconciliation finished",
		"checked", report.Checked,
		"added", report.Added,
		"removed", report.Removed,
		"skipped", report.Skipped,
		"not_member", report.NotMember,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

func (e *Engine) reconcile(ctx context.Context, logger *slog.Logger, report *Report, fetch func(context.Context, *Report) ([]model.Member, error)) error {
	policy, err := e.policy(ctx)
	if err != nil {
		return err
	}
	report.Policy = policy

	members, err := fetch(ctx, report)
	if err != nil {
		return err
	}

	for i := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := &members[i]
		if m.Bot {
			continue
		}
		report.Checked++

		outcome, err := e.Account(ctx, m, policy)
		switch outcome {
		case OutcomeAdded:
			report.Added++
		case OutcomeRemoved:
			report.Removed++
		case OutcomeUnchanged:
			report.Unchanged++
		case OutcomeBlocked:
			report.Skipped++
		}

		switch {
		case err == nil:
		case errors.Is(err, sentinel.ErrPolicyBlocked):
			logger.Info("role change skipped", "account_id", m.AccountID, "reason", err)
		default:
			report.Failed++
			logger.Warn("account reconciliation failed", "account_id", m.AccountID, "error", err)
		}
	}
	return nil
}

// policy reads the flags fresh. Any failure aborts the run before a mutation.
func (e *Engine) policy(ctx context.Context) (Policy, error) {
	var p Policy
	var err error
	if p.AllowAddition, err = e.flags.Bool(ctx, model.FlagRoleAddition, true); err != nil {
		return Policy{}, fmt.Errorf("read %s: %w", model.FlagRoleAddition, err)
	}
	if p.AllowRemoval, err = e.flags.Bool(ctx, model.FlagRoleRemoval, false); err != nil {
		return Policy{}, fmt.Errorf("read %s: %w", model.FlagRoleRemoval, err)
	}
	if p.WaiveLink, err = e.flags.Bool(ctx, model.FlagWaiveAccountLink, false); err != nil {
		return Policy{}, fmt.Errorf("read %s: %w", model.FlagWaiveAccountLink, err)
	}
	return p, nil
}

// Outcome is what reconciliation did to one account.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeUnchanged
	OutcomeAdded
	OutcomeRemoved
	OutcomeBlocked
)

// Account reconciles one member. A blocked change returns OutcomeBlocked and
// an error wrapping sentinel.ErrPolicyBlocked. A failed notification after a
// successful role change keeps the role outcome and returns the error.
func (e *Engine) Account(ctx context.Context, m *model.Member, policy Policy) (Outcome, error) {
	rec, err := e.records.GetByAccount(ctx, m.AccountID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("lookup record: %w", err)
	}

	desired := model.Eligible(rec, policy.WaiveLink)
	hasRole := m.HasRole(e.roleID)

	switch {
	case !desired && hasRole:
		if !policy.AllowRemoval {
			return OutcomeBlocked, fmt.Errorf("remove role: %w (%s disabled)", sentinel.ErrPolicyBlocked, model.FlagRoleRemoval)
		}
		if err := e.platform.RemoveRole(ctx, m.AccountID, e.roleID); err != nil {
			return OutcomeFailed, fmt.Errorf("remove role: %w", err)
		}
		if err := e.platform.SendDirectMessage(ctx, m.AccountID, notice.RoleRemoved(rec).Render()); err != nil {
			return OutcomeRemoved, fmt.Errorf("notify removal: %w", err)
		}
		return OutcomeRemoved, nil

	case desired && !hasRole:
		if !policy.AllowAddition {
			return OutcomeBlocked, fmt.Errorf("add role: %w (%s disabled)", sentinel.ErrPolicyBlocked, model.FlagRoleAddition)
		}
		if err := e.platform.AddRole(ctx, m.AccountID, e.roleID); err != nil {
			return OutcomeFailed, fmt.Errorf("add role: %w", err)
		}
		if err := e.platform.SendDirectMessage(ctx, m.AccountID, notice.RoleAdded().Render()); err != nil {
			return OutcomeAdded, fmt.Errorf("notify addition: %w", err)
		}
		return OutcomeAdded, nil

	default:
		return OutcomeUnchanged, nil
	}
}
