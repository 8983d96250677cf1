package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/gryphonracing/rosterlink/internal/database"
	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
	"github.com/gryphonracing/rosterlink/internal/store"
)

const verifiedRole = 500

// fakePlatform keeps member role state in memory.
type fakePlatform struct {
	mu       sync.Mutex
	members  map[uint64]*model.Member
	dms      map[uint64][]string
	listErr  error
	roleErr  map[uint64]error
	dmErr    map[uint64]error
	mutation int
}

func newFakePlatform(members ...model.Member) *fakePlatform {
	p := &fakePlatform{
		members: make(map[uint64]*model.Member),
		dms:     make(map[uint64][]string),
		roleErr: make(map[uint64]error),
		dmErr:   make(map[uint64]error),
	}
	for i := range members {
		m := members[i]
		p.members[m.AccountID] = &m
	}
	return p
}

func (p *fakePlatform) ListMembers(context.Context) ([]model.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []model.Member
	for _, m := range p.members {
		cp := *m
		cp.RoleIDs = slices.Clone(m.RoleIDs)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (p *fakePlatform) GetMember(_ context.Context, id uint64) (*model.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	cp.RoleIDs = slices.Clone(m.RoleIDs)
	return &cp, nil
}

func (p *fakePlatform) AddRole(_ context.Context, id, role uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.roleErr[id]; err != nil {
		return err
	}
	p.mutation++
	m := p.members[id]
	if !m.HasRole(role) {
		m.RoleIDs = append(m.RoleIDs, role)
	}
	return nil
}

func (p *fakePlatform) RemoveRole(_ context.Context, id, role uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.roleErr[id]; err != nil {
		return err
	}
	p.mutation++
	m := p.members[id]
	m.RoleIDs = slices.DeleteFunc(m.RoleIDs, func(r uint64) bool { return r == role })
	return nil
}

func (p *fakePlatform) SendDirectMessage(_ context.Context, id uint64, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dmErr[id]; err != nil {
		return err
	}
	p.dms[id] = append(p.dms[id], content)
	return nil
}

func (p *fakePlatform) hasRole(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[id].HasRole(verifiedRole)
}

type fixture struct {
	engine   *Engine
	platform *fakePlatform
	records  *store.VerificationStore
	flags    *store.FlagStore
}

func setup(t *testing.T, members ...model.Member) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		platform: newFakePlatform(members...),
		records:  store.NewVerificationStore(db),
		flags:    store.NewFlagStore(db),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = NewEngine(f.records, f.flags, f.platform, verifiedRole, nil, logger)
	return f
}

// addRecord stores an eligible record linked to accountID, then applies mut.
func (f *fixture) addRecord(t *testing.T, email string, accountID uint64, mut func(*model.VerificationRecord)) {
	t.Helper()
	ctx := context.Background()
	name, yes := "Member", true
	r := model.VerificationRecord{Email: email, Name: &name, HasPaid: &yes, InRoster: &yes}
	if mut != nil {
		mut(&r)
	}
	if _, err := f.records.UpsertRoster(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if accountID != 0 {
		if _, err := f.records.SetAccountLink(ctx, email, &accountID); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
}

func (f *fixture) setFlag(t *testing.T, name string, v bool) {
	t.Helper()
	if err := f.flags.Set(context.Background(), name, model.BoolFlag(v)); err != nil {
		t.Fatalf("set flag: %v", err)
	}
}

func unpaid(r *model.VerificationRecord) { no := false; r.HasPaid = &no }

func TestRunAllGrantsEligible(t *testing.T) {
	f := setup(t, model.Member{AccountID: 1}, model.Member{AccountID: 2}, model.Member{AccountID: 3, Bot: true})
	f.addRecord(t, "a@uoguelph.ca", 1, nil)

	report, err := f.engine.RunAll(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.RunID == "" {
		t.Error("missing run id")
	}
	if report.Checked != 2 || report.Added != 1 || report.Unchanged != 1 {
		t.Errorf("report = %+v, want checked 2 added 1 unchanged 1", report)
	}
	if !f.platform.hasRole(1) {
		t.Error("account 1 should hold the role")
	}
	if f.platform.hasRole(2) {
		t.Error("account 2 has no record and should not hold the role")
	}
	if len(f.platform.dms[1]) != 1 || !strings.Contains(f.platform.dms[1][0], "Role added") {
		t.Errorf("welcome dm = %v", f.platform.dms[1])
	}
}

func TestRunAllIsIdempotent(t *testing.T) {
	f := setup(t, model.Member{AccountID: 1}, model.Member{AccountID: 2, RoleIDs: []uint64{verifiedRole}})
	f.addRecord(t, "a@uoguelph.ca", 1, nil)
	f.setFlag(t, model.FlagRoleRemoval, true)
	ctx := context.Background()

	if _, err := f.engine.RunAll(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	mutations := f.platform.mutation

	report, err := f.engine.RunAll(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.platform.mutation != mutations {
		t.Errorf("second run mutated roles: %d -> %d", mutations, f.platform.mutation)
	}
	if report.Added != 0 || report.Removed != 0 {
		t.Errorf("second report = %+v, want no changes", report)
	}
}

func TestRemovalGatedByFlag(t *testing.T) {
	f := setup(t, model.Member{AccountID: 7, RoleIDs: []uint64{verifiedRole}})
	f.addRecord(t, "a@uoguelph.ca", 7, unpaid)
	ctx := context.Background()

	report, err := f.engine.RunAll(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped != 1 || report.Removed != 0 {
		t.Errorf("report = %+v, want 1 skipped", report)
	}
	if !f.platform.hasRole(7) || len(f.platform.dms[7]) != 0 {
		t.Fatal("blocked removal must not change role or notify")
	}

	f.setFlag(t, model.FlagRoleRemoval, true)
	report, err = f.engine.RunAll(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Removed != 1 {
		t.Errorf("report = %+v, want 1 removed", report)
	}
	if f.platform.hasRole(7) {
		t.Error("role should be removed")
	}
	if len(f.platform.dms[7]) != 1 || !strings.Contains(f.platform.dms[7][0], "Not paid") {
		t.Errorf("removal dm = %v", f.platform.dms[7])
	}

	f.engine.RunAll(ctx)
	if len(f.platform.dms[7]) != 1 {
		t.Errorf("dms = %d, want exactly one notification", len(f.platform.dms[7]))
	}
}

func TestAdditionGatedByFlag(t *testing.T) {
	f := setup(t, model.Member{AccountID: 1})
	f.addRecord(t, "a@uoguelph.ca", 1, nil)
	f.setFlag(t, model.FlagRoleAddition, false)

	report, err := f.engine.RunAll(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped != 1 || f.platform.hasRole(1) {
		t.Errorf("report = %+v, role = %v", report, f.platform.hasRole(1))
	}
}

func TestWaiveLinkReportedInPolicy(t *testing.T) {
	f := setup(t, model.Member{AccountID: 1})
	f.addRecord(t, "a@uoguelph.ca", 0, nil)
	f.setFlag(t, model.FlagWaiveAccountLink, true)

	// An unlinked record has no account to look up, so nothing changes.
	report, err := f.engine.RunAll(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Added != 0 {
		t.Errorf("report = %+v", report)
	}
	if !report.Policy.WaiveLink {
		t.Error("policy should report waive link")
	}
}

func TestFailureIsolatedPerAccount(t *testing.T) {
	f := setup(t, model.Member{AccountID: 1}, model.Member{AccountID: 2}, model.Member{AccountID: 3})
	f.addRecord(t, "a@uoguelph.ca", 1, nil)
	f.addRecord(t, "b@uoguelph.ca", 2, nil)
	f.addRecord(t, "c@uoguelph.ca", 3, nil)
	f.platform.roleErr[1] = sentinel.ErrExternalAPI
	f.platform.dmErr[2] = sentinel.ErrExternalAPI

	report, err := f.engine.RunAll(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 2 {
		t.Errorf("failed = %d, want 2", report.Failed)
	}
	if report.Added != 2 {
		t.Errorf("added = %d, want 2", report.Added)
	}
	if f.platform.hasRole(1) || !f.platform.hasRole(2) || !f.platform.hasRole(3) {
		t.Error("unexpected role state after partial failure")
	}
}

func TestFlagFailureAbortsBeforeMutation(t *testing.T) {
	f := setup(t, model.Member{AccountID: 1})
	f.addRecord(t, "a@uoguelph.ca", 1, nil)
	if err := f.flags.Set(context.Background(), model.FlagRoleAddition, model.TextFlag("on")); err != nil {
		t.Fatalf("set: %v", err)
	}

	_, err := f.engine.RunAll(context.Background())
	if !errors.Is(err, sentinel.ErrWrongFlagType) {
		t.Fatalf("err = %v, want ErrWrongFlagType", err)
	}
	if f.platform.mutation != 0 {
		t.Error("roles mutated despite aborted run")
	}
}

func TestListFailureAborts(t *testing.T) {
	f := setup(t)
	f.platform.listErr = sentinel.ErrExternalAPI

	if _, err := f.engine.RunAll(context.Background()); !errors.Is(err, sentinel.ErrExternalAPI) {
		t.Errorf("err = %v, want ErrExternalAPI", err)
	}
}

func TestRunAccountsSubset(t *testing.T) {
	f := setup(t, model.Member{AccountID: 1}, model.Member{AccountID: 2})
	f.addRecord(t, "a@uoguelph.ca", 1, nil)
	f.addRecord(t, "b@uoguelph.ca", 2, nil)

	report, err := f.engine.RunAccounts(context.Background(), []uint64{1, 1, 99, 0})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Scope != ScopeSubset {
		t.Errorf("scope = %q", report.Scope)
	}
	if report.Checked != 1 || report.Added != 1 || report.NotMember != 1 {
		t.Errorf("report = %+v", report)
	}
	if f.platform.hasRole(2) {
		t.Error("account outside the subset was touched")
	}
}
