// Package persistencetest holds the behavioural contract every persistence
// plugin must satisfy.
package persistencetest

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
)

// Factory returns a fresh, empty plugin.
type Factory func(t *testing.T) persistence.PluginPersistence

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(id, ext string, owner domain.OwnerRef, created time.Time) *domain.ResearchTask {
	return &domain.ResearchTask{
		ID:         id,
		ExternalID: ext,
		Owner:      owner,
		Location:   domain.Location{Name: "Rome", Lat: 41.9, Lng: 12.5},
		Status:     domain.StatusQueued,
		CreatedAt:  created,
	}
}

func must(t *testing.T, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

func wantErr(t *testing.T, err, target error, what string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("%s: expected %v, got %v", what, target, err)
	}
}

// Run executes the full contract against plugins built by f.
func Run(t *testing.T, f Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateGet(t, f(t)) })
	t.Run("monotonic updates", func(t *testing.T) { testMonotonic(t, f(t)) })
	t.Run("list by owner", func(t *testing.T) { testList(t, f(t)) })
	t.Run("share lifecycle", func(t *testing.T) { testShare(t, f(t)) })
	t.Run("usage quota", func(t *testing.T) { testUsage(t, f(t)) })
	t.Run("accounts", func(t *testing.T) { testAccounts(t, f(t)) })
	t.Run("count by status", func(t *testing.T) { testCount(t, f(t)) })
}

func testCreateGet(t *testing.T, p persistence.PluginPersistence) {
	ctx := context.Background()
	must(t, p.Health(ctx), "health")
	ts := p.TaskStorage()
	owner := domain.UserOwner("u1")

	must(t, ts.Create(ctx, newTask("t1", "ext-1", owner, base)), "create")
	wantErr(t, ts.Create(ctx, newTask("t1", "ext-9", owner, base)), persistence.ErrAlreadyExists, "duplicate id")
	wantErr(t, ts.Create(ctx, newTask("t9", "ext-1", owner, base)), persistence.ErrAlreadyExists, "duplicate external id")

	got, err := ts.Get(ctx, "t1")
	must(t, err, "get")
	if got.ExternalID != "ext-1" || got.Status != domain.StatusQueued || got.Location.Name != "Rome" {
		t.Fatalf("unexpected task %+v", got)
	}
	if math.Abs(got.Location.Lat-41.9) > 1e-9 {
		t.Errorf("latitude %v", got.Location.Lat)
	}
	if !got.Owner.Equal(owner) || !got.CreatedAt.Equal(base) {
		t.Errorf("owner or createdAt changed: %+v %v", got.Owner, got.CreatedAt)
	}

	byExt, err := ts.GetByExternalID(ctx, "ext-1")
	must(t, err, "get by external id")
	if byExt.ID != "t1" {
		t.Errorf("external id resolved to %q", byExt.ID)
	}

	_, err = ts.Get(ctx, "missing")
	wantErr(t, err, persistence.ErrNotFound, "get missing")
	_, err = ts.GetByExternalID(ctx, "missing")
	wantErr(t, err, persistence.ErrNotFound, "get missing external id")

	must(t, ts.SetReportURL(ctx, "t1", "file:///r.md"), "set report url")
	got, err = ts.Get(ctx, "t1")
	must(t, err, "get after report")
	if got.ReportURL != "file:///r.md" {
		t.Errorf("report url %q", got.ReportURL)
	}
	wantErr(t, ts.SetReportURL(ctx, "missing", "x"), persistence.ErrNotFound, "report url on missing task")
}

func testMonotonic(t *testing.T, p persistence.PluginPersistence) {
	ctx := context.Background()
	ts := p.TaskStorage()
	must(t, ts.Create(ctx, newTask("t1", "ext-1", domain.AnonymousOwner("a1"), base)), "create")

	got, changed, err := ts.UpdateByExternalID(ctx, "ext-1", persistence.StatusUpdate{Status: domain.StatusRunning, At: base.Add(time.Second)})
	must(t, err, "running")
	if !changed || got.Status != domain.StatusRunning || got.CompletedAt != nil {
		t.Fatalf("running update: changed=%v task=%+v", changed, got)
	}

	for _, st := range []domain.Status{domain.StatusRunning, domain.StatusQueued} {
		_, changed, err = ts.UpdateByExternalID(ctx, "ext-1", persistence.StatusUpdate{Status: st})
		must(t, err, "repeat "+string(st))
		if changed {
			t.Errorf("%s after running reported a change", st)
		}
	}

	done := base.Add(time.Minute)
	got, changed, err = ts.UpdateByExternalID(ctx, "ext-1", persistence.StatusUpdate{Status: domain.StatusFailed, Error: "boom", At: done})
	must(t, err, "failed")
	if !changed || got.Status != domain.StatusFailed || got.Error != "boom" {
		t.Fatalf("failed update: changed=%v task=%+v", changed, got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("completedAt %v, want %v", got.CompletedAt, done)
	}

	got, changed, err = ts.UpdateByExternalID(ctx, "ext-1", persistence.StatusUpdate{Status: domain.StatusCompleted, At: done.Add(time.Minute)})
	must(t, err, "completed after failed")
	if changed || got.Status != domain.StatusFailed {
		t.Fatalf("terminal status must absorb updates: changed=%v status=%s", changed, got.Status)
	}

	stored, err := ts.Get(ctx, "t1")
	must(t, err, "get")
	if stored.Status != domain.StatusFailed {
		t.Errorf("stored status %s", stored.Status)
	}

	_, _, err = ts.UpdateByExternalID(ctx, "missing", persistence.StatusUpdate{Status: domain.StatusRunning})
	wantErr(t, err, persistence.ErrNotFound, "update missing")
}

func testList(t *testing.T, p persistence.PluginPersistence) {
	ctx := context.Background()
	ts := p.TaskStorage()
	u1, u2 := domain.UserOwner("u1"), domain.UserOwner("u2")
	must(t, ts.Create(ctx, newTask("a", "ea", u1, base)), "create a")
	must(t, ts.Create(ctx, newTask("b", "eb", u1, base.Add(2*time.Hour))), "create b")
	must(t, ts.Create(ctx, newTask("c", "ec", u1, base.Add(time.Hour))), "create c")
	must(t, ts.Create(ctx, newTask("d", "ed", u2, base)), "create d")

	list, err := ts.ListByOwner(ctx, u1, 0)
	must(t, err, "list")
	ids := make([]string, 0, len(list))
	for _, task := range list {
		ids = append(ids, task.ID)
	}
	if want := []string{"b", "c", "a"}; !slices.Equal(ids, want) {
		t.Errorf("order %v, want %v", ids, want)
	}

	list, err = ts.ListByOwner(ctx, u1, 2)
	must(t, err, "list limited")
	if len(list) != 2 {
		t.Errorf("limit 2 returned %d", len(list))
	}

	// anonymous and user owners never collide
	list, err = ts.ListByOwner(ctx, domain.AnonymousOwner("u1"), 0)
	must(t, err, "list anonymous")
	if len(list) != 0 {
		t.Errorf("anonymous owner saw %d user tasks", len(list))
	}
}

func testShare(t *testing.T, p persistence.PluginPersistence) {
	ctx := context.Background()
	ts := p.TaskStorage()
	must(t, ts.Create(ctx, newTask("t1", "ext-1", domain.UserOwner("u1"), base)), "create")

	_, err := ts.GetPublicByToken(ctx, "tok-1")
	wantErr(t, err, persistence.ErrNotFound, "public before share")

	images := domain.EncodeLocationImages([]string{"url1", "url2"})
	shared, err := ts.Share(ctx, "t1", "tok-1", images, base)
	must(t, err, "share")
	if !shared.IsPublic || shared.ShareToken != "tok-1" || shared.SharedAt == nil {
		t.Fatalf("shared task %+v", shared)
	}

	again, err := ts.Share(ctx, "t1", "tok-2", "", base.Add(time.Minute))
	must(t, err, "reshare")
	if again.ShareToken != "tok-1" {
		t.Errorf("re-sharing replaced the token with %q", again.ShareToken)
	}
	if again.LocationImages != images {
		t.Errorf("re-sharing without images changed the gallery to %q", again.LocationImages)
	}

	pub, err := ts.GetPublicByToken(ctx, "tok-1")
	must(t, err, "public")
	if pub.ID != "t1" {
		t.Errorf("token resolved to %q", pub.ID)
	}
	decoded, err := domain.DecodeLocationImages(pub.LocationImages)
	must(t, err, "decode images")
	if !slices.Equal(decoded, []string{"url1", "url2"}) {
		t.Errorf("images %v", decoded)
	}
	_, err = ts.GetPublicByToken(ctx, "tok-2")
	wantErr(t, err, persistence.ErrNotFound, "unused token")

	must(t, ts.Unshare(ctx, "t1"), "unshare")
	_, err = ts.GetPublicByToken(ctx, "tok-1")
	wantErr(t, err, persistence.ErrNotFound, "public after unshare")
	stored, err := ts.Get(ctx, "t1")
	must(t, err, "get")
	if stored.IsPublic || stored.ShareToken != "" || stored.SharedAt != nil {
		t.Errorf("unshare left share state behind: %+v", stored)
	}

	reshared, err := ts.Share(ctx, "t1", "tok-3", "", base.Add(time.Hour))
	must(t, err, "share again")
	if reshared.ShareToken != "tok-3" {
		t.Errorf("share after unshare kept token %q", reshared.ShareToken)
	}

	_, err = ts.Share(ctx, "missing", "tok-4", "", base)
	wantErr(t, err, persistence.ErrNotFound, "share missing")
	wantErr(t, ts.Unshare(ctx, "missing"), persistence.ErrNotFound, "unshare missing")
}

func testUsage(t *testing.T, p persistence.PluginPersistence) {
	ctx := context.Background()
	us := p.UsageStorage()
	owner := domain.AnonymousOwner("a1")
	reset := time.Now().UTC().Truncate(time.Second).Add(12 * time.Hour)

	for i := 1; i <= 2; i++ {
		d, err := us.CheckAndIncrement(ctx, owner, 2, reset)
		must(t, err, "consume")
		if !d.Allowed || d.Used != i || d.Limit != 2 || !d.ResetAt.Equal(reset) {
			t.Fatalf("run %d: %+v", i, d)
		}
	}
	d, err := us.CheckAndIncrement(ctx, owner, 2, reset)
	must(t, err, "consume over limit")
	if d.Allowed || d.Used != 2 {
		t.Fatalf("over limit: %+v", d)
	}

	used, err := us.Used(ctx, owner, reset)
	must(t, err, "used")
	if used != 2 {
		t.Errorf("used %d, want 2", used)
	}

	// a new window starts from zero
	d, err = us.CheckAndIncrement(ctx, owner, 2, reset.Add(24*time.Hour))
	must(t, err, "next window")
	if !d.Allowed || d.Used != 1 {
		t.Errorf("next window: %+v", d)
	}

	// limit 0 is unlimited
	other := domain.UserOwner("a1")
	for i := 0; i < 5; i++ {
		d, err = us.CheckAndIncrement(ctx, other, 0, reset)
		must(t, err, "unlimited")
		if !d.Allowed {
			t.Fatalf("unlimited denied at run %d", i+1)
		}
	}
	if d.Used != 5 {
		t.Errorf("unlimited used %d, want 5", d.Used)
	}

	if _, err := us.CheckAndIncrement(ctx, domain.OwnerRef{}, 1, reset); err == nil {
		t.Error("expected error for empty owner")
	}
}

func testAccounts(t *testing.T, p persistence.PluginPersistence) {
	ctx := context.Background()
	as := p.AccountStorage()

	_, err := as.GetAccount(ctx, "u1")
	wantErr(t, err, persistence.ErrNotFound, "missing account")

	must(t, as.SaveAccount(ctx, domain.Account{
		UserID:             "u1",
		Tier:               domain.TierUnlimited,
		SubscriptionStatus: "active",
		SubscriptionID:     "sub-1",
		CustomerID:         "cus-1",
		UpdatedAt:          base,
	}), "save")
	acc, err := as.GetAccount(ctx, "u1")
	must(t, err, "get")
	if acc.Tier != domain.TierUnlimited || acc.SubscriptionID != "sub-1" || acc.CustomerID != "cus-1" {
		t.Fatalf("account %+v", acc)
	}

	must(t, as.SaveAccount(ctx, domain.Account{UserID: "u1", Tier: domain.TierFree, SubscriptionStatus: "inactive", CustomerID: "cus-1"}), "overwrite")
	acc, err = as.GetAccount(ctx, "u1")
	must(t, err, "get after overwrite")
	if acc.Tier != domain.TierFree || acc.SubscriptionID != "" {
		t.Errorf("overwrite kept old state: %+v", acc)
	}
	if acc.UpdatedAt.IsZero() {
		t.Error("expected updatedAt to be stamped")
	}
}

func testCount(t *testing.T, p persistence.PluginPersistence) {
	ctx := context.Background()
	ts := p.TaskStorage()
	owner := domain.UserOwner("u1")
	must(t, ts.Create(ctx, newTask("a", "ea", owner, base)), "create a")
	must(t, ts.Create(ctx, newTask("b", "eb", owner, base)), "create b")
	must(t, ts.Create(ctx, newTask("c", "ec", owner, base)), "create c")
	_, _, err := ts.UpdateByExternalID(ctx, "eb", persistence.StatusUpdate{Status: domain.StatusRunning})
	must(t, err, "running")
	_, _, err = ts.UpdateByExternalID(ctx, "ec", persistence.StatusUpdate{Status: domain.StatusCompleted})
	must(t, err, "completed")

	counts, err := ts.CountByStatus(ctx)
	must(t, err, "count")
	want := map[domain.Status]int64{
		domain.StatusQueued:    1,
		domain.StatusRunning:   1,
		domain.StatusCompleted: 1,
		domain.StatusFailed:    0,
	}
	for st, n := range want {
		if counts[st] != n {
			t.Errorf("%s = %d, want %d", st, counts[st], n)
		}
	}
}
