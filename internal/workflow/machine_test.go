package workflow

import (
	"context"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/lock"
	"pressline/internal/notify"
	"pressline/internal/repo"
	"pressline/internal/testutil"
)

type testEnv struct {
	m     *Machine
	repo  repo.Repo
	clock *clock.Fake
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	r := repo.Repo{DB: testutil.NewDB(t)}
	testutil.SeedStaff(t, r)
	clk := clock.NewFake(testutil.Epoch)
	d := notify.NewDispatcher(r, nil, clk, nil, notify.Policy{})
	m, err := New(r, events.Writer{DB: r.DB, Now: clk.Now}, d, clk, lock.NewMutexMap(), nil, config.Default())
	require.NoError(t, err)
	testutil.InsertEdition(t, r, "ed-1", domain.EditionInProduction)
	return testEnv{m: m, repo: r, clock: clk}
}

func (e testEnv) task(t *testing.T, id, dept, status string) domain.Task {
	return testutil.InsertTask(t, e.repo, domain.Task{
		ID: id, EditionID: "ed-1", Department: dept, Title: "Feature " + id, Status: status,
		AssigneeID: testutil.Ptr("u-ed"), CreatedBy: "u-ed-mgr",
	})
}

func TestSalesManagerApprovesEditorialReview(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.task(t, "t-1", domain.DeptEditorial, "review_requested")

	got, err := env.m.ApplyTransition(ctx, "t-1", "approved", domain.Actor{ID: "u-sales-mgr", Role: domain.RoleSalesManager}, "looks good")
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Status)
	require.Len(t, got.History, 1)
	assert.Equal(t, domain.HistoryStatusChanged, got.History[0].Action)
	assert.Equal(t, "review_requested", got.History[0].From)
	assert.Equal(t, "u-sales-mgr", got.History[0].ActorID)

	stored, err := env.repo.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "approved", stored.Status)
	assert.Len(t, stored.History, 1)
}

func TestDesignTeamCannotApproveEditorialReview(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.task(t, "t-1", domain.DeptEditorial, "review_requested")

	_, err := env.m.ApplyTransition(ctx, "t-1", "approved", domain.Actor{ID: "u-design", Role: domain.RoleDesignTeam}, "")
	var uerr domain.UnauthorizedError
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, uerr.Error(), "status change blocked: requires editorial_manager")

	stored, err := env.repo.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "review_requested", stored.Status)
	assert.Empty(t, stored.History)
}

func TestInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "t-1", domain.DeptEditorial, "draft")
	_, err := env.m.ApplyTransition(context.Background(), "t-1", "completed", domain.Actor{ID: "u-admin", Role: domain.RoleAdmin}, "")
	var ierr domain.InvalidTransitionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "draft", ierr.From)
}

func TestMissingTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.m.ApplyTransition(context.Background(), "nope", "in_progress", domain.Actor{ID: "u-admin", Role: domain.RoleAdmin}, "")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestHooksStampTimestampsAndNotify(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.task(t, "t-1", domain.DeptSales, "pending")
	mgr := domain.Actor{ID: "u-sales-mgr", Role: domain.RoleSalesManager}

	var seen []string
	env.m.OnTransition(func(_ context.Context, task domain.Task, from string) {
		seen = append(seen, from+">"+task.Status)
	})

	got, err := env.m.ApplyTransition(ctx, "t-1", "in_progress", mgr, "")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, testutil.Epoch, *got.StartedAt)

	env.clock.Advance(time.Hour)
	_, err = env.m.ApplyTransition(ctx, "t-1", "review", mgr, "")
	require.NoError(t, err)
	got, err = env.m.ApplyTransition(ctx, "t-1", "completed", mgr, "")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, testutil.Epoch.Add(time.Hour), *got.CompletedAt)
	assert.Equal(t, testutil.Epoch, *got.StartedAt, "started_at is kept")

	assert.Equal(t, []string{"pending>in_progress", "in_progress>review", "review>completed"}, seen)

	reviews, err := env.repo.ListNotifications(ctx, repo.NotificationFilters{RecipientID: "u-sales-mgr", Type: domain.NotifyReviewRequested})
	require.NoError(t, err)
	assert.Len(t, reviews, 1)
}

func TestReopenOnlyForClosingRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.task(t, "t-1", domain.DeptEditorial, "approved")
	mgr := domain.Actor{ID: "u-ed-mgr", Role: domain.RoleEditorialManager}

	done, err := env.m.ApplyTransition(ctx, "t-1", "completed", mgr, "")
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	_, err = env.m.ApplyTransition(ctx, "t-1", "in_progress", domain.Actor{ID: "u-sales-mgr", Role: domain.RoleSalesManager}, "")
	var uerr domain.UnauthorizedError
	require.ErrorAs(t, err, &uerr)

	_, err = env.m.ApplyTransition(ctx, "t-1", "review_requested", mgr, "")
	var ierr domain.InvalidTransitionError
	require.ErrorAs(t, err, &ierr, "terminal statuses have no next steps")

	reopened, err := env.m.ApplyTransition(ctx, "t-1", "in_progress", mgr, "missed a typo")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", reopened.Status)
	assert.Nil(t, reopened.CompletedAt)
	require.Len(t, reopened.History, 2)
	assert.Equal(t, domain.HistoryReopened, reopened.History[1].Action)
}

func TestRandomWalkKeepsStatusInEnum(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(7))
	roles := []string{
		domain.RoleAdmin, domain.RoleSalesManager, domain.RoleSalesTeam, domain.RoleEditorialManager,
		domain.RoleEditorialTeam, domain.RoleDesignManager, domain.RoleDesignTeam,
	}
	for _, dept := range env.m.Departments() {
		table, _ := env.m.Table(dept)
		id := "walk-" + dept
		env.task(t, id, dept, table.Initial())
		statuses := table.Statuses()
		successes := 0
		for i := 0; i < 60; i++ {
			to := statuses[rng.Intn(len(statuses))]
			role := roles[rng.Intn(len(roles))]
			if _, err := env.m.ApplyTransition(ctx, id, to, domain.Actor{ID: "u-admin", Role: role}, ""); err == nil {
				successes++
			}
		}
		got, err := env.repo.GetTask(ctx, id)
		require.NoError(t, err)
		assert.True(t, slices.Contains(statuses, got.Status), "%s status %s outside enum", dept, got.Status)
		assert.Len(t, got.History, successes)
	}
}
