package approval

import (
	"context"
	"sync"
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
	"pressline/internal/workflow"
)

var (
	salesMgr = domain.Actor{ID: "u-sales-mgr", Role: domain.RoleSalesManager}
	edMgr    = domain.Actor{ID: "u-ed-mgr", Role: domain.RoleEditorialManager}
)

func newGate(t *testing.T) (*Gate, repo.Repo, *clock.Fake) {
	t.Helper()
	r := repo.Repo{DB: testutil.NewDB(t)}
	testutil.SeedStaff(t, r)
	clk := clock.NewFake(testutil.Epoch)
	cfg := config.Default()
	d := notify.NewDispatcher(r, nil, clk, nil, notify.Policy{})
	ev := events.Writer{DB: r.DB, Now: clk.Now}
	locks := lock.NewMutexMap()
	m, err := workflow.New(r, ev, d, clk, locks, nil, cfg)
	require.NoError(t, err)
	return New(r, ev, d, m, clk, locks, nil, PolicyFromConfig(cfg)), r, clk
}

func printTasks(t *testing.T, r repo.Repo, editionID string) []domain.Task {
	t.Helper()
	tasks, err := r.ListTasks(context.Background(), repo.TaskFilters{EditionID: editionID, Title: "Generate Print"})
	require.NoError(t, err)
	return tasks
}

func TestSecondApprovalReleasesPrintTask(t *testing.T) {
	ctx := context.Background()
	g, r, _ := newGate(t)
	testutil.InsertEdition(t, r, "ed-1", domain.EditionLaunched)

	e, err := g.RequestApproval(ctx, "ed-1", salesMgr, "ready when you are")
	require.NoError(t, err)
	assert.Equal(t, domain.EditionPrintApprovalPending, e.Status)
	require.NotNil(t, e.PrintRequest.ExpiresAt)
	assert.Equal(t, testutil.Epoch.Add(7*24*time.Hour), *e.PrintRequest.ExpiresAt)

	e, err = g.Approve(ctx, "ed-1", domain.DeptSales, salesMgr)
	require.NoError(t, err)
	assert.True(t, e.PrintRequest.SalesApproved)
	assert.Empty(t, printTasks(t, r, "ed-1"), "one approval never releases the print task")

	again, err := g.Approve(ctx, "ed-1", domain.DeptSales, salesMgr)
	require.NoError(t, err)
	assert.Equal(t, e.PrintRequest, again.PrintRequest)
	assert.Empty(t, printTasks(t, r, "ed-1"))

	e, err = g.Approve(ctx, "ed-1", domain.DeptEditorial, edMgr)
	require.NoError(t, err)
	assert.Equal(t, domain.EditionPrintApproved, e.Status)
	assert.False(t, e.PrintRequest.Pending)
	require.NotNil(t, e.PrintRequest.ApprovedAt)

	tasks := printTasks(t, r, "ed-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.DeptDesign, tasks[0].Department)
	assert.Equal(t, "pending", tasks[0].Status)
	assert.True(t, tasks[0].Automated)
	require.NotNil(t, tasks[0].Deadline)
	assert.Equal(t, time.Date(2024, 6, 18, 9, 0, 0, 0, time.UTC), *tasks[0].Deadline)

	_, err = g.Approve(ctx, "ed-1", domain.DeptEditorial, edMgr)
	require.NoError(t, err)
	assert.Len(t, printTasks(t, r, "ed-1"), 1)

	for _, id := range []string{"u-design", "u-design-mgr"} {
		ns, err := r.ListNotifications(ctx, repo.NotificationFilters{RecipientID: id, Type: domain.NotifyPrintTaskCreated})
		require.NoError(t, err)
		assert.Len(t, ns, 1, id)
	}
	requested, err := r.ListNotifications(ctx, repo.NotificationFilters{RecipientID: "u-ed-mgr", Type: domain.NotifyPrintApprovalRequested})
	require.NoError(t, err)
	assert.Len(t, requested, 1)
}

func TestApproveAfterExpiry(t *testing.T) {
	ctx := context.Background()
	g, r, clk := newGate(t)
	testutil.InsertEdition(t, r, "ed-1", domain.EditionLaunched)

	_, err := g.RequestApproval(ctx, "ed-1", salesMgr, "")
	require.NoError(t, err)
	_, err = g.Approve(ctx, "ed-1", domain.DeptSales, salesMgr)
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	_, err = g.Approve(ctx, "ed-1", domain.DeptEditorial, edMgr)
	require.ErrorIs(t, err, domain.ErrApprovalExpired)
	assert.Empty(t, printTasks(t, r, "ed-1"))

	stored, err := r.GetEdition(ctx, "ed-1")
	require.NoError(t, err)
	assert.False(t, stored.PrintRequest.EditorialApproved)
	assert.Equal(t, domain.EditionPrintApprovalPending, stored.Status)

	renewed, err := g.RequestApproval(ctx, "ed-1", salesMgr, "second try")
	require.NoError(t, err)
	assert.False(t, renewed.PrintRequest.SalesApproved, "a new request starts over")
	_, err = g.Approve(ctx, "ed-1", domain.DeptEditorial, edMgr)
	require.NoError(t, err)
}

func TestApproveWithoutRequest(t *testing.T) {
	g, r, _ := newGate(t)
	testutil.InsertEdition(t, r, "ed-1", domain.EditionLaunched)

	_, err := g.Approve(context.Background(), "ed-1", domain.DeptSales, salesMgr)
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = g.Approve(context.Background(), "ed-1", domain.DeptDesign, salesMgr)
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRequestRejectsEditionsOutsideWindow(t *testing.T) {
	g, r, _ := newGate(t)
	testutil.InsertEdition(t, r, "early", domain.EditionPlanning)
	testutil.InsertEdition(t, r, "late", domain.EditionPrintGenerated)

	for _, id := range []string{"early", "late"} {
		_, err := g.RequestApproval(context.Background(), id, salesMgr, "")
		var ierr domain.InvalidTransitionError
		require.ErrorAs(t, err, &ierr, id)
	}
}

func TestConcurrentApprovalsCreateOnePrintTask(t *testing.T) {
	ctx := context.Background()
	g, r, _ := newGate(t)
	ids := []string{"ed-1", "ed-2", "ed-3", "ed-4"}
	for _, id := range ids {
		testutil.InsertEdition(t, r, id, domain.EditionLaunched)
		_, err := g.RequestApproval(ctx, id, salesMgr, "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids)*4)
	for _, id := range ids {
		for _, approval := range []struct {
			dept  string
			actor domain.Actor
		}{
			{domain.DeptSales, salesMgr}, {domain.DeptEditorial, edMgr},
			{domain.DeptEditorial, edMgr}, {domain.DeptSales, salesMgr},
		} {
			wg.Add(1)
			go func(id, dept string, actor domain.Actor) {
				defer wg.Done()
				if _, err := g.Approve(ctx, id, dept, actor); err != nil {
					errs <- err
				}
			}(id, approval.dept, approval.actor)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range ids {
		assert.Len(t, printTasks(t, r, id), 1, id)
		e, err := r.GetEdition(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.EditionPrintApproved, e.Status)
	}
}
