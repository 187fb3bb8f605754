package deadline

import (
	"context"
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

func newMonitor(t *testing.T) (*Monitor, repo.Repo) {
	t.Helper()
	r := repo.Repo{DB: testutil.NewDB(t)}
	testutil.SeedStaff(t, r)
	clk := clock.NewFake(testutil.Epoch)
	cfg := config.Default()
	d := notify.NewDispatcher(r, nil, clk, nil, notify.Policy{})
	m, err := workflow.New(r, events.Writer{DB: r.DB, Now: clk.Now}, d, clk, lock.NewMutexMap(), nil, cfg)
	require.NoError(t, err)
	testutil.InsertEdition(t, r, "ed-1", domain.EditionInProduction)
	return New(r, d, m, clk, nil, PolicyFromConfig(cfg)), r
}

func editorialTask(t *testing.T, r repo.Repo, id, status string, due time.Time) {
	t.Helper()
	testutil.InsertTask(t, r, domain.Task{
		ID: id, EditionID: "ed-1", Department: domain.DeptEditorial, Title: "Cover story " + id,
		Status: status, AssigneeID: testutil.Ptr("u-ed"), Deadline: &due,
	})
}

func priorities(t *testing.T, r repo.Repo, typ string) map[string][]string {
	t.Helper()
	ns, err := r.ListNotifications(context.Background(), repo.NotificationFilters{Type: typ})
	require.NoError(t, err)
	out := map[string][]string{}
	for _, n := range ns {
		out[n.RecipientID] = append(out[n.RecipientID], n.Priority)
	}
	return out
}

func TestMissedDeadlineNotifiesOnEveryRun(t *testing.T) {
	ctx := context.Background()
	m, r := newMonitor(t)
	editorialTask(t, r, "t-1", "in_progress", testutil.Epoch.Add(-24*time.Hour))

	n, err := m.CheckMissedDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string][]string{
		"u-ed":     {domain.PriorityHigh},
		"u-ed-mgr": {domain.PriorityCritical},
	}, priorities(t, r, domain.NotifyDeadlineMissed))

	n, err = m.CheckMissedDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got := priorities(t, r, domain.NotifyDeadlineMissed)
	assert.Len(t, got["u-ed"], 2)
	assert.Len(t, got["u-ed-mgr"], 2)

	task, err := r.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", task.Status)
}

func TestApproachingWindow(t *testing.T) {
	ctx := context.Background()
	m, r := newMonitor(t)
	editorialTask(t, r, "soon", "draft", testutil.Epoch.Add(48*time.Hour))
	editorialTask(t, r, "edge", "draft", testutil.Epoch.Add(72*time.Hour))
	editorialTask(t, r, "later", "draft", testutil.Epoch.Add(5*24*time.Hour))
	editorialTask(t, r, "done", "completed", testutil.Epoch.Add(24*time.Hour))
	editorialTask(t, r, "late", "draft", testutil.Epoch.Add(-time.Hour))

	n, err := m.CheckApproachingDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ns, err := r.ListNotifications(ctx, repo.NotificationFilters{Type: domain.NotifyDeadlineApproaching})
	require.NoError(t, err)
	tasks := map[string]bool{}
	for _, n := range ns {
		assert.Equal(t, domain.PriorityMedium, n.Priority)
		tasks[n.TaskID] = true
	}
	assert.Equal(t, map[string]bool{"soon": true, "edge": true}, tasks)
}

func TestOverdueEscalatesToAdmins(t *testing.T) {
	ctx := context.Background()
	m, r := newMonitor(t)
	editorialTask(t, r, "overdue", "in_progress", testutil.Epoch.Add(-3*24*time.Hour))
	editorialTask(t, r, "recent", "in_progress", testutil.Epoch.Add(-24*time.Hour))

	n, err := m.CheckOverdueTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string][]string{
		"u-admin":  {domain.PriorityCritical},
		"u-ed-mgr": {domain.PriorityCritical},
	}, priorities(t, r, domain.NotifyTaskOverdue))
}

func TestRunAll(t *testing.T) {
	m, r := newMonitor(t)
	editorialTask(t, r, "soon", "draft", testutil.Epoch.Add(24*time.Hour))
	editorialTask(t, r, "overdue", "in_progress", testutil.Epoch.Add(-3*24*time.Hour))

	s, err := m.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Approaching: 2, Missed: 2, Overdue: 2}, s)
}
