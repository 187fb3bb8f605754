package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/approval"
	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/lock"
	"pressline/internal/notify"
	"pressline/internal/repo"
	"pressline/internal/scheduler"
	"pressline/internal/testutil"
	"pressline/internal/workflow"
)

var (
	salesMgr  = domain.Actor{ID: "u-sales-mgr", Role: domain.RoleSalesManager}
	edMgr     = domain.Actor{ID: "u-ed-mgr", Role: domain.RoleEditorialManager}
	designMgr = domain.Actor{ID: "u-design-mgr", Role: domain.RoleDesignManager}
)

type env struct {
	o          *Orchestrator
	m          *workflow.Machine
	gate       *approval.Gate
	sched      *scheduler.Scheduler
	repo       repo.Repo
	clock      *clock.Fake
	cfg        *config.Config
	ev         events.Writer
	dispatcher *notify.Dispatcher
	locks      *lock.MutexMap
}

func newEnv(t *testing.T) env {
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
	g := approval.New(r, ev, d, m, clk, locks, nil, approval.PolicyFromConfig(cfg))
	s := scheduler.New(r, clk, nil)
	o := New(r, ev, s, m, g, d, clk, locks, nil, PolicyFromConfig(cfg))
	m.OnTransition(o.HandleTransition)
	return env{o: o, m: m, gate: g, sched: s, repo: r, clock: clk, cfg: cfg, ev: ev, dispatcher: d, locks: locks}
}

// launchRequested stores an edition whose launch was requested for the Epoch,
// with one ordinary task per department in the given status.
func (e env) launchRequested(t *testing.T, id, taskStatus string) {
	t.Helper()
	ctx := context.Background()
	ed := testutil.InsertEdition(t, e.repo, id, domain.EditionLaunchRequested)
	launch := testutil.Epoch
	ed.Launch = domain.LaunchStatus{RequestedBy: salesMgr.ID, RequestedAt: &launch, LaunchDate: &launch}
	tx, err := e.repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, e.repo.UpdateEdition(ctx, tx, ed))
	require.NoError(t, tx.Commit())

	testutil.InsertTask(t, e.repo, domain.Task{ID: id + "-feature", EditionID: id, Department: domain.DeptEditorial, Title: "Feature", Status: taskStatus})
	testutil.InsertTask(t, e.repo, domain.Task{ID: id + "-ads", EditionID: id, Department: domain.DeptSales, Title: "Ad sales", Status: "completed"})
}

func (e env) walk(t *testing.T, taskID string, actor domain.Actor, statuses ...string) {
	t.Helper()
	for _, s := range statuses {
		_, err := e.m.ApplyTransition(context.Background(), taskID, s, actor, "")
		require.NoError(t, err, "move %s to %s", taskID, s)
	}
}

func (e env) taskByTitle(t *testing.T, editionID, title string) domain.Task {
	t.Helper()
	tasks, err := e.repo.ListTasks(context.Background(), repo.TaskFilters{EditionID: editionID, Title: title})
	require.NoError(t, err)
	require.Len(t, tasks, 1, title)
	return tasks[0]
}

func day(d int) time.Time {
	return time.Date(2024, 6, d, 9, 0, 0, 0, time.UTC)
}

func TestTrackSchedulesFirstStepsByBusinessDays(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "completed")

	c, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)
	assert.Equal(t, domain.AutomationTracking, c.Status)

	st, err := e.o.Status(ctx, "ed-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EditionLaunched, st.Edition.Status)
	assert.True(t, st.Edition.ChainStarted)
	require.Len(t, st.PendingActions, 2)
	assert.Equal(t, "Prepare Reprints", st.PendingActions[0].Payload["title"])
	assert.Equal(t, day(18), st.PendingActions[0].FireAt)
	assert.Equal(t, "Prepare Twitter Marketing", st.PendingActions[1].Payload["title"])
	assert.Equal(t, day(19), st.PendingActions[1].FireAt)
	assert.Empty(t, st.AutomatedTasks)

	require.NoError(t, e.o.CheckEdition(ctx, "ed-1"))
	require.NoError(t, e.o.CheckAll(ctx))
	st, err = e.o.Status(ctx, "ed-1")
	require.NoError(t, err)
	assert.Len(t, st.PendingActions, 2, "the chain starts once")
}

func TestChainWaitsForOrdinaryWork(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "approved")

	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)
	st, err := e.o.Status(ctx, "ed-1")
	require.NoError(t, err)
	assert.Empty(t, st.PendingActions)
	assert.Equal(t, domain.EditionLaunchRequested, st.Edition.Status)

	e.walk(t, "ed-1-feature", edMgr, "completed")
	st, err = e.o.Status(ctx, "ed-1")
	require.NoError(t, err)
	assert.Len(t, st.PendingActions, 2, "completing the last task starts the chain")
}

func TestCompletedAutomatedTaskSchedulesFollowUpOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "completed")
	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)

	e.clock.Set(day(18))
	n, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reprints := e.taskByTitle(t, "ed-1", "Prepare Reprints")
	assert.True(t, reprints.Automated)
	assert.Equal(t, domain.DeptEditorial, reprints.Department)
	assert.Equal(t, "draft", reprints.Status)
	require.NotNil(t, reprints.Deadline)
	assert.Equal(t, day(20), *reprints.Deadline)

	e.walk(t, reprints.ID, edMgr, "in_progress", "review_requested", "approved", "completed")

	next, err := e.sched.PendingForTask(ctx, reprints.ID)
	require.NoError(t, err)
	assert.Equal(t, KindCreateTask, next.Kind)
	assert.Equal(t, "Reprint Marketing Follow-up", next.Payload["title"])
	assert.Equal(t, day(19), next.FireAt)

	require.NoError(t, e.o.CheckEdition(ctx, "ed-1"))
	require.NoError(t, e.o.CheckEdition(ctx, "ed-1"))
	actions, err := e.repo.ListScheduledActions(ctx, repo.ActionFilters{TaskID: reprints.ID})
	require.NoError(t, err)
	assert.Len(t, actions, 1)

	stored, err := e.repo.GetTask(ctx, reprints.ID)
	require.NoError(t, err)
	assert.True(t, stored.NextStepCreated)
	require.NotNil(t, stored.NextStepScheduledFor)
	assert.Equal(t, day(19), *stored.NextStepScheduledFor)
}

func TestChainRunsThroughPrintGeneration(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "completed")
	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)

	e.clock.Set(day(18))
	_, err = e.sched.Tick(ctx)
	require.NoError(t, err)
	reprints := e.taskByTitle(t, "ed-1", "Prepare Reprints")
	e.walk(t, reprints.ID, edMgr, "in_progress", "review_requested", "approved", "completed")

	e.clock.Set(day(19))
	n, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	e.taskByTitle(t, "ed-1", "Reprint Marketing Follow-up")
	twitter := e.taskByTitle(t, "ed-1", "Prepare Twitter Marketing")
	assert.Equal(t, domain.DeptSales, twitter.Department)

	e.walk(t, twitter.ID, salesMgr, "in_progress", "review", "completed")
	ed, err := e.repo.GetEdition(ctx, "ed-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EditionPrintApprovalPending, ed.Status)
	assert.True(t, ed.PrintRequest.Pending)

	_, err = e.gate.Approve(ctx, "ed-1", domain.DeptSales, salesMgr)
	require.NoError(t, err)
	_, err = e.gate.Approve(ctx, "ed-1", domain.DeptEditorial, edMgr)
	require.NoError(t, err)

	printTask := e.taskByTitle(t, "ed-1", "Generate Print")
	e.walk(t, printTask.ID, designMgr, "in_progress", "proof_ready", "approved", "completed")

	ed, err = e.repo.GetEdition(ctx, "ed-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EditionPrintGenerated, ed.Status)

	ns, err := e.repo.ListNotifications(ctx, repo.NotificationFilters{RecipientID: "u-sales-mgr", Type: domain.NotifyEditionFinalized})
	require.NoError(t, err)
	assert.Len(t, ns, 1)

	history, err := e.o.History(ctx, "ed-1")
	require.NoError(t, err)
	var types []string
	for _, ev := range history {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.AutomationTracked)
	assert.Contains(t, types, events.EditionLaunched)
	assert.Contains(t, types, events.AutomationTaskSpawned)
	assert.Contains(t, types, events.ApprovalGranted)
	assert.Contains(t, types, events.EditionFinalized)
}

func TestPausedEditionIsSkipped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "approved")
	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)

	c, err := e.o.Pause(ctx, "ed-1", salesMgr)
	require.NoError(t, err)
	assert.Equal(t, domain.AutomationPaused, c.Status)

	e.walk(t, "ed-1-feature", edMgr, "completed")
	require.NoError(t, e.o.CheckAll(ctx))
	st, err := e.o.Status(ctx, "ed-1")
	require.NoError(t, err)
	assert.Empty(t, st.PendingActions)

	c, err = e.o.Resume(ctx, "ed-1", salesMgr)
	require.NoError(t, err)
	assert.Equal(t, domain.AutomationTracking, c.Status)
	st, err = e.o.Status(ctx, "ed-1")
	require.NoError(t, err)
	assert.Len(t, st.PendingActions, 2)

	_, err = e.o.Pause(ctx, "missing", salesMgr)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOverrideSchedule(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "completed")
	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)
	st, err := e.o.Status(ctx, "ed-1")
	require.NoError(t, err)
	reprintsAction, twitterAction := st.PendingActions[0], st.PendingActions[1]

	moved, err := e.o.OverrideSchedule(ctx, reprintsAction.ID, day(21), salesMgr)
	require.NoError(t, err)
	assert.Equal(t, day(21), moved.FireAt)
	assert.Equal(t, reprintsAction.Kind, moved.Kind)
	old, err := e.repo.GetScheduledAction(ctx, reprintsAction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCancelled, old.Status)

	_, err = e.o.OverrideSchedule(ctx, reprintsAction.ID, day(24), salesMgr)
	require.ErrorIs(t, err, repo.ErrNotFound, "a cancelled action cannot be moved again")
	_, err = e.o.OverrideSchedule(ctx, "no-such-task", day(24), salesMgr)
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = e.o.OverrideSchedule(ctx, twitterAction.ID, testutil.Epoch.Add(-time.Hour), salesMgr)
	require.NoError(t, err)
	twitter := e.taskByTitle(t, "ed-1", "Prepare Twitter Marketing")
	assert.True(t, twitter.Automated, "a past-due override runs right away")
	fired, err := e.repo.ListScheduledActions(ctx, repo.ActionFilters{EditionID: "ed-1", Status: domain.ActionFired})
	require.NoError(t, err)
	assert.Len(t, fired, 1, "the past-due override keeps its row")
}

func TestOverrideMovesChainMarker(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "completed")
	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)
	e.clock.Set(day(18))
	_, err = e.sched.Tick(ctx)
	require.NoError(t, err)
	reprints := e.taskByTitle(t, "ed-1", "Prepare Reprints")
	e.walk(t, reprints.ID, edMgr, "in_progress", "review_requested", "approved", "completed")

	_, err = e.o.OverrideSchedule(ctx, reprints.ID, day(25), salesMgr)
	require.NoError(t, err)
	stored, err := e.repo.GetTask(ctx, reprints.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextStepScheduledFor)
	assert.Equal(t, day(25), *stored.NextStepScheduledFor)
	next, err := e.sched.PendingForTask(ctx, reprints.ID)
	require.NoError(t, err)
	assert.Equal(t, day(25), next.FireAt)
}

func TestTrackStopAndRecover(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "completed")

	first, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)
	again, err := e.o.Track(ctx, "ed-1", domain.Actor{ID: "u-admin", Role: domain.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, first.StartedBy, again.StartedBy)
	tracked, err := e.repo.ListEvents(ctx, repo.EventFilters{EditionID: "ed-1", Type: events.AutomationTracked})
	require.NoError(t, err)
	assert.Len(t, tracked, 1)

	_, err = e.o.Track(ctx, "missing", salesMgr)
	require.ErrorIs(t, err, repo.ErrNotFound)

	restarted := New(e.repo, e.ev, scheduler.New(e.repo, e.clock, nil), e.m, e.gate, e.dispatcher, e.clock, e.locks, nil, PolicyFromConfig(e.cfg))
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, restarted.Tracked(), 1)
	assert.Equal(t, "ed-1", restarted.Tracked()[0].EditionID)

	require.NoError(t, e.o.Stop(ctx, "ed-1", salesMgr))
	_, err = e.o.Status(ctx, "ed-1")
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.ErrorIs(t, e.o.Stop(ctx, "ed-1", salesMgr), repo.ErrNotFound)
	assert.Empty(t, e.o.Tracked())
}

func TestStopCancelsPendingActions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "completed")
	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)
	pending, err := e.sched.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, e.o.Stop(ctx, "ed-1", salesMgr))
	pending, err = e.sched.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	cancelled, err := e.repo.ListScheduledActions(ctx, repo.ActionFilters{EditionID: "ed-1", Status: domain.ActionCancelled})
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	e.clock.Set(day(20))
	n, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	automated := true
	tasks, err := e.repo.ListTasks(ctx, repo.TaskFilters{EditionID: "ed-1", Automated: &automated})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCheckEditionIgnoresCallerCancellation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "approved")
	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)

	// Complete the last task without a transition so only an explicit check starts the chain.
	task, err := e.repo.GetTask(ctx, "ed-1-feature")
	require.NoError(t, err)
	task.Status = "completed"
	tx, err := e.repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, e.repo.UpdateTask(ctx, tx, task))
	require.NoError(t, tx.Commit())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, e.o.CheckEdition(cancelled, "ed-1"))

	st, err := e.o.Status(ctx, "ed-1")
	require.NoError(t, err)
	assert.Len(t, st.PendingActions, 2)
}

func TestHandlersLeaveClosedEditionAlone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.launchRequested(t, "ed-1", "completed")
	_, err := e.o.Track(ctx, "ed-1", salesMgr)
	require.NoError(t, err)

	// Archive behind the orchestrator's back so the stored actions are still pending.
	ed, err := e.repo.GetEdition(ctx, "ed-1")
	require.NoError(t, err)
	ed.Status = domain.EditionArchived
	tx, err := e.repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, e.repo.UpdateEdition(ctx, tx, ed))
	require.NoError(t, tx.Commit())

	e.clock.Set(day(20))
	n, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	automated := true
	tasks, err := e.repo.ListTasks(ctx, repo.TaskFilters{EditionID: "ed-1", Automated: &automated})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	failed, err := e.repo.ListScheduledActions(ctx, repo.ActionFilters{EditionID: "ed-1", Status: domain.ActionFailed})
	require.NoError(t, err)
	assert.Empty(t, failed)

	require.NoError(t, e.o.handleRequestPrintApproval(ctx, domain.ScheduledAction{ID: "late-approval", Kind: KindRequestPrintApproval, EditionID: "ed-1"}))
	require.NoError(t, e.o.handleFinalizeEdition(ctx, domain.ScheduledAction{ID: "late-finalize", Kind: KindFinalizeEdition, EditionID: "ed-1"}))
	ed, err = e.repo.GetEdition(ctx, "ed-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EditionArchived, ed.Status)
	assert.False(t, ed.PrintRequest.Pending)
}

func TestDecodeTemplateAcceptsStoredNumbers(t *testing.T) {
	tpl, err := decodeTemplate(map[string]any{"title": "Prepare Reprints", "department": "Editorial", "deadline_business_days": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, tpl.DeadlineBusinessDays)

	_, err = decodeTemplate(map[string]any{"title": "x"})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
}
