package presslinesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/engine"
	"pressline/internal/server"
	"pressline/internal/testutil"
	presslinesdk "pressline/sdk/go"
)

func newServer(t *testing.T) string {
	t.Helper()
	e, err := engine.New(testutil.NewDB(t), config.Default(), engine.WithClock(clock.NewFake(testutil.Epoch)))
	require.NoError(t, err)
	testutil.SeedStaff(t, e.Repo)
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: "sdk-secret", AllowActorHeader: true, DevLogin: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL + "/v0"
}

func TestClientDrivesAnEditionToLaunch(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()

	mgr := presslinesdk.New(base)
	require.NoError(t, mgr.Login(ctx, "u-ed-mgr"))
	ed, err := mgr.CreateEdition(ctx, "ed-1", "brand-1", "June issue")
	require.NoError(t, err)
	assert.Equal(t, "planning", ed.Status)

	task, err := mgr.CreateTask(ctx, presslinesdk.TaskInput{EditionID: "ed-1", Department: "Editorial", Title: "Cover story", AssigneeID: "u-ed"})
	require.NoError(t, err)
	assert.Equal(t, "draft", task.Status)

	editor := presslinesdk.New(base)
	editor.ActorID = "u-ed"
	notes, err := editor.Notifications(ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, notes)
	assert.Equal(t, task.ID, notes[0].TaskID)

	for _, status := range []string{"in_progress", "review_requested"} {
		_, err = editor.Transition(ctx, task.ID, status, "")
		require.NoError(t, err)
	}
	for _, status := range []string{"approved", "completed"} {
		_, err = mgr.Transition(ctx, task.ID, status, "")
		require.NoError(t, err)
	}

	sales := presslinesdk.New(base)
	require.NoError(t, sales.Login(ctx, "u-sales-mgr"))
	ed, err = sales.Launch(ctx, "ed-1", nil, "on time")
	require.NoError(t, err)
	assert.Equal(t, "launched", ed.Status)

	st, err := editor.AutomationStatus(ctx, "ed-1")
	require.NoError(t, err)
	assert.Equal(t, "tracking", st.Context.Status)
	assert.Len(t, st.PendingActions, 2)

	page, err := editor.EventsPage(ctx, 3, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	next, err := editor.EventsPage(ctx, 3, page.NextCursor)
	require.NoError(t, err)
	require.NotEmpty(t, next.Items)
	assert.Greater(t, next.Items[0].ID, page.Items[2].ID)
}

func TestClientErrors(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()

	editor := presslinesdk.New(base)
	editor.ActorID = "u-ed"
	_, err := editor.CreateEdition(ctx, "", "brand-1", "Nope")
	require.Error(t, err)
	assert.True(t, presslinesdk.IsCode(err, "forbidden"), err.Error())

	_, err = editor.GetTask(ctx, "missing")
	var apiErr *presslinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	anon := presslinesdk.New(base)
	_, err = anon.GetEdition(ctx, "ed-1")
	assert.True(t, presslinesdk.IsCode(err, "unauthorized"), err.Error())
}
