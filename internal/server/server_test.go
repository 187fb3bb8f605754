package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/engine"
	"pressline/internal/testutil"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	conn := testutil.NewDB(t)
	e, err := engine.New(conn, config.Default(), engine.WithClock(clock.NewFake(testutil.Epoch)))
	require.NoError(t, err)
	testutil.SeedStaff(t, e.Repo)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true, DevLogin: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func as(userID string) map[string]string {
	return map[string]string{"X-Actor-Id": userID}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestAuthentication(t *testing.T) {
	srv, _ := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/editions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, as("ghost"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]string{"user_id": "u-sales-mgr"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, WhoAmIResponse{UserID: "u-sales-mgr", Role: domain.RoleSalesManager, Source: "jwt"}, me)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv, e := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/editions", CreateEditionRequest{BrandID: "brand-1", Name: "June"}, as("u-ed"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/editions", CreateEditionRequest{ID: "ed-1", BrandID: "brand-1", Name: "June"}, as("u-ed-mgr"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", CreateTaskRequest{EditionID: "ed-1", Department: domain.DeptEditorial}, as("u-ed-mgr"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, as("u-ed"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/editions/ed-1/sign-off", SignOffRequest{}, as("u-sales-mgr"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", CreateTaskRequest{EditionID: "ed-1", Department: domain.DeptEditorial, Title: "Cover"}, as("u-ed-mgr"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var task domain.Task
	require.NoError(t, json.Unmarshal(data, &task))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/transition", TransitionRequest{Status: "in_progress"}, as("u-design"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "transition_not_permitted", errorCode(t, data))

	ed, err := e.GetEdition(context.Background(), "ed-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EditionInProduction, ed.Status)
}

func TestLaunchAndAutomationStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/editions", CreateEditionRequest{ID: "ed-1", BrandID: "brand-1", Name: "June"}, as("u-sales-mgr"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/editions/ed-1/launch", LaunchRequest{Notes: "go"}, as("u-sales-mgr"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var ed domain.Edition
	require.NoError(t, json.Unmarshal(data, &ed))
	assert.Equal(t, domain.EditionLaunched, ed.Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/editions/ed-1/automation", nil, as("u-ed"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var st AutomationStatusResponse
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, domain.AutomationTracking, st.Context.Status)
	require.Len(t, st.PendingActions, 2)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/schedules", nil, as("u-ed"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/editions/ed-1/print-approval/Sales", nil, as("u-sales-mgr"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, as("u-ed"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var signatures []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		signatures = append(signatures, r.Header.Get("X-Pressline-Signature"))
		mu.Unlock()
	}))
	t.Cleanup(hook.Close)

	_, e := newTestServer(t)
	cfg := config.Default()
	cfg.Webhooks = []config.Webhook{{ID: "ops", URL: hook.URL, Events: []string{"edition.created"}, Secret: "s3cret", Enabled: true}}
	require.NoError(t, e.Reload(cfg))

	ctx := context.Background()
	admin := domain.Actor{ID: "u-admin", Role: domain.RoleAdmin}
	_, err := e.CreateEdition(ctx, admin, engine.EditionCreateOptions{ID: "before", BrandID: "b", Name: "Before"})
	require.NoError(t, err)

	d := NewWebhookDispatcher(e, nil)
	d.DispatchOnce(ctx)
	_, err = e.CreateEdition(ctx, admin, engine.EditionCreateOptions{ID: "after", BrandID: "b", Name: "After"})
	require.NoError(t, err)
	_, err = e.CreateTask(ctx, admin, engine.TaskCreateOptions{EditionID: "after", Department: domain.DeptSales, Title: "Ads"})
	require.NoError(t, err)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "edition.created", got[0].Type)
	assert.Equal(t, "after", got[0].EditionID)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, signatures[0])
}
