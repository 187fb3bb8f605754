package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Departments, 3)
	assert.Equal(t, []string{"editorial_manager"}, cfg.ManagerRoles("Editorial"))
	assert.Equal(t, 7, cfg.Approval.ExpiryDays)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	require.Len(t, cfg.Automation.FirstSteps, 2)
	assert.Equal(t, "Prepare Reprints", cfg.Automation.FirstSteps[0].Title)
	assert.Equal(t, 2, cfg.Automation.FirstSteps[0].OffsetBusinessDays)
	assert.Equal(t, 3, cfg.Automation.FirstSteps[1].OffsetBusinessDays)
}

func TestValidateRejectsBrokenWorkflow(t *testing.T) {
	cases := map[string]string{
		"unknown next": `
  X:
    steps:
      - status: a
        next: [b]
        roles: [r]`,
		"terminal with next": `
  X:
    steps:
      - status: a
        next: [a]
        roles: [r]
        terminal: true`,
		"no roles": `
  X:
    steps:
      - status: a`,
	}
	for name, depts := range cases {
		t.Run(name, func(t *testing.T) {
			doc := strings.Replace(defaultTemplate, "departments:\n", "departments:"+depts+"\n", 1)
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestValidateRejectsUnknownChainAction(t *testing.T) {
	doc := strings.Replace(defaultTemplate, "action: finalize_edition", "action: explode", 1)
	_, err := FromYAML([]byte(doc))
	require.ErrorContains(t, err, "unknown action")
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Departments)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	require.NoError(t, os.WriteFile(path, []byte(defaultTemplate), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, nil, func(c *Config) {
		select {
		case got <- c:
		default:
		}
	}))

	updated := strings.Replace(defaultTemplate, "approaching_days: 3", "approaching_days: 5", 1)
	require.NoError(t, os.WriteFile(filepath.Clean(path), []byte(updated), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, 5, cfg.Deadlines.ApproachingDays)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
