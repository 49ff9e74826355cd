package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sentinel/config"
	"sentinel/storage"
)

const playbookYAML = `id: pb-contain
name: contain brute force
enabled: true
priority: 10
trigger:
  threat_types: [brute_force]
  min_severity: high
actions:
  - type: block_ip
    parameters:
      ip: "{source_ip}"
`

func TestLoadPlaybooks_UpsertsOnRestart(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	db, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contain.yaml"), []byte(playbookYAML), 0o644))

	app := &App{Sugar: logger, DB: db}
	require.NoError(t, app.loadPlaybooks(dir))

	pb, err := db.GetPlaybook(context.Background(), "pb-contain")
	require.NoError(t, err)
	assert.Equal(t, 10, pb.Priority)

	// Editing the file and reloading updates the stored copy.
	edited := []byte(playbookYAML)
	edited = append([]byte("# updated\n"), edited...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contain.yaml"), edited, 0o644))
	require.NoError(t, app.loadPlaybooks(dir))

	again, err := db.GetPlaybook(context.Background(), "pb-contain")
	require.NoError(t, err)
	assert.Equal(t, pb.ID, again.ID)
}

func TestBuildChannels_FollowsConfigFlags(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	cfg := &config.Config{}
	app := &App{Config: cfg, Sugar: logger}

	assert.Empty(t, app.buildChannels())

	cfg.Notify.Webhook.Enabled = true
	cfg.Notify.Webhook.URL = "https://hooks.example.com/sec"
	cfg.Notify.Webhook.Method = "POST"
	cfg.Notify.Pager.Enabled = true
	cfg.Notify.Pager.URL = "https://pager.example.com/v1/alerts"

	channels := app.buildChannels()
	require.Len(t, channels, 2)
	assert.Equal(t, "webhook", channels[0].Name())
	assert.Equal(t, "pager", channels[1].Name())
}
