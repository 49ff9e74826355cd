package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.False(t, cfg.RateLimit.FailOpen)
	assert.Equal(t, 5, cfg.Detectors.BruteForce.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Detectors.BruteForce.Window)
	assert.Equal(t, 0.1, cfg.Detectors.ML.Contamination)
	assert.Equal(t, 3, cfg.Responder.DefaultMaxRetries)
	assert.Equal(t, "POST", cfg.Notify.Webhook.Method)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 100, cfg.API.RateLimit.Limit)
}

func TestLoad_SQLitePathDerivedFromDataDir(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./data/sentinel.db", cfg.SQLitePath)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_REDIS_ADDR", "redis-prod:6379")
	t.Setenv("SENTINEL_API_PORT", "9090")
	t.Setenv("SENTINEL_DETECTORS_BRUTE_FORCE_THRESHOLD", "12")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 12, cfg.Detectors.BruteForce.Threshold)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	yaml := `
sqlite_path: /var/lib/sentinel/threats.db
redis:
  addr: cache:6379
  pool_size: 25
detectors:
  suspicious_ip:
    high_threshold: 0.95
    medium_threshold: 0.8
    denylist:
      - 203.0.113.7
responder:
  playbook_dir: /etc/sentinel/playbooks
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sentinel/threats.db", cfg.SQLitePath)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, 25, cfg.Redis.PoolSize)
	assert.Equal(t, 0.95, cfg.Detectors.SuspiciousIP.HighThreshold)
	assert.Equal(t, []string{"203.0.113.7"}, cfg.Detectors.SuspiciousIP.Denylist)
	assert.Equal(t, "/etc/sentinel/playbooks", cfg.Responder.PlaybookDir)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLoad_CrossFieldValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "ml sample bounds inverted",
			yaml: "detectors:\n  ml:\n    min_samples: 500\n    max_samples: 100\n",
			want: "min_samples cannot exceed max_samples",
		},
		{
			name: "ip thresholds inverted",
			yaml: "detectors:\n  suspicious_ip:\n    medium_threshold: 0.95\n    high_threshold: 0.5\n",
			want: "medium_threshold cannot exceed high_threshold",
		},
		{
			name: "non-positive detector window",
			yaml: "detectors:\n  brute_force:\n    window: 0s\n",
			want: "brute_force.window must be positive",
		},
		{
			name: "non-positive responder interval",
			yaml: "responder:\n  poll_interval: 0s\n",
			want: "responder intervals must be positive",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))

			_, err := Load(path)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoad_TagValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  port: 70000\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid config")
}
