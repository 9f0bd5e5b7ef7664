package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "frames:metadata", cfg.Consume.Stream)
	assert.Equal(t, "orchestrator", cfg.Consume.Group)
	assert.Equal(t, int64(64), cfg.Consume.BatchSize)
	assert.Equal(t, 10_000, cfg.Consume.RetryParkCap)
	assert.Equal(t, 4, cfg.Routing.MaxRoutingAttempts)
	assert.Equal(t, 3, cfg.Routing.MaxDispatchRetries)
	assert.Equal(t, 8, cfg.Routing.DispatchWorkers)
	assert.Equal(t, 2, cfg.Routing.QueueCapMultiplier)
	assert.Equal(t, 500*time.Millisecond, cfg.BlockWindow())
	assert.Equal(t, 30*time.Second, cfg.ClaimIdle())
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, time.Second, cfg.HealthTick())
	assert.Equal(t, 30*time.Second, cfg.CircuitCooldown())
	assert.Equal(t, 2*time.Minute, cfg.EvictionGrace())
	assert.Equal(t, 5, cfg.Health.FailureThreshold)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: redis.internal:6380
consume:
  batch_size: 16
camera_policies:
  cam1: [faces]
  cam2: [faces, objects]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, int64(16), cfg.Consume.BatchSize)
	assert.Equal(t, []string{"faces", "objects"}, cfg.CameraPolicies["cam2"])
	// Defaults still fill everything the file omits.
	assert.Equal(t, int64(500), int64(cfg.Consume.BlockMs))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "envhost:6379")
	t.Setenv("BATCH_SIZE", "7")
	t.Setenv("CAMERA_POLICIES", "cam1=faces;cam2=faces+objects")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "envhost:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(7), cfg.Consume.BatchSize)
	assert.Equal(t, []string{"faces"}, cfg.CameraPolicies["cam1"])
	assert.Equal(t, []string{"faces", "objects"}, cfg.CameraPolicies["cam2"])
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}
