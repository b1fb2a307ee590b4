package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMesh(t *testing.T) {
	cfg := DefaultMesh()
	require.Equal(t, 3, cfg.RetryMaxAttempts)
	require.Equal(t, 30*time.Second, cfg.RequestTimeout)
	require.False(t, cfg.AuthenticationRequired)
}

func TestMeshFromEnv(t *testing.T) {
	t.Setenv("FABRIC_MESH_REQUEST_TIMEOUT", "5s")
	t.Setenv("FABRIC_MESH_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("FABRIC_MESH_AUTH_REQUIRED", "true")

	cfg := MeshFromEnv()
	require.Equal(t, 5*time.Second, cfg.RequestTimeout)
	require.Equal(t, 7, cfg.RetryMaxAttempts)
	require.True(t, cfg.AuthenticationRequired)
}

func TestMeshFromEnvEncryption(t *testing.T) {
	t.Setenv("FABRIC_MESH_ENCRYPTION_ENABLED", "true")
	t.Setenv("FABRIC_MESH_KEY_ROTATION_INTERVAL", "12h")

	cfg := MeshFromEnv()
	require.True(t, cfg.EncryptionEnabled)
	require.Equal(t, 12*time.Hour, cfg.KeyRotationInterval)
}

func TestDefaultQueueAndStream(t *testing.T) {
	q := DefaultQueue()
	require.Equal(t, "fifo", q.Type)
	require.Greater(t, q.MaxSize, 0)

	s := DefaultStream()
	require.Equal(t, 4, s.Partitions)
	require.Equal(t, "delete", s.CleanupPolicy)
}
