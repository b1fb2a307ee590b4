// Package config holds the plain Go structs backing the fabric's
// configuration surface (§6.4): Mesh, Queue, and Stream options, each
// with a Default* constructor, in the style of the teacher's
// pkg/log.Config. Mesh can also be loaded from FABRIC_MESH_* environment
// variables by MeshFromEnv; Queue and Stream have no environment loader.
// There is no file parser since config-file parsing is out of scope.
package config

import (
	"os"
	"strconv"
	"time"
)

// Mesh is the configuration surface for the Mesh Controller (§6.4 "Mesh").
type Mesh struct {
	EncryptionEnabled       bool
	KeyRotationInterval     time.Duration
	TracingEnabled          bool
	MetricsEnabled          bool
	SamplingRate            float64
	MTLS                    bool
	AuthenticationRequired  bool
	MaxConnections          int
	ConnectionTimeout       time.Duration
	RequestTimeout          time.Duration
	RetryMaxAttempts        int
	RetryInitialDelay       time.Duration
	RetryMaxDelay           time.Duration
	RetryBackoffMultiplier  float64
}

// DefaultMesh returns a Mesh configuration with the values the teacher's
// ingress proxy and retry loop use as fallbacks.
func DefaultMesh() Mesh {
	return Mesh{
		EncryptionEnabled:      false,
		KeyRotationInterval:    24 * time.Hour,
		TracingEnabled:         true,
		MetricsEnabled:         true,
		SamplingRate:           1.0,
		MTLS:                   false,
		AuthenticationRequired: false,
		MaxConnections:         1000,
		ConnectionTimeout:      5 * time.Second,
		RequestTimeout:         30 * time.Second,
		RetryMaxAttempts:       3,
		RetryInitialDelay:      100 * time.Millisecond,
		RetryMaxDelay:          2 * time.Second,
		RetryBackoffMultiplier: 2.0,
	}
}

// MeshFromEnv overlays DefaultMesh() with FABRIC_MESH_* environment
// variables, mirroring the teacher's habit of wiring config through flags
// and env vars rather than a config file.
func MeshFromEnv() Mesh {
	cfg := DefaultMesh()
	if v, ok := os.LookupEnv("FABRIC_MESH_REQUEST_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if v, ok := os.LookupEnv("FABRIC_MESH_RETRY_MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryMaxAttempts = n
		}
	}
	if v, ok := os.LookupEnv("FABRIC_MESH_AUTH_REQUIRED"); ok {
		cfg.AuthenticationRequired = v == "true" || v == "1"
	}
	if v, ok := os.LookupEnv("FABRIC_MESH_MTLS"); ok {
		cfg.MTLS = v == "true" || v == "1"
	}
	if v, ok := os.LookupEnv("FABRIC_MESH_ENCRYPTION_ENABLED"); ok {
		cfg.EncryptionEnabled = v == "true" || v == "1"
	}
	if v, ok := os.LookupEnv("FABRIC_MESH_KEY_ROTATION_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.KeyRotationInterval = d
		}
	}
	return cfg
}

// Queue is the per-queue configuration surface (§6.4 "Queue").
type Queue struct {
	Type                   string
	MaxSize                int
	MaxMessageSize         int
	MessageRetentionSeconds int64
	DeadLetterQueue        string
	DLQThreshold           int
	Encryption             bool
	Persistence            bool
	Replication            int
}

// DefaultQueue returns reasonable defaults for a new queue.
func DefaultQueue() Queue {
	return Queue{
		Type:                    "fifo",
		MaxSize:                 10000,
		MaxMessageSize:          256 * 1024,
		MessageRetentionSeconds: int64((24 * time.Hour).Seconds()),
		DLQThreshold:            5,
		Encryption:              false,
		Persistence:             false,
		Replication:             1,
	}
}

// Stream is the per-stream configuration surface (§6.4 "Stream").
type Stream struct {
	Partitions        int
	ReplicationFactor int
	RetentionHours    int
	RetentionBytes    int64
	Compression       bool
	CleanupPolicy     string
	SegmentSize       int64
	IndexInterval     int
}

// DefaultStream returns reasonable defaults for a new stream.
func DefaultStream() Stream {
	return Stream{
		Partitions:        4,
		ReplicationFactor: 1,
		RetentionHours:    168,
		RetentionBytes:    1 << 30,
		Compression:       false,
		CleanupPolicy:     "delete",
		SegmentSize:       64 * 1024 * 1024,
		IndexInterval:     4096,
	}
}
