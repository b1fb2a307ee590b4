package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	kr, err := NewKeyRing(0)
	require.NoError(t, err)
	defer kr.Close()

	sealed, err := kr.Seal([]byte("order-42 payload"))
	require.NoError(t, err)
	assert.True(t, sealed.Encrypted)

	plain, err := kr.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "order-42 payload", string(plain))
}

func TestRotateRetainsOldKeyForGraceWindow(t *testing.T) {
	kr, err := NewKeyRing(0)
	require.NoError(t, err)
	defer kr.Close()

	sealed, err := kr.Seal([]byte("in-flight"))
	require.NoError(t, err)

	require.NoError(t, kr.Rotate())

	plain, err := kr.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "in-flight", string(plain))
}

func TestRotateEvictsKeysPastRetention(t *testing.T) {
	kr, err := NewKeyRing(0)
	require.NoError(t, err)
	defer kr.Close()

	sealed, err := kr.Seal([]byte("stale"))
	require.NoError(t, err)

	require.NoError(t, kr.Rotate())
	kr.mu.Lock()
	for _, k := range kr.retired {
		k.retiredAt = time.Now().Add(-25 * time.Hour)
	}
	kr.mu.Unlock()
	require.NoError(t, kr.Rotate())

	_, err = kr.Open(sealed)
	assert.Error(t, err)
}

func TestCloseClearsKeys(t *testing.T) {
	kr, err := NewKeyRing(0)
	require.NoError(t, err)

	kr.Close()
	_, err = kr.Seal([]byte("anything"))
	assert.Error(t, err)
}
