package pairing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sub", "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleDevice(id, hash string) *Device {
	now := time.Now().UTC().Truncate(time.Second)
	return &Device{
		ID:          id,
		Name:        "test device",
		TokenHash:   hash,
		Fingerprint: "aabbccdd11223344",
		PairedAt:    now,
		LastSeen:    now,
	}
}

func TestSaveAndLookupByTokenHash(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveDevice(sampleDevice("d1", "hash-1")))

	got, err := store.GetDeviceByTokenHash("hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "d1", got.ID)
	assert.Equal(t, "test device", got.Name)

	missing, err := store.GetDeviceByTokenHash("hash-none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListDevices(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveDevice(sampleDevice("d1", "hash-1")))
	require.NoError(t, store.SaveDevice(sampleDevice("d2", "hash-2")))

	devices, err := store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestDeleteDevice(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveDevice(sampleDevice("d1", "hash-1")))
	require.NoError(t, store.DeleteDevice("d1"))
	require.NoError(t, store.DeleteDevice("d1")) // idempotent

	got, err := store.GetDeviceByTokenHash("hash-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateLastSeen(t *testing.T) {
	store := newTestStore(t)

	d := sampleDevice("d1", "hash-1")
	d.LastSeen = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, store.SaveDevice(d))

	later := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateLastSeen("d1", later))

	got, err := store.GetDeviceByTokenHash("hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.WithinDuration(t, later, got.LastSeen, time.Second)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.db")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveDevice(sampleDevice("d1", "hash-1")))
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetDeviceByTokenHash("hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "d1", got.ID)
}
