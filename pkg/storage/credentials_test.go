package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
)

func openDB(t *testing.T, path, password string) *CredentialDB {
	t.Helper()
	db, err := NewCredentialDB(path, password, crypto.AESGCMSHA256())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRecord(t *testing.T, cred string) credential.Record {
	t.Helper()
	b := crypto.AESGCMSHA256()
	_, device, err := crypto.GenerateKeyPair(b)
	require.NoError(t, err)
	host, err := crypto.GenerateKey(b)
	require.NoError(t, err)
	return credential.Record{DeviceStaticKey: device, HostStaticKey: host, Credential: []byte(cred)}
}

func TestCredentialDBSaveGet(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "creds.db"), "secret")
	rec := newRecord(t, "first")
	require.NoError(t, db.Save(rec))

	got, err := db.Get(rec.DeviceStaticKey)
	require.NoError(t, err)
	assert.Equal(t, rec, got.Record)
	assert.NotZero(t, got.CreatedAt)
	assert.Zero(t, got.LastUsed)

	rec.Credential = []byte("replaced")
	require.NoError(t, db.Save(rec))
	got, err = db.Get(rec.DeviceStaticKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), got.Credential)

	all, err := db.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCredentialDBDelete(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "creds.db"), "secret")
	rec := newRecord(t, "cred")
	require.NoError(t, db.Save(rec))

	require.NoError(t, db.Delete(rec.DeviceStaticKey))
	assert.ErrorIs(t, db.Delete(rec.DeviceStaticKey), ErrNotFound)
	_, err := db.Get(rec.DeviceStaticKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredentialDBLookup(t *testing.T) {
	b := crypto.AESGCMSHA256()
	db := openDB(t, filepath.Join(t.TempDir(), "creds.db"), "secret")
	a := newRecord(t, "cred-a")
	c := newRecord(t, "cred-c")
	require.NoError(t, db.Save(a))
	require.NoError(t, db.Save(c))

	var store credential.Store = db

	_, ephemeral, err := crypto.GenerateKeyPair(b)
	require.NoError(t, err)
	masked, err := crypto.MaskPublicKey(b, c.DeviceStaticKey, ephemeral)
	require.NoError(t, err)

	m, err := store.Lookup(ephemeral, masked, make([]byte, 32))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, c.HostStaticKey, m.HostStaticKey)
	assert.Equal(t, []byte("cred-c"), m.Credential)

	got, err := db.Get(c.DeviceStaticKey)
	require.NoError(t, err)
	assert.Zero(t, got.LastUsed)
	require.NoError(t, db.Touch(c.DeviceStaticKey))
	got, err = db.Get(c.DeviceStaticKey)
	require.NoError(t, err)
	assert.NotZero(t, got.LastUsed)

	m, err = store.Lookup(ephemeral, ephemeral, nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCredentialDBWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	db := openDB(t, path, "secret")
	rec := newRecord(t, "cred")
	require.NoError(t, db.Save(rec))
	require.NoError(t, db.Close())

	other := openDB(t, path, "wrong")
	_, err := other.Get(rec.DeviceStaticKey)
	assert.ErrorIs(t, err, ErrInvalidPassword)
}
