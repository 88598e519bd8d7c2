package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
)

// StoredCredential is a credential record with bookkeeping timestamps
type StoredCredential struct {
	credential.Record
	CreatedAt int64
	LastUsed  int64
}

// Save inserts or replaces the credential of a device
func (db *CredentialDB) Save(rec credential.Record) error {
	sealed, err := crypto.Seal(db.encryptionKey, rec.HostStaticKey[:])
	if err != nil {
		return fmt.Errorf("failed to encrypt host key: %w", err)
	}

	query := `
		INSERT INTO credentials (device_static_key, host_static_key, credential, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_static_key) DO UPDATE SET
			host_static_key = excluded.host_static_key,
			credential = excluded.credential
	`
	_, err = db.db.Exec(query, rec.DeviceStaticKey[:], sealed, rec.Credential, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Get returns the credential stored for a device
func (db *CredentialDB) Get(deviceStaticKey crypto.Key) (*StoredCredential, error) {
	query := `
		SELECT device_static_key, host_static_key, credential, created_at, last_used
		FROM credentials WHERE device_static_key = ?
	`
	row := db.db.QueryRow(query, deviceStaticKey[:])
	sc, err := db.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sc, err
}

// List returns every stored credential, most recently used first
func (db *CredentialDB) List() ([]*StoredCredential, error) {
	query := `
		SELECT device_static_key, host_static_key, credential, created_at, last_used
		FROM credentials ORDER BY last_used DESC, created_at DESC
	`
	rows, err := db.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var out []*StoredCredential
	for rows.Next() {
		sc, err := db.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Delete removes the credential of a device
func (db *CredentialDB) Delete(deviceStaticKey crypto.Key) error {
	res, err := db.db.Exec("DELETE FROM credentials WHERE device_static_key = ?", deviceStaticKey[:])
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch records that a credential was used to open a channel
func (db *CredentialDB) Touch(deviceStaticKey crypto.Key) error {
	_, err := db.db.Exec("UPDATE credentials SET last_used = ? WHERE device_static_key = ?",
		time.Now().Unix(), deviceStaticKey[:])
	return err
}

// Lookup implements credential.Store
func (db *CredentialDB) Lookup(ephemeral, masked crypto.Key, dest []byte) (*credential.Match, error) {
	stored, err := db.List()
	if err != nil {
		return nil, err
	}
	records := make([]credential.Record, len(stored))
	for i, sc := range stored {
		records[i] = sc.Record
	}

	rec, err := credential.FindMatch(db.backend, records, ephemeral, masked)
	if err != nil || rec == nil {
		return nil, err
	}
	return credential.NewMatch(rec, dest), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (db *CredentialDB) scan(s scanner) (*StoredCredential, error) {
	var (
		device, sealed, cred []byte
		lastUsed             sql.NullInt64
		sc                   StoredCredential
	)
	if err := s.Scan(&device, &sealed, &cred, &sc.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	if len(device) != crypto.KeyLen {
		return nil, fmt.Errorf("stored device key has length %d", len(device))
	}
	hostKey, err := crypto.Open(db.encryptionKey, sealed)
	if err != nil || len(hostKey) != crypto.KeyLen {
		return nil, ErrInvalidPassword
	}

	copy(sc.DeviceStaticKey[:], device)
	copy(sc.HostStaticKey[:], hostKey)
	sc.Credential = cred
	sc.LastUsed = lastUsed.Int64
	return &sc, nil
}
