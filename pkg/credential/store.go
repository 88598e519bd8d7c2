package credential

import (
	"crypto/subtle"
	"sync"

	"github.com/ZentaChain/thp/pkg/crypto"
)

// Record is one stored pairing: the device it belongs to, the host static
// key presented to that device and the credential the device issued
type Record struct {
	DeviceStaticKey crypto.Key
	HostStaticKey   crypto.Key
	Credential      []byte
}

// Match is the result of a successful lookup
type Match struct {
	DeviceStaticKey crypto.Key
	HostStaticKey   crypto.Key
	Credential      []byte
}

// Store finds the credential for a device that identified itself with a
// masked static key during the handshake. Lookup returns nil without error
// when no record matches. The returned credential uses dest as storage when
// it is large enough.
type Store interface {
	Lookup(ephemeral, masked crypto.Key, dest []byte) (*Match, error)
}

// FindMatch returns the record whose device key masks to masked under the
// given ephemeral key
func FindMatch(b crypto.Backend, records []Record, ephemeral, masked crypto.Key) (*Record, error) {
	for i := range records {
		candidate, err := crypto.MaskPublicKey(b, records[i].DeviceStaticKey, ephemeral)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(candidate[:], masked[:]) == 1 {
			return &records[i], nil
		}
	}
	return nil, nil
}

// NewMatch copies a record into a match, borrowing dest for the credential
func NewMatch(rec *Record, dest []byte) *Match {
	m := &Match{DeviceStaticKey: rec.DeviceStaticKey, HostStaticKey: rec.HostStaticKey}
	if len(dest) >= len(rec.Credential) {
		m.Credential = dest[:copy(dest, rec.Credential)]
	} else {
		m.Credential = append([]byte(nil), rec.Credential...)
	}
	return m
}

// NullStore never finds a credential
type NullStore struct{}

func (NullStore) Lookup(ephemeral, masked crypto.Key, dest []byte) (*Match, error) {
	return nil, nil
}

// MemoryStore keeps records in memory
type MemoryStore struct {
	b       crypto.Backend
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty store
func NewMemoryStore(b crypto.Backend) *MemoryStore {
	return &MemoryStore{b: b}
}

// Add stores a record, replacing any record for the same device
func (s *MemoryStore) Add(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Credential = append([]byte(nil), rec.Credential...)
	for i := range s.records {
		if s.records[i].DeviceStaticKey == rec.DeviceStaticKey {
			s.records[i] = rec
			return
		}
	}
	s.records = append(s.records, rec)
}

// Remove deletes the record of a device
func (s *MemoryStore) Remove(deviceStaticKey crypto.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].DeviceStaticKey == deviceStaticKey {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return true
		}
	}
	return false
}

// Records returns a copy of every stored record
func (s *MemoryStore) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Lookup implements Store
func (s *MemoryStore) Lookup(ephemeral, masked crypto.Key, dest []byte) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := FindMatch(s.b, s.records, ephemeral, masked)
	if err != nil || rec == nil {
		return nil, err
	}
	return NewMatch(rec, dest), nil
}

// Save implements Saver
func (s *MemoryStore) Save(rec Record) error {
	s.Add(rec)
	return nil
}
