package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"ratecontrol/storage"
)

// Manager provides RLP encoded key/value access on top of the node database.
// Keys are hashed with keccak256 before they reach the backing store.
//
// Writes never go straight to the database: callers open a Journal, stage their
// mutations and commit them as a single batch.
type Manager struct {
	db storage.Database
	// commitMu serialises journal commits so that two batches never interleave.
	commitMu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key was present.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, fmt.Errorf("state: database not configured")
	}
	return decodeFrom(m.db, kvKey(key), out)
}

// KVPut writes a single value in its own batch. Multi-key updates that must
// land together go through Begin instead.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	j := m.Begin()
	if err := j.KVPut(key, value); err != nil {
		j.Discard()
		return err
	}
	return j.Commit()
}

// Begin opens a journal that stages writes until Commit.
func (m *Manager) Begin() *Journal {
	return &Journal{manager: m, dirty: make(map[string][]byte)}
}

func decodeFrom(db storage.Database, hashed []byte, out interface{}) (bool, error) {
	data, err := db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Journal is a write-back overlay over the manager. Reads observe staged
// writes first; nothing reaches the database until Commit succeeds.
type Journal struct {
	manager *Manager
	dirty   map[string][]byte
	closed  bool
}

// KVGet reads through the journal.
func (j *Journal) KVGet(key []byte, out interface{}) (bool, error) {
	if j == nil || j.manager == nil {
		return false, fmt.Errorf("state: journal not configured")
	}
	hashed := kvKey(key)
	if staged, ok := j.dirty[string(hashed)]; ok {
		if out == nil {
			return true, nil
		}
		if err := rlp.DecodeBytes(staged, out); err != nil {
			return false, err
		}
		return true, nil
	}
	return decodeFrom(j.manager.db, hashed, out)
}

// KVPut stages an RLP encoded value.
func (j *Journal) KVPut(key []byte, value interface{}) error {
	if j == nil || j.manager == nil {
		return fmt.Errorf("state: journal not configured")
	}
	if j.closed {
		return fmt.Errorf("state: journal already closed")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	j.dirty[string(kvKey(key))] = encoded
	return nil
}

// Dirty reports how many keys are staged.
func (j *Journal) Dirty() int {
	if j == nil {
		return 0
	}
	return len(j.dirty)
}

// Commit writes every staged value in one atomic batch. The journal cannot be
// reused afterwards.
func (j *Journal) Commit() error {
	if j == nil || j.manager == nil {
		return fmt.Errorf("state: journal not configured")
	}
	if j.closed {
		return fmt.Errorf("state: journal already closed")
	}
	j.closed = true
	if len(j.dirty) == 0 {
		return nil
	}
	keys := make([]string, 0, len(j.dirty))
	for key := range j.dirty {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := j.manager.db.NewBatch()
	for _, key := range keys {
		batch.Put([]byte(key), j.dirty[key])
	}
	j.manager.commitMu.Lock()
	defer j.manager.commitMu.Unlock()
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit batch: %w", err)
	}
	return nil
}

// Discard drops every staged write.
func (j *Journal) Discard() {
	if j == nil {
		return
	}
	j.dirty = make(map[string][]byte)
	j.closed = true
}
