package ratebuffer

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "ratecontrol/core/errors"
)

// ErrInvalidCapacity is returned for a zero capacity or a capacity that does
// not grow the buffer.
var ErrInvalidCapacity = fmt.Errorf("ratebuffer: invalid capacity: %w", coreerrors.ErrInvalidConfig)

// StoreState is the key/value surface the buffer persists through.
type StoreState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Store keeps one ring buffer of rates per entity. The store performs no
// locking; callers serialise mutations per entity.
type Store struct {
	state StoreState
}

// NewStore wraps the provided state.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("ratebuffer: store not initialised")
	}
	return s.state, nil
}

// Metadata returns the ring bookkeeping for the entity. The boolean is false
// when the entity has never been initialised.
func (s *Store) Metadata(entity common.Address) (Metadata, bool, error) {
	state, err := s.withState()
	if err != nil {
		return Metadata{}, false, err
	}
	var meta Metadata
	ok, err := state.KVGet(metaKey(entity), &meta)
	if err != nil {
		return Metadata{}, false, fmt.Errorf("ratebuffer: load metadata: %w", err)
	}
	if !ok {
		return Metadata{}, false, nil
	}
	return meta, true, nil
}

func (s *Store) requireMetadata(entity common.Address) (Metadata, error) {
	meta, ok, err := s.Metadata(entity)
	if err != nil {
		return Metadata{}, err
	}
	if !ok {
		return Metadata{}, fmt.Errorf("ratebuffer: entity %s not initialised: %w", entity.Hex(), coreerrors.ErrNotFound)
	}
	return meta, nil
}

func (s *Store) putMetadata(entity common.Address, meta Metadata) error {
	if err := s.state.KVPut(metaKey(entity), meta); err != nil {
		return fmt.Errorf("ratebuffer: persist metadata: %w", err)
	}
	return nil
}

// Initialize creates an empty buffer with the supplied capacity.
func (s *Store) Initialize(entity common.Address, capacity uint16) error {
	if _, err := s.withState(); err != nil {
		return err
	}
	if capacity == 0 {
		return fmt.Errorf("ratebuffer: capacity must be positive: %w", ErrInvalidCapacity)
	}
	_, ok, err := s.Metadata(entity)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("ratebuffer: entity %s: %w", entity.Hex(), coreerrors.ErrAlreadyInitialized)
	}
	return s.putMetadata(entity, Metadata{Capacity: capacity})
}

// Push appends the rate, overwriting the oldest observation once the buffer is
// full.
func (s *Store) Push(entity common.Address, rate Rate) error {
	meta, err := s.requireMetadata(entity)
	if err != nil {
		return err
	}
	if err := s.state.KVPut(slotKey(entity, meta.Head), rate); err != nil {
		return fmt.Errorf("ratebuffer: persist rate: %w", err)
	}
	if meta.Length < meta.Capacity {
		meta.Length++
	}
	meta.Head = uint16((uint32(meta.Head) + 1) % uint32(meta.Capacity))
	return s.putMetadata(entity, meta)
}

// Count returns the number of stored observations.
func (s *Store) Count(entity common.Address) (uint16, error) {
	meta, err := s.requireMetadata(entity)
	if err != nil {
		return 0, err
	}
	return meta.Length, nil
}

// Capacity returns the number of slots allocated for the entity.
func (s *Store) Capacity(entity common.Address) (uint16, error) {
	meta, err := s.requireMetadata(entity)
	if err != nil {
		return 0, err
	}
	return meta.Capacity, nil
}

// Latest returns the most recently pushed rate.
func (s *Store) Latest(entity common.Address) (Rate, error) {
	meta, err := s.requireMetadata(entity)
	if err != nil {
		return Rate{}, err
	}
	if meta.Length == 0 {
		return Rate{}, fmt.Errorf("ratebuffer: entity %s has no rates: %w", entity.Hex(), coreerrors.ErrNotFound)
	}
	return s.load(entity, meta, 0)
}

// At returns the rate index observations before the latest; zero is the
// latest.
func (s *Store) At(entity common.Address, index int) (Rate, error) {
	meta, err := s.requireMetadata(entity)
	if err != nil {
		return Rate{}, err
	}
	if index < 0 || index >= int(meta.Length) {
		return Rate{}, fmt.Errorf("ratebuffer: index %d with %d rates: %w", index, meta.Length, coreerrors.ErrOutOfRange)
	}
	return s.load(entity, meta, index)
}

// Range returns amount rates starting offset observations back from the latest
// and stepping increment observations further back for each element. The
// newest requested rate is first.
func (s *Store) Range(entity common.Address, amount, offset, increment int) ([]Rate, error) {
	meta, err := s.requireMetadata(entity)
	if err != nil {
		return nil, err
	}
	if amount < 0 || offset < 0 || increment <= 0 {
		return nil, fmt.Errorf("ratebuffer: invalid range amount=%d offset=%d increment=%d: %w", amount, offset, increment, coreerrors.ErrOutOfRange)
	}
	if amount == 0 {
		return []Rate{}, nil
	}
	last := offset + (amount-1)*increment
	if last >= int(meta.Length) {
		return nil, fmt.Errorf("ratebuffer: range reaches index %d with %d rates: %w", last, meta.Length, coreerrors.ErrOutOfRange)
	}
	out := make([]Rate, 0, amount)
	for i := 0; i < amount; i++ {
		rate, err := s.load(entity, meta, offset+i*increment)
		if err != nil {
			return nil, err
		}
		out = append(out, rate)
	}
	return out, nil
}

// Grow enlarges the buffer. Observations are rewritten oldest first starting
// at slot zero and the head is reset to the observation count.
func (s *Store) Grow(entity common.Address, capacity uint16) error {
	meta, err := s.requireMetadata(entity)
	if err != nil {
		return err
	}
	if capacity <= meta.Capacity {
		return fmt.Errorf("ratebuffer: capacity %d must exceed %d: %w", capacity, meta.Capacity, ErrInvalidCapacity)
	}
	ordered := make([]Rate, 0, meta.Length)
	for i := int(meta.Length) - 1; i >= 0; i-- {
		rate, err := s.load(entity, meta, i)
		if err != nil {
			return err
		}
		ordered = append(ordered, rate)
	}
	for slot, rate := range ordered {
		if err := s.state.KVPut(slotKey(entity, uint16(slot)), rate); err != nil {
			return fmt.Errorf("ratebuffer: persist rate: %w", err)
		}
	}
	meta.Capacity = capacity
	meta.Head = uint16(uint32(meta.Length) % uint32(capacity))
	return s.putMetadata(entity, meta)
}

// SetPaused records the paused flag for the entity.
func (s *Store) SetPaused(entity common.Address, paused bool) error {
	meta, err := s.requireMetadata(entity)
	if err != nil {
		return err
	}
	if meta.Paused == paused {
		return nil
	}
	meta.Paused = paused
	return s.putMetadata(entity, meta)
}

func (s *Store) load(entity common.Address, meta Metadata, index int) (Rate, error) {
	slot := (int(meta.Head) + int(meta.Capacity) - 1 - index) % int(meta.Capacity)
	var rate Rate
	ok, err := s.state.KVGet(slotKey(entity, uint16(slot)), &rate)
	if err != nil {
		return Rate{}, fmt.Errorf("ratebuffer: load rate: %w", err)
	}
	if !ok {
		return Rate{}, fmt.Errorf("ratebuffer: slot %d missing: %w", slot, coreerrors.ErrNotFound)
	}
	return rate, nil
}
