package ratebuffer

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	coreerrors "ratecontrol/core/errors"
)

type memoryState struct {
	data map[string][]byte
}

func newMemoryState() *memoryState {
	return &memoryState{data: make(map[string][]byte)}
}

func (m *memoryState) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok := m.data[string(key)]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *memoryState) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.data[string(key)] = encoded
	return nil
}

var testEntity = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func rateN(n uint64) Rate {
	return Rate{Target: n, Current: n * 10, Timestamp: uint32(1_700_000_000 + n)}
}

func newInitialised(t *testing.T, capacity uint16) *Store {
	t.Helper()
	store := NewStore(newMemoryState())
	if err := store.Initialize(testEntity, capacity); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return store
}

func TestInitializeRejectsDoubleInitAndZeroCapacity(t *testing.T) {
	store := NewStore(newMemoryState())
	if err := store.Initialize(testEntity, 0); !errors.Is(err, coreerrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero capacity, got %v", err)
	}
	if err := store.Initialize(testEntity, 4); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.Initialize(testEntity, 8); !errors.Is(err, coreerrors.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	meta, ok, err := store.Metadata(testEntity)
	if err != nil || !ok {
		t.Fatalf("metadata: ok=%v err=%v", ok, err)
	}
	if meta != (Metadata{Capacity: 4}) {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

func TestLatestOnEmptyAndUnknown(t *testing.T) {
	store := newInitialised(t, 2)
	if _, err := store.Latest(testEntity); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty buffer, got %v", err)
	}
	other := common.HexToAddress("0xbb")
	if _, err := store.Latest(other); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on unknown entity, got %v", err)
	}
	if err := store.Push(other, rateN(1)); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected push on unknown entity to fail, got %v", err)
	}
}

func TestPushOverwritesOldest(t *testing.T) {
	const capacity = 3
	store := newInitialised(t, capacity)
	for i := uint64(1); i <= capacity+1; i++ {
		if err := store.Push(testEntity, rateN(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	meta, _, _ := store.Metadata(testEntity)
	if meta.Length != capacity {
		t.Fatalf("expected length %d, got %d", capacity, meta.Length)
	}
	if meta.Head != 1 {
		t.Fatalf("expected head to wrap to 1, got %d", meta.Head)
	}
	latest, err := store.At(testEntity, 0)
	if err != nil {
		t.Fatalf("at 0: %v", err)
	}
	if latest != rateN(capacity+1) {
		t.Fatalf("unexpected latest %+v", latest)
	}
	for i := 0; i < capacity; i++ {
		got, err := store.At(testEntity, i)
		if err != nil {
			t.Fatalf("at %d: %v", i, err)
		}
		if got == rateN(1) {
			t.Fatalf("oldest observation still retrievable at %d", i)
		}
	}
	if _, err := store.At(testEntity, capacity); !errors.Is(err, coreerrors.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := store.At(testEntity, -1); !errors.Is(err, coreerrors.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for negative index, got %v", err)
	}
}

func TestGrowPreservesChronologicalOrder(t *testing.T) {
	store := newInitialised(t, 3)
	for i := uint64(1); i <= 5; i++ {
		if err := store.Push(testEntity, rateN(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := store.Grow(testEntity, 3); !errors.Is(err, coreerrors.ErrInvalidConfig) {
		t.Fatalf("expected equal capacity to be rejected, got %v", err)
	}
	if err := store.Grow(testEntity, 2); !errors.Is(err, coreerrors.ErrInvalidConfig) {
		t.Fatalf("expected shrink to be rejected, got %v", err)
	}
	if err := store.Grow(testEntity, 5); err != nil {
		t.Fatalf("grow: %v", err)
	}
	meta, _, _ := store.Metadata(testEntity)
	if meta.Capacity != 5 || meta.Length != 3 || meta.Head != 3 {
		t.Fatalf("unexpected metadata after grow %+v", meta)
	}
	want := []Rate{rateN(5), rateN(4), rateN(3)}
	for i, expected := range want {
		got, err := store.At(testEntity, i)
		if err != nil {
			t.Fatalf("at %d: %v", i, err)
		}
		if got != expected {
			t.Fatalf("at %d: expected %+v, got %+v", i, expected, got)
		}
	}
	for i := uint64(6); i <= 8; i++ {
		if err := store.Push(testEntity, rateN(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	meta, _, _ = store.Metadata(testEntity)
	if meta.Length != 5 {
		t.Fatalf("expected full buffer after growth, got %+v", meta)
	}
	latest, _ := store.Latest(testEntity)
	oldest, _ := store.At(testEntity, 4)
	if latest != rateN(8) || oldest != rateN(4) {
		t.Fatalf("unexpected window latest=%+v oldest=%+v", latest, oldest)
	}
}

func TestGrowFullBufferMovesHeadPastObservations(t *testing.T) {
	store := newInitialised(t, 2)
	for i := uint64(1); i <= 2; i++ {
		_ = store.Push(testEntity, rateN(i))
	}
	if err := store.Grow(testEntity, 4); err != nil {
		t.Fatalf("grow: %v", err)
	}
	meta, _, _ := store.Metadata(testEntity)
	if meta.Head != 2 {
		t.Fatalf("expected head 2, got %d", meta.Head)
	}
}

func TestRange(t *testing.T) {
	store := newInitialised(t, 8)
	for i := uint64(1); i <= 6; i++ {
		_ = store.Push(testEntity, rateN(i))
	}
	got, err := store.Range(testEntity, 3, 1, 2)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	want := []Rate{rateN(5), rateN(3), rateN(1)}
	if len(got) != len(want) {
		t.Fatalf("expected %d rates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("range[%d]: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if _, err := store.Range(testEntity, 4, 1, 2); !errors.Is(err, coreerrors.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange past oldest, got %v", err)
	}
	if _, err := store.Range(testEntity, 1, 0, 0); !errors.Is(err, coreerrors.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for zero increment, got %v", err)
	}
	empty, err := store.Range(testEntity, 0, 0, 1)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty range, got %v %v", empty, err)
	}
}

func TestSetPaused(t *testing.T) {
	store := newInitialised(t, 2)
	if err := store.SetPaused(testEntity, true); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	meta, _, _ := store.Metadata(testEntity)
	if !meta.Paused {
		t.Fatalf("expected paused flag")
	}
	if !(Metadata{Capacity: 1, Length: 1}).Full() {
		t.Fatalf("expected full metadata")
	}
}

func TestCountAndCapacity(t *testing.T) {
	store := newInitialised(t, 4)
	_ = store.Push(testEntity, rateN(1))
	count, err := store.Count(testEntity)
	if err != nil || count != 1 {
		t.Fatalf("count: %d %v", count, err)
	}
	capacity, err := store.Capacity(testEntity)
	if err != nil || capacity != 4 {
		t.Fatalf("capacity: %d %v", capacity, err)
	}
	if err := store.Grow(testEntity, 1); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
}
