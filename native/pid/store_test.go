package pid

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

type memoryState struct {
	data map[string][]byte
}

func (m *memoryState) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok := m.data[string(key)]
	if !ok {
		return false, nil
	}
	return true, rlp.DecodeBytes(raw, out)
}

func (m *memoryState) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.data[string(key)] = encoded
	return nil
}

func TestStoreRoundTripsSignedState(t *testing.T) {
	store := NewStore(&memoryState{data: make(map[string][]byte)})
	entity := common.HexToAddress("0x01")

	if _, ok, err := store.Get(entity); err != nil || ok {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}
	want := State{
		ITerm:     big.NewInt(-12345),
		LastInput: big.NewInt(7),
		LastError: new(big.Int).Neg(One),
		Seeded:    true,
	}
	if err := store.Put(entity, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get(entity)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ITerm.Cmp(want.ITerm) != 0 || got.LastInput.Cmp(want.LastInput) != 0 || got.LastError.Cmp(want.LastError) != 0 || !got.Seeded {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
