package pid

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StoreState is the key/value surface the controller memory persists through.
type StoreState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

func stateKey(entity common.Address) []byte {
	return []byte(fmt.Sprintf("pid/state/%x", entity.Bytes()))
}

// storedState is the RLP form of State. RLP has no signed integers so the
// signed terms travel as base-10 strings.
type storedState struct {
	ITerm     string
	LastInput string
	LastError string
	Seeded    bool
}

// Store persists controller memory per entity.
type Store struct {
	state StoreState
}

// NewStore wraps the provided state.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

// Get loads the controller memory. The boolean is false when nothing has been
// stored for the entity.
func (s *Store) Get(entity common.Address) (State, bool, error) {
	if s == nil || s.state == nil {
		return State{}, false, fmt.Errorf("pid: store not initialised")
	}
	var stored storedState
	ok, err := s.state.KVGet(stateKey(entity), &stored)
	if err != nil {
		return State{}, false, fmt.Errorf("pid: load state: %w", err)
	}
	if !ok {
		return State{}, false, nil
	}
	out := State{Seeded: stored.Seeded}
	if out.ITerm, err = decodeSigned(stored.ITerm); err != nil {
		return State{}, false, err
	}
	if out.LastInput, err = decodeSigned(stored.LastInput); err != nil {
		return State{}, false, err
	}
	if out.LastError, err = decodeSigned(stored.LastError); err != nil {
		return State{}, false, err
	}
	return out, true, nil
}

// Put stores the controller memory for the entity.
func (s *Store) Put(entity common.Address, st State) error {
	if s == nil || s.state == nil {
		return fmt.Errorf("pid: store not initialised")
	}
	stored := storedState{
		ITerm:     encodeSigned(st.ITerm),
		LastInput: encodeSigned(st.LastInput),
		LastError: encodeSigned(st.LastError),
		Seeded:    st.Seeded,
	}
	if err := s.state.KVPut(stateKey(entity), stored); err != nil {
		return fmt.Errorf("pid: persist state: %w", err)
	}
	return nil
}

func encodeSigned(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeSigned(v string) (*big.Int, error) {
	if v == "" {
		return big.NewInt(0), nil
	}
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("pid: corrupt stored integer %q", v)
	}
	return out, nil
}
