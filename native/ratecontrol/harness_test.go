package ratecontrol

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratecontrol/core/events"
	"ratecontrol/core/state"
	"ratecontrol/native/access"
	"ratecontrol/native/pid"
	"ratecontrol/storage"
)

var (
	adminAddr    = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	updaterAddr  = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	strangerAddr = common.HexToAddress("0x0000000000000000000000000000000000000c03")
	marketA      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	marketB      = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

const genesis = int64(1_700_000_000)

func mustFixed(t testing.TB, value string) *big.Int {
	t.Helper()
	v, err := pid.ParseFixed(value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return v
}

func proportionalConfig(t testing.TB) EntityConfig {
	return EntityConfig{
		Period:      time.Hour,
		MaxIncrease: mustFixed(t, "0.02").Uint64(),
		MaxDecrease: mustFixed(t, "0.01").Uint64(),
		PID: pid.Config{
			Kp:        mustFixed(t, "1"),
			Ki:        big.NewInt(0),
			Kd:        big.NewInt(0),
			OutputMin: big.NewInt(0),
			OutputMax: mustFixed(t, "1"),
		},
		InitialCapacity: 4,
	}
}

// countingDB counts committed batches and can be told to fail them.
type countingDB struct {
	*storage.MemDB
	mu     sync.Mutex
	writes int
	fail   bool
}

func (d *countingDB) NewBatch() storage.Batch {
	return &countingBatch{Batch: d.MemDB.NewBatch(), db: d}
}

func (d *countingDB) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *countingDB) SetFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

type countingBatch struct {
	storage.Batch
	db *countingDB
}

func (b *countingBatch) Write() error {
	b.db.mu.Lock()
	if b.db.fail {
		b.db.mu.Unlock()
		return errors.New("disk full")
	}
	b.db.writes++
	b.db.mu.Unlock()
	return b.Batch.Write()
}

type stubSource struct {
	mu      sync.Mutex
	samples map[common.Address]Sample
	err     error
	block   bool
	calls   int
}

func newStubSource() *stubSource {
	return &stubSource{samples: make(map[common.Address]Sample)}
}

func (s *stubSource) Set(entity common.Address, sample Sample) {
	s.mu.Lock()
	s.samples[entity] = sample
	s.mu.Unlock()
}

func (s *stubSource) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubSource) SetBlock(block bool) {
	s.mu.Lock()
	s.block = block
	s.mu.Unlock()
}

func (s *stubSource) Fetch(ctx context.Context, entity common.Address) (Sample, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	err := s.err
	sample, ok := s.samples[entity]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return Sample{}, ctx.Err()
	}
	if err != nil {
		return Sample{}, err
	}
	if !ok {
		return Sample{}, errors.New("no sample")
	}
	return sample, nil
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingHook struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (h *recordingHook) OnPauseChanged(_ context.Context, _ common.Address, paused bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, paused)
	return h.err
}

func (h *recordingHook) Calls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.calls...)
}

type harness struct {
	t      *testing.T
	db     *countingDB
	mgr    *state.Manager
	gate   *access.Gate
	ctrl   *Controller
	source *stubSource
	hook   *recordingHook

	clockMu sync.Mutex
	now     time.Time

	eventsMu sync.Mutex
	events   []events.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		db:     &countingDB{MemDB: storage.NewMemDB()},
		source: newStubSource(),
		hook:   &recordingHook{},
		now:    time.Unix(genesis, 0),
	}
	h.mgr = state.NewManager(h.db)
	gate, err := access.New(h.mgr, adminAddr)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	h.gate = gate
	grants := []struct {
		role access.Role
		who  common.Address
	}{
		{access.RoleUpdaterAdmin, adminAddr},
		{access.RoleOracleUpdater, updaterAddr},
		{access.RoleRateAdmin, adminAddr},
		{access.RoleUpdatePauseAdmin, adminAddr},
	}
	for _, g := range grants {
		if err := gate.GrantRole(adminAddr, g.role, g.who); err != nil {
			t.Fatalf("grant %s: %v", g.role, err)
		}
	}
	base := []Option{
		WithSource(h.source),
		WithPauseHook(h.hook),
		WithClock(h.clock),
		WithEmitter(events.EmitterFunc(h.record)),
	}
	ctrl, err := New(h.mgr, gate, proportionalConfig(t), append(base, opts...)...)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) clock() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	h.now = h.now.Add(d)
	h.clockMu.Unlock()
}

func (h *harness) unix() uint32 {
	return uint32(h.clock().Unix())
}

func (h *harness) record(evt events.Event) {
	h.eventsMu.Lock()
	h.events = append(h.events, evt)
	h.eventsMu.Unlock()
}

func (h *harness) eventsOfType(kind string) []events.Event {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	var out []events.Event
	for _, evt := range h.events {
		if evt.EventType() == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (h *harness) sample(entity common.Address, errTerm string) {
	h.source.Set(entity, Sample{
		Input:     mustFixed(h.t, "0.5"),
		Error:     mustFixed(h.t, errTerm),
		Timestamp: h.unix(),
	})
}

func (h *harness) update(entity common.Address) error {
	_, err := h.ctrl.Update(context.Background(), Direct(updaterAddr), entity)
	return err
}
