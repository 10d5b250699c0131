package access

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/core/events"
	"ratecontrol/core/state"
	"ratecontrol/storage"
)

var (
	admin    = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	operator = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000c03")
)

func newGate(t *testing.T) (*Gate, *state.Manager) {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	gate, err := New(mgr, admin)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return gate, mgr
}

func TestBootstrapGrantsAdminOnce(t *testing.T) {
	gate, mgr := newGate(t)
	ok, err := gate.HasRole(RoleAdmin, admin)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := New(mgr, stranger)
	require.NoError(t, err)
	ok, err = reloaded.HasRole(RoleAdmin, stranger)
	require.NoError(t, err)
	require.False(t, ok, "bootstrap must only run once")
	members, err := reloaded.Members(RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, []common.Address{admin}, members)
}

func TestBootstrapRejectsNullInitializer(t *testing.T) {
	_, err := New(state.NewManager(storage.NewMemDB()), NullIdentity)
	require.ErrorIs(t, err, coreerrors.ErrInvalidConfig)
}

func TestOpenRoleViaNullIdentity(t *testing.T) {
	gate, _ := newGate(t)
	require.False(t, gate.CanUpdate(stranger, RoleOracleUpdater))

	require.NoError(t, gate.GrantRole(admin, RoleUpdaterAdmin, admin))
	require.NoError(t, gate.GrantRole(admin, RoleOracleUpdater, operator))
	require.NoError(t, gate.GrantRole(admin, RoleOracleUpdater, NullIdentity))

	require.True(t, gate.CanUpdate(stranger, RoleOracleUpdater))
	open, err := gate.IsOpen(RoleOracleUpdater)
	require.NoError(t, err)
	require.True(t, open)

	require.NoError(t, gate.RevokeRole(admin, RoleOracleUpdater, NullIdentity))
	require.False(t, gate.CanUpdate(stranger, RoleOracleUpdater))
	require.True(t, gate.CanUpdate(operator, RoleOracleUpdater), "explicit grants survive closing the role")

	members, err := gate.Members(RoleOracleUpdater)
	require.NoError(t, err)
	require.Equal(t, []common.Address{operator}, members)
}

func TestGrantRequiresAdminRole(t *testing.T) {
	gate, _ := newGate(t)

	err := gate.GrantRole(stranger, RoleRateAdmin, stranger)
	require.ErrorIs(t, err, coreerrors.ErrUnauthorized)

	// ORACLE_UPDATER is administered by UPDATER_ADMIN, not ADMIN.
	err = gate.GrantRole(admin, RoleOracleUpdater, operator)
	require.ErrorIs(t, err, coreerrors.ErrUnauthorized)

	require.NoError(t, gate.GrantRole(admin, RoleUpdaterAdmin, operator))
	require.NoError(t, gate.GrantRole(operator, RoleOracleUpdater, stranger))
	require.NoError(t, gate.RequireRole(stranger, RoleOracleUpdater))
	require.ErrorIs(t, gate.RequireRole(stranger, RoleRateAdmin), coreerrors.ErrUnauthorized)
}

func TestLastAdminCannotBeRemoved(t *testing.T) {
	gate, _ := newGate(t)

	require.ErrorIs(t, gate.RevokeRole(admin, RoleAdmin, admin), ErrLastAdmin)
	require.ErrorIs(t, gate.RenounceRole(admin, RoleAdmin), ErrLastAdmin)

	require.NoError(t, gate.GrantRole(admin, RoleAdmin, operator))
	require.NoError(t, gate.RenounceRole(admin, RoleAdmin))
	require.False(t, gate.CanUpdate(admin, RoleAdmin))
	require.True(t, gate.CanUpdate(operator, RoleAdmin))
}

func TestUnknownRole(t *testing.T) {
	gate, _ := newGate(t)
	_, err := gate.HasRole(Role("ROOT"), admin)
	require.ErrorIs(t, err, ErrUnknownRole)
	require.ErrorIs(t, gate.GrantRole(admin, Role("ROOT"), operator), ErrUnknownRole)
	require.False(t, gate.CanUpdate(admin, Role("ROOT")))

	_, err = ParseRole("root")
	require.ErrorIs(t, err, ErrUnknownRole)
	role, err := ParseRole("oracle-updater")
	require.NoError(t, err)
	require.Equal(t, RoleOracleUpdater, role)
}

func TestGrantsPersistAcrossReload(t *testing.T) {
	gate, mgr := newGate(t)
	require.NoError(t, gate.GrantRole(admin, RoleRateAdmin, operator))
	require.NoError(t, gate.GrantRole(admin, RoleUpdatePauseAdmin, NullIdentity))

	reloaded, err := New(mgr, admin)
	require.NoError(t, err)
	require.True(t, reloaded.CanUpdate(operator, RoleRateAdmin))
	require.True(t, reloaded.CanUpdate(stranger, RoleUpdatePauseAdmin))
	require.False(t, reloaded.CanUpdate(stranger, RoleRateAdmin))
}

func TestRoleEventsEmitted(t *testing.T) {
	var got []events.Event
	emitter := events.EmitterFunc(func(evt events.Event) { got = append(got, evt) })
	gate, err := New(state.NewManager(storage.NewMemDB()), admin, WithEmitter(emitter))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if err := gate.GrantRole(admin, RoleRateAdmin, operator); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// duplicate grants stay silent
	if err := gate.GrantRole(admin, RoleRateAdmin, operator); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if err := gate.RevokeRole(admin, RoleRateAdmin, operator); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected bootstrap, grant and revoke events, got %d", len(got))
	}
	revoked, ok := got[2].(events.RoleRevoked)
	if !ok || revoked.Account != operator || revoked.Role != string(RoleRateAdmin) {
		t.Fatalf("unexpected revoke event %+v", got[2])
	}
	if !errors.Is(gate.RevokeRole(operator, RoleRateAdmin, admin), coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized revoke to fail")
	}
}

type flakyDB struct {
	*storage.MemDB
	fail bool
}

func (d *flakyDB) NewBatch() storage.Batch {
	return &flakyBatch{Batch: d.MemDB.NewBatch(), db: d}
}

type flakyBatch struct {
	storage.Batch
	db *flakyDB
}

func (b *flakyBatch) Write() error {
	if b.db.fail {
		return errors.New("disk full")
	}
	return b.Batch.Write()
}

func TestBootstrapCommitsRoleAndMarkerTogether(t *testing.T) {
	db := &flakyDB{MemDB: storage.NewMemDB(), fail: true}
	mgr := state.NewManager(db)
	_, err := New(mgr, admin)
	require.Error(t, err)

	ok, err := mgr.KVGet(roleKey(RoleAdmin), nil)
	require.NoError(t, err)
	require.False(t, ok, "a failed bootstrap must not leave the admin grant behind")
	ok, err = mgr.KVGet(bootstrapKey, nil)
	require.NoError(t, err)
	require.False(t, ok)

	db.fail = false
	gate, err := New(mgr, operator)
	require.NoError(t, err)
	members, err := gate.Members(RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, []common.Address{operator}, members)
}
