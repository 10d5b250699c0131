// Package access decides which identities may invoke guarded controller
// operations. Grants are explicit per identity; a role may additionally be
// opened to everyone by granting it to the null identity.
package access

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/core/events"
	"ratecontrol/core/state"
)

var (
	ErrUnknownRole = errors.New("access: unknown role")
	ErrLastAdmin   = errors.New("access: cannot remove the last admin")
)

// NullIdentity is the wildcard identity. Granting a role to it opens the role
// to every caller.
var NullIdentity = common.Address{}

// StoreState is the key/value surface the gate persists through. Each call to
// KVPut must be durable on return.
type StoreState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type roleRecord struct {
	Members []common.Address
	Open    bool
}

type bootstrapRecord struct {
	Admin common.Address
}

func roleKey(role Role) []byte {
	return []byte("access/role/" + string(role))
}

var bootstrapKey = []byte("access/bootstrap")

type roleEntry struct {
	members map[common.Address]struct{}
	open    bool
}

func (e *roleEntry) clone() *roleEntry {
	out := &roleEntry{members: make(map[common.Address]struct{}, len(e.members)), open: e.open}
	for member := range e.members {
		out.members[member] = struct{}{}
	}
	return out
}

func (e *roleEntry) record() roleRecord {
	members := make([]common.Address, 0, len(e.members))
	for member := range e.members {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i][:], members[j][:]) < 0
	})
	return roleRecord{Members: members, Open: e.open}
}

// Gate holds the role table.
type Gate struct {
	mu      sync.RWMutex
	state   StoreState
	roles   map[Role]*roleEntry
	emitter events.Emitter
}

// Option customises the gate.
type Option func(*Gate)

// WithEmitter publishes role changes to the emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(g *Gate) {
		if emitter != nil {
			g.emitter = emitter
		}
	}
}

// New loads the role table from state. The first time a gate is created over
// a given state the initializer receives the admin role; later loads ignore
// it.
func New(state StoreState, initializer common.Address, opts ...Option) (*Gate, error) {
	if state == nil {
		return nil, fmt.Errorf("access: state not configured")
	}
	g := &Gate{
		state:   state,
		roles:   make(map[Role]*roleEntry, len(adminRoles)),
		emitter: events.NoopEmitter{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	for _, role := range Roles() {
		var rec roleRecord
		ok, err := state.KVGet(roleKey(role), &rec)
		if err != nil {
			return nil, fmt.Errorf("access: load role %s: %w", role, err)
		}
		entry := &roleEntry{members: make(map[common.Address]struct{})}
		if ok {
			for _, member := range rec.Members {
				entry.members[member] = struct{}{}
			}
			entry.open = rec.Open
		}
		g.roles[role] = entry
	}

	var boot bootstrapRecord
	booted, err := state.KVGet(bootstrapKey, &boot)
	if err != nil {
		return nil, fmt.Errorf("access: load bootstrap: %w", err)
	}
	if booted {
		return g, nil
	}
	if initializer == NullIdentity {
		return nil, fmt.Errorf("access: initializer must not be the null identity: %w", coreerrors.ErrInvalidConfig)
	}
	admin := g.roles[RoleAdmin].clone()
	admin.members[initializer] = struct{}{}
	if err := g.bootstrap(admin, initializer); err != nil {
		return nil, err
	}
	g.roles[RoleAdmin] = admin
	g.emitter.Emit(events.RoleGranted{Role: string(RoleAdmin), Account: initializer, Sender: initializer})
	return g, nil
}

// journaled is implemented by stores that can stage several writes and commit
// them as one batch.
type journaled interface {
	Begin() *state.Journal
}

// bootstrap writes the initial admin grant and the bootstrap marker together.
// A store without journals gets the role first so a crash in between leaves
// the marker unset and the next start repeats the same grant.
func (g *Gate) bootstrap(admin *roleEntry, initializer common.Address) error {
	marker := bootstrapRecord{Admin: initializer}
	if store, ok := g.state.(journaled); ok {
		j := store.Begin()
		defer j.Discard()
		if err := j.KVPut(roleKey(RoleAdmin), admin.record()); err != nil {
			return fmt.Errorf("access: stage role %s: %w", RoleAdmin, err)
		}
		if err := j.KVPut(bootstrapKey, marker); err != nil {
			return fmt.Errorf("access: stage bootstrap: %w", err)
		}
		if err := j.Commit(); err != nil {
			return fmt.Errorf("access: persist bootstrap: %w", err)
		}
		return nil
	}
	if err := g.persist(RoleAdmin, admin); err != nil {
		return err
	}
	if err := g.state.KVPut(bootstrapKey, marker); err != nil {
		return fmt.Errorf("access: persist bootstrap: %w", err)
	}
	return nil
}

func (g *Gate) persist(role Role, entry *roleEntry) error {
	if err := g.state.KVPut(roleKey(role), entry.record()); err != nil {
		return fmt.Errorf("access: persist role %s: %w", role, err)
	}
	return nil
}

func (g *Gate) entry(role Role) (*roleEntry, error) {
	entry, ok := g.roles[role]
	if !ok {
		return nil, fmt.Errorf("access: role %q: %w", role, ErrUnknownRole)
	}
	return entry, nil
}

// HasRole reports whether identity holds role, either through an explicit
// grant or because the role is open.
func (g *Gate) HasRole(role Role, identity common.Address) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, err := g.entry(role)
	if err != nil {
		return false, err
	}
	if entry.open {
		return true, nil
	}
	_, ok := entry.members[identity]
	return ok, nil
}

// CanUpdate is HasRole with the caller first. Unknown roles are denied.
func (g *Gate) CanUpdate(caller common.Address, role Role) bool {
	ok, err := g.HasRole(role, caller)
	return err == nil && ok
}

// RequireRole returns ErrUnauthorized unless the caller holds role.
func (g *Gate) RequireRole(caller common.Address, role Role) error {
	ok, err := g.HasRole(role, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("access: %s lacks %s: %w", caller.Hex(), role, coreerrors.ErrUnauthorized)
	}
	return nil
}

// IsOpen reports whether the role has been granted to the null identity.
func (g *Gate) IsOpen(role Role) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, err := g.entry(role)
	if err != nil {
		return false, err
	}
	return entry.open, nil
}

// Members lists the explicit grants for role in byte order.
func (g *Gate) Members(role Role) ([]common.Address, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, err := g.entry(role)
	if err != nil {
		return nil, err
	}
	return entry.record().Members, nil
}

func (g *Gate) requireAdmin(caller common.Address, role Role) error {
	admin, err := AdminRole(role)
	if err != nil {
		return err
	}
	entry := g.roles[admin]
	if entry.open {
		return nil
	}
	if _, ok := entry.members[caller]; !ok {
		return fmt.Errorf("access: %s lacks %s required to manage %s: %w", caller.Hex(), admin, role, coreerrors.ErrUnauthorized)
	}
	return nil
}

// GrantRole gives role to identity. Granting to the null identity opens the
// role. Granting an existing grant is a no-op.
func (g *Gate) GrantRole(caller common.Address, role Role, identity common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	current, err := g.entry(role)
	if err != nil {
		return err
	}
	if err := g.requireAdmin(caller, role); err != nil {
		return err
	}
	next := current.clone()
	open := identity == NullIdentity
	if open {
		if next.open {
			return nil
		}
		next.open = true
	} else {
		if _, ok := next.members[identity]; ok {
			return nil
		}
		next.members[identity] = struct{}{}
	}
	if err := g.persist(role, next); err != nil {
		return err
	}
	g.roles[role] = next
	g.emitter.Emit(events.RoleGranted{Role: string(role), Account: identity, Sender: caller, Open: open})
	return nil
}

// RevokeRole removes role from identity. Revoking from the null identity
// closes the role so that only explicit grants pass.
func (g *Gate) RevokeRole(caller common.Address, role Role, identity common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.entry(role); err != nil {
		return err
	}
	if err := g.requireAdmin(caller, role); err != nil {
		return err
	}
	return g.revokeLocked(caller, role, identity)
}

// RenounceRole lets a caller drop its own explicit grant.
func (g *Gate) RenounceRole(caller common.Address, role Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.entry(role); err != nil {
		return err
	}
	if caller == NullIdentity {
		return fmt.Errorf("access: null identity cannot renounce: %w", coreerrors.ErrUnauthorized)
	}
	return g.revokeLocked(caller, role, caller)
}

func (g *Gate) revokeLocked(caller common.Address, role Role, identity common.Address) error {
	next := g.roles[role].clone()
	open := identity == NullIdentity
	if open {
		if !next.open {
			return nil
		}
		next.open = false
	} else {
		if _, ok := next.members[identity]; !ok {
			return nil
		}
		delete(next.members, identity)
		if role == RoleAdmin && len(next.members) == 0 {
			return ErrLastAdmin
		}
	}
	if err := g.persist(role, next); err != nil {
		return err
	}
	g.roles[role] = next
	g.emitter.Emit(events.RoleRevoked{Role: string(role), Account: identity, Sender: caller, Open: open})
	return nil
}
