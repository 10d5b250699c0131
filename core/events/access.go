package events

import (
	"github.com/ethereum/go-ethereum/common"

	"ratecontrol/core/types"
)

const (
	TypeRoleGranted = "access.role_granted"
	TypeRoleRevoked = "access.role_revoked"
)

type RoleGranted struct {
	Role    string
	Account common.Address
	Sender  common.Address
	// Open is set when the grant made the role public.
	Open bool
}

func (RoleGranted) EventType() string { return TypeRoleGranted }

func (e RoleGranted) Event() *types.Event {
	attrs := map[string]string{
		"role":    e.Role,
		"account": formatIdentity(e.Account),
		"sender":  formatIdentity(e.Sender),
	}
	if e.Open {
		attrs["open"] = "true"
	}
	return &types.Event{Type: TypeRoleGranted, Attributes: attrs}
}

type RoleRevoked struct {
	Role    string
	Account common.Address
	Sender  common.Address
	Open    bool
}

func (RoleRevoked) EventType() string { return TypeRoleRevoked }

func (e RoleRevoked) Event() *types.Event {
	attrs := map[string]string{
		"role":    e.Role,
		"account": formatIdentity(e.Account),
		"sender":  formatIdentity(e.Sender),
	}
	if e.Open {
		attrs["open"] = "true"
	}
	return &types.Event{Type: TypeRoleRevoked, Attributes: attrs}
}
