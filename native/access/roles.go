package access

import (
	"fmt"
	"strings"
)

// Role names a capability guarded by the gate.
type Role string

const (
	RoleAdmin            Role = "ADMIN"
	RoleUpdaterAdmin     Role = "UPDATER_ADMIN"
	RoleOracleUpdater    Role = "ORACLE_UPDATER"
	RoleRateAdmin        Role = "RATE_ADMIN"
	RoleUpdatePauseAdmin Role = "UPDATE_PAUSE_ADMIN"
)

// adminRoles maps each role to the role allowed to grant and revoke it.
var adminRoles = map[Role]Role{
	RoleAdmin:            RoleAdmin,
	RoleUpdaterAdmin:     RoleAdmin,
	RoleOracleUpdater:    RoleUpdaterAdmin,
	RoleRateAdmin:        RoleAdmin,
	RoleUpdatePauseAdmin: RoleAdmin,
}

// Roles lists every known role in a stable order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleUpdaterAdmin, RoleOracleUpdater, RoleRateAdmin, RoleUpdatePauseAdmin}
}

// AdminRole returns the role that administers role.
func AdminRole(role Role) (Role, error) {
	admin, ok := adminRoles[role]
	if !ok {
		return "", fmt.Errorf("access: role %q: %w", role, ErrUnknownRole)
	}
	return admin, nil
}

// ParseRole normalises user input such as "oracle-updater" into a Role.
func ParseRole(value string) (Role, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	role := Role(normalized)
	if _, ok := adminRoles[role]; !ok {
		return "", fmt.Errorf("access: role %q: %w", value, ErrUnknownRole)
	}
	return role, nil
}
