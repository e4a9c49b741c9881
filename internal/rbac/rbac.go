// Package rbac defines the collaborator role lattice and the permission
// levels the resolver hands out. Roles are persisted on Collaborator rows;
// levels exist only at runtime.
package rbac

type Role string
type Level int

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleReader Role = "reader"
)

const (
	LevelNone Level = iota
	LevelRead
	LevelEdit
)

// LevelFor maps a collaborator role to the access level it grants.
func LevelFor(role Role) Level {
	switch role {
	case RoleOwner, RoleEditor:
		return LevelEdit
	case RoleReader:
		return LevelRead
	default:
		return LevelNone
	}
}

// AtLeast reports whether l satisfies a required minimum level.
func (l Level) AtLeast(min Level) bool {
	return l >= min
}

func (l Level) String() string {
	switch l {
	case LevelEdit:
		return "edit"
	case LevelRead:
		return "read"
	default:
		return "none"
	}
}

// Normalize coerces a stored role string to a known role, defaulting to
// reader so an unknown value can never widen access.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleReader:
		return Role(role)
	default:
		return RoleReader
	}
}

// ValidShareRole reports whether a role may be granted through a share link.
// Owner is never grantable by link.
func ValidShareRole(role string) bool {
	return Role(role) == RoleEditor || Role(role) == RoleReader
}
