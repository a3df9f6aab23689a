package relation

import (
	"errors"
	"time"
)

var (
	// ErrNoRelation is returned when an operation is handed a nil relation.
	ErrNoRelation = errors.New("no relation exists")

	// ErrSyncFailed wraps failures to refresh a relation's cached permissions.
	// The relation returned alongside it is the unmodified, stale record.
	ErrSyncFailed = errors.New("failed to sync supported commands")
)

// Scope selects which of a relation's two permission maps applies to a command.
type Scope int

const (
	ScopeSingleUse Scope = iota
	ScopeBroadcastUse
)

func (s Scope) String() string {
	switch s {
	case ScopeSingleUse:
		return "single_use"
	case ScopeBroadcastUse:
		return "broadcast_use"
	default:
		return "unknown"
	}
}

// Relation pairs one Slack installation with one GROWI instance and caches
// the command permissions that GROWI reported. The permission maps and
// ExpiredAtCommands are only written by the Synchronizer.
type Relation struct {
	ID             string `yaml:"id"`
	InstallationID string `yaml:"installation_id"`
	GrowiURI       string `yaml:"growi_uri"`
	// TokenGtoP authenticates GROWI to the proxy; TokenPtoG the proxy to GROWI.
	TokenGtoP string `yaml:"token_gtop"`
	TokenPtoG string `yaml:"token_ptog"`

	PermissionsForSingleUseCommands    PermissionMap `yaml:"permissions_for_single_use_commands"`
	PermissionsForBroadcastUseCommands PermissionMap `yaml:"permissions_for_broadcast_use_commands"`
	ExpiredAtCommands                  time.Time     `yaml:"expired_at_commands"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// DistanceToExpiredAt is negative once the cached permissions have expired.
func (r *Relation) DistanceToExpiredAt(base time.Time) time.Duration {
	return r.ExpiredAtCommands.Sub(base)
}

func (r *Relation) Permissions(scope Scope) PermissionMap {
	if scope == ScopeBroadcastUse {
		return r.PermissionsForBroadcastUseCommands
	}
	return r.PermissionsForSingleUseCommands
}

// ResolvePermission looks commandName up in the single-use map first and
// falls back to the broadcast-use map.
func (r *Relation) ResolvePermission(commandName string) (Permission, bool) {
	if p, ok := r.PermissionsForSingleUseCommands.Lookup(commandName); ok {
		return p, true
	}
	return r.PermissionsForBroadcastUseCommands.Lookup(commandName)
}

// CommandNames lists single-use commands, then broadcast-only commands, each
// group sorted.
func (r *Relation) CommandNames() []string {
	names := r.PermissionsForSingleUseCommands.CommandNames()
	for _, name := range r.PermissionsForBroadcastUseCommands.CommandNames() {
		if _, dup := r.PermissionsForSingleUseCommands[name]; !dup {
			names = append(names, name)
		}
	}
	return names
}

func (r *Relation) Clone() *Relation {
	if r == nil {
		return nil
	}
	c := *r
	c.PermissionsForSingleUseCommands = r.PermissionsForSingleUseCommands.Clone()
	c.PermissionsForBroadcastUseCommands = r.PermissionsForBroadcastUseCommands.Clone()
	return &c
}

// SupportedCommands is what a GROWI instance reports for the proxy.
type SupportedCommands struct {
	PermissionsForSingleUseCommands    PermissionMap `json:"permissionsForSingleUseCommands"`
	PermissionsForBroadcastUseCommands PermissionMap `json:"permissionsForBroadcastUseCommands"`
}
