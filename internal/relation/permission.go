package relation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

type PermissionKind int

const (
	PermissionDenied PermissionKind = iota
	PermissionAllowed
	PermissionAllowedInChannels
)

func (k PermissionKind) String() string {
	switch k {
	case PermissionDenied:
		return "denied"
	case PermissionAllowed:
		return "allowed"
	case PermissionAllowedInChannels:
		return "allowed_in_channels"
	default:
		return "unknown"
	}
}

// Permission is the value GROWI reports for one command: allowed everywhere,
// denied everywhere, or allowed only in a list of channels. On the wire it is
// either a boolean or an array of channel names.
type Permission struct {
	kind     PermissionKind
	channels []string // sorted, unique; only for PermissionAllowedInChannels
}

func Allowed() Permission {
	return Permission{kind: PermissionAllowed}
}

func Denied() Permission {
	return Permission{kind: PermissionDenied}
}

func AllowedInChannels(channels ...string) Permission {
	cs := slices.Clone(channels)
	sort.Strings(cs)
	return Permission{kind: PermissionAllowedInChannels, channels: slices.Compact(cs)}
}

func (p Permission) Kind() PermissionKind {
	return p.kind
}

// Channels returns a copy of the allow-list. It is nil unless Kind is
// PermissionAllowedInChannels.
func (p Permission) Channels() []string {
	if p.kind != PermissionAllowedInChannels {
		return nil
	}
	return append([]string{}, p.channels...)
}

func (p Permission) AllowsChannel(channelName string) bool {
	switch p.kind {
	case PermissionAllowed:
		return true
	case PermissionAllowedInChannels:
		_, found := slices.BinarySearch(p.channels, channelName)
		return found
	case PermissionDenied:
		return false
	default:
		return false
	}
}

func (p Permission) Equal(o Permission) bool {
	return p.kind == o.kind && slices.Equal(p.channels, o.channels)
}

func (p Permission) String() string {
	if p.kind == PermissionAllowedInChannels {
		return fmt.Sprintf("%s%v", p.kind, p.channels)
	}
	return p.kind.String()
}

func (p Permission) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case PermissionAllowed:
		return []byte("true"), nil
	case PermissionAllowedInChannels:
		return json.Marshal(p.Channels())
	default:
		return []byte("false"), nil
	}
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false":
		*p = Denied()
		return nil
	case "true":
		*p = Allowed()
		return nil
	}
	var channels []string
	if err := json.Unmarshal(data, &channels); err != nil {
		return fmt.Errorf("permission must be a boolean or an array of channel names: %w", err)
	}
	*p = AllowedInChannels(channels...)
	return nil
}

func (p Permission) MarshalYAML() (any, error) {
	switch p.kind {
	case PermissionAllowed:
		return true, nil
	case PermissionAllowedInChannels:
		return p.Channels(), nil
	default:
		return false, nil
	}
}

func (p *Permission) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*p = Denied()
			return nil
		}
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("line %d: permission must be a boolean or a list of channel names: %w", node.Line, err)
		}
		if b {
			*p = Allowed()
		} else {
			*p = Denied()
		}
		return nil
	case yaml.SequenceNode:
		var channels []string
		if err := node.Decode(&channels); err != nil {
			return fmt.Errorf("line %d: permission channels: %w", node.Line, err)
		}
		*p = AllowedInChannels(channels...)
		return nil
	default:
		return fmt.Errorf("line %d: permission must be a boolean or a list of channel names", node.Line)
	}
}

// PermissionMap maps a command name to its permission. A missing entry means
// the command is not permitted.
type PermissionMap map[string]Permission

func (m PermissionMap) Lookup(commandName string) (Permission, bool) {
	p, ok := m[commandName]
	return p, ok
}

// CommandNames returns the registered command names in sorted order.
func (m PermissionMap) CommandNames() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m PermissionMap) Clone() PermissionMap {
	if m == nil {
		return nil
	}
	out := make(PermissionMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
