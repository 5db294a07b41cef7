package protocol

import (
	"fmt"
	"strings"
)

// ProcessRole is fixed for the lifetime of a process. There is exactly one
// Host; every other process is a Replica.
type ProcessRole int

const (
	RoleHost ProcessRole = iota + 1
	RoleReplica
)

func (r ProcessRole) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleReplica:
		return "replica"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func ParseRole(s string) (ProcessRole, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host":
		return RoleHost, nil
	case "replica":
		return RoleReplica, nil
	default:
		return 0, fmt.Errorf("unknown process role %q", s)
	}
}
