package protocol

import "github.com/google/uuid"

// ReplicaID identifies one replica process/window for the lifetime of its
// connection to the host.
type ReplicaID string

// HostOrigin marks records that originated on the host itself.
const HostOrigin ReplicaID = ""

func NewReplicaID() ReplicaID { return ReplicaID("r-" + uuid.NewString()) }

func (id ReplicaID) String() string {
	if id == HostOrigin {
		return "host"
	}
	return string(id)
}
