package protocol

type MsgType string

const (
	// MsgRegister is the first frame a replica sends on a fresh channel.
	MsgRegister MsgType = "register"
	// MsgRequestSnapshot is raised by the relay on the host once a
	// register arrives. It never crosses the wire.
	MsgRequestSnapshot MsgType = "requestSnapshot"
	// MsgLoadState carries the full tree to exactly one replica.
	MsgLoadState MsgType = "loadState"
	// MsgMutation is a commit request (replica -> host) or a broadcast
	// (host -> replica).
	MsgMutation MsgType = "mutation"
)

type Mutation struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// Frame is the transport-agnostic unit exchanged between host and replicas.
type Frame struct {
	Type     MsgType   `json:"type"`
	From     ReplicaID `json:"from,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	Mutation *Mutation `json:"mutation,omitempty"`
	State    Tree      `json:"state,omitempty"`
}

// MutationRecord is one applied change. Records are values and are never
// amended after creation; Payload is a private normalized copy.
type MutationRecord struct {
	Kind    string
	Payload map[string]any

	// SuppressRebroadcast is set on records that arrived from the network
	// (and on bulk loads) so they are not forwarded again.
	SuppressRebroadcast bool

	// Origin is the process that first committed the change. HostOrigin for
	// host-local commits.
	Origin ReplicaID

	// Seq is the host commit sequence. Zero for a replica-local commit that
	// the host has not applied yet.
	Seq uint64
}

// MutationFrame builds the broadcast frame for a canonical record.
func (r MutationRecord) MutationFrame() Frame {
	return Frame{
		Type: MsgMutation,
		From: r.Origin,
		Seq:  r.Seq,
		Mutation: &Mutation{
			Kind:    r.Kind,
			Payload: CloneMap(r.Payload),
		},
	}
}

func RegisterFrame(id ReplicaID) Frame {
	return Frame{Type: MsgRegister, From: id}
}

func LoadStateFrame(tree Tree, seq uint64) Frame {
	return Frame{Type: MsgLoadState, Seq: seq, State: tree}
}

func CommitRequestFrame(id ReplicaID, kind string, payload map[string]any) Frame {
	return Frame{
		Type:     MsgMutation,
		From:     id,
		Mutation: &Mutation{Kind: kind, Payload: CloneMap(payload)},
	}
}
