// Package crdt maintains the replicated state of one document as an
// operation log with per-client sequence numbers. The payload of an
// operation is opaque to this package; convergence comes from the log
// structure alone, so delivery order between clients does not matter.
package crdt

import "sort"

// Operation is one atomic mutation produced by a client. Seq is 1-based
// and contiguous per client; Payload is an opaque binary delta.
type Operation struct {
	Client  string `json:"clientId"`
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

// StateVector summarizes which operations a replica has already
// integrated: for each client id, the highest contiguous sequence
// number seen. Clients absent from the map are at zero.
type StateVector map[string]uint64

// Covers reports whether the vector already accounts for op.
func (v StateVector) Covers(op Operation) bool {
	return v[op.Client] >= op.Seq
}

// Clone returns an independent copy of the vector.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for client, seq := range v {
		out[client] = seq
	}
	return out
}

// Merge raises each entry to the maximum of the two vectors.
func (v StateVector) Merge(other StateVector) {
	for client, seq := range other {
		if seq > v[client] {
			v[client] = seq
		}
	}
}

// Equal reports whether both vectors describe the same set of
// integrated operations. Zero entries are ignored.
func (v StateVector) Equal(other StateVector) bool {
	for client, seq := range v {
		if seq != 0 && other[client] != seq {
			return false
		}
	}
	for client, seq := range other {
		if seq != 0 && v[client] != seq {
			return false
		}
	}
	return true
}

// clients returns the client ids of the vector in sorted order.
func (v StateVector) clients() []string {
	ids := make([]string, 0, len(v))
	for client := range v {
		ids = append(ids, client)
	}
	sort.Strings(ids)
	return ids
}
