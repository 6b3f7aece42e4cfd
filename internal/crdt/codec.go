package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// snapshot format: magic byte, format version, then for each client
// (sorted by id) the id and its contiguous operation payloads. Sequence
// numbers are implicit in the payload order, so the encoding stays
// compact. Buffered out-of-order operations are not part of the state
// and are not encoded; their owners replay them on reconnect.
const (
	snapshotMagic   = 0x74
	snapshotVersion = 1
)

var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// Snapshot serializes the integrated state to a compact binary form.
// The encoding is deterministic for a given state.
func (e *Engine) Snapshot() []byte {
	vector := e.StateVector()
	buf := []byte{snapshotMagic, snapshotVersion}
	buf = binary.AppendUvarint(buf, uint64(len(vector)))
	for _, client := range vector.clients() {
		buf = binary.AppendUvarint(buf, uint64(len(client)))
		buf = append(buf, client...)
		ops := e.log[client]
		buf = binary.AppendUvarint(buf, uint64(len(ops)))
		for _, op := range ops {
			buf = binary.AppendUvarint(buf, uint64(len(op.Payload)))
			buf = append(buf, op.Payload...)
		}
	}
	return buf
}

// Restore rebuilds an engine from a snapshot produced by Snapshot.
func Restore(data []byte) (*Engine, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptSnapshot)
	}
	if data[0] != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%02x", ErrCorruptSnapshot, data[0])
	}
	if data[1] != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, data[1])
	}

	r := &reader{buf: data[2:]}
	engine := NewEngine()

	clientCount, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < clientCount; i++ {
		idLen, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		idBytes, err := r.bytes(idLen)
		if err != nil {
			return nil, err
		}
		client := string(idBytes)
		if client == "" {
			return nil, fmt.Errorf("%w: empty client id", ErrCorruptSnapshot)
		}

		opCount, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		// Each encoded op occupies at least two bytes; bound the
		// preallocation by what the remaining buffer could hold so a
		// corrupt count cannot drive a huge allocation.
		alloc := opCount
		if max := uint64(len(r.buf)) / 2; alloc > max {
			alloc = max
		}
		ops := make([]Operation, 0, alloc)
		for seq := uint64(1); seq <= opCount; seq++ {
			payloadLen, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			payload, err := r.bytes(payloadLen)
			if err != nil {
				return nil, err
			}
			if len(payload) == 0 {
				return nil, fmt.Errorf("%w: empty payload for %s/%d", ErrCorruptSnapshot, client, seq)
			}
			ops = append(ops, Operation{Client: client, Seq: seq, Payload: payload})
		}
		engine.log[client] = ops
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(r.buf))
	}
	return engine, nil
}

type reader struct {
	buf []byte
}

func (r *reader) uvarint() (uint64, error) {
	value, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, fmt.Errorf("%w: truncated varint", ErrCorruptSnapshot)
	}
	r.buf = r.buf[n:]
	return value, nil
}

func (r *reader) bytes(n uint64) ([]byte, error) {
	if n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("%w: truncated field", ErrCorruptSnapshot)
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out, nil
}
