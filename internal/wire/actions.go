package wire

import "encoding/binary"

// ActionKind enumerates the recipe vocabulary of spec §4.5.
type ActionKind uint32

const (
	ActionOffer ActionKind = iota
	ActionAccept
	ActionImbueCredentials
	ActionExtractCredentials
	ActionSendFromBuffer
	ActionRecvInline
	ActionRecvToBuffer
	ActionPushDescriptor
	ActionPullDescriptor
	ActionSendFromBufferSg
	ActionDismiss
)

// Action flag bits from §6: Chain continues the current branch, Ancillary
// opens a nested branch matched independently on the peer side, WantLane
// requests a fresh lane handle on Accept/Pull. Fault simulates a bad
// buffer pointer on a send/receive action (spec §8's S2 seed scenario)
// so the matching engine can be exercised without a real MMU.
const (
	FlagChain     uint32 = 1 << 0
	FlagAncillary uint32 = 1 << 1
	FlagWantLane  uint32 = 1 << 2
	FlagFault     uint32 = 1 << 3
)

// Action is one element of a flat HelAction recipe list. Buffer carries the
// send-side payload (SendFromBuffer/SendFromBufferSg); Handle carries the
// descriptor being pushed (PushDescriptor); Length bounds a receive buffer.
type Action struct {
	Kind    ActionKind
	Flags   uint32
	Context uint64
	Buffer  []byte
	Handle  int32
	Length  uint64
}

func (a Action) HasFlag(f uint32) bool { return a.Flags&f != 0 }

const actionHeaderSize = 4 + 4 + 8 + 4 + 4 + 8 // kind, flags, context, handle, bufLen, length

// MarshalActionList encodes a flat slice of Actions as they would arrive
// across a submission. Buffer bytes are appended after every header in
// list order; the kernel decodes headers first, then slices payloads out
// of the trailing region.
func MarshalActionList(actions []Action) []byte {
	total := 0
	for _, a := range actions {
		total += actionHeaderSize + len(a.Buffer)
	}
	buf := make([]byte, total)
	off := 0
	for _, a := range actions {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(a.Kind))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], a.Flags)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], a.Context)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], uint32(a.Handle))
		binary.LittleEndian.PutUint32(buf[off+20:off+24], uint32(len(a.Buffer)))
		binary.LittleEndian.PutUint64(buf[off+24:off+32], a.Length)
		off += actionHeaderSize
		copy(buf[off:], a.Buffer)
		off += len(a.Buffer)
	}
	return buf
}

// UnmarshalActionList decodes a buffer produced by MarshalActionList back
// into a slice of Actions. It returns ErrShortBuffer on any truncation.
func UnmarshalActionList(buf []byte) ([]Action, error) {
	var actions []Action
	off := 0
	for off < len(buf) {
		if off+actionHeaderSize > len(buf) {
			return nil, ErrShortBuffer
		}
		kind := ActionKind(binary.LittleEndian.Uint32(buf[off : off+4]))
		flags := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		context := binary.LittleEndian.Uint64(buf[off+8 : off+16])
		handle := int32(binary.LittleEndian.Uint32(buf[off+16 : off+20]))
		bufLen := int(binary.LittleEndian.Uint32(buf[off+20 : off+24]))
		length := binary.LittleEndian.Uint64(buf[off+24 : off+32])
		off += actionHeaderSize
		if off+bufLen > len(buf) {
			return nil, ErrShortBuffer
		}
		payload := make([]byte, bufLen)
		copy(payload, buf[off:off+bufLen])
		off += bufLen
		actions = append(actions, Action{
			Kind: kind, Flags: flags, Context: context,
			Handle: handle, Buffer: payload, Length: length,
		})
	}
	return actions, nil
}

// SplitBranches partitions a flat action list into branches by FlagChain
// alone: each branch runs up to and including the first action without
// FlagChain. FlagAncillary does not affect the split, and branches are
// not nested.
func SplitBranches(actions []Action) [][]Action {
	var branches [][]Action
	var current []Action
	for _, a := range actions {
		current = append(current, a)
		if !a.HasFlag(FlagChain) {
			branches = append(branches, current)
			current = nil
		}
	}
	if len(current) > 0 {
		branches = append(branches, current)
	}
	return branches
}
