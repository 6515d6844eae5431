// Package wire defines the on-the-wire layout of completion records and
// recipe actions exchanged between the kernel core and user space, plus
// their manual little-endian marshal/unmarshal helpers.
//
// recordHeader carries a compile-time size assertion in the style of the
// ublk driver's internal/uapi package: var _ [N]byte =
// [unsafe.Sizeof(X{})]byte{} catches an accidental field reorder or width
// change at build time rather than at the first malformed record. The
// other record and action structs are marshaled field by field and carry
// no such assertion.
package wire

import (
	"encoding/binary"
	"unsafe"
)

// ErrorCode is the wire representation of a completion's result. It is a
// small enum, not the richer *microk.Error — the wire format only ever
// carries a code, never a message or a wrapped error.
type ErrorCode uint32

const (
	ErrNone ErrorCode = iota
	ErrIllegalArgs
	ErrIllegalState
	ErrUnsupportedOperation
	ErrBadDescriptor
	ErrNoDescriptor
	ErrNoMemory
	ErrNoHardwareSupport
	ErrBufferTooSmall
	ErrQueueTooSmall
	ErrAlreadyExists
	ErrOutOfBounds
	ErrFault
	ErrRemoteFault
	ErrLaneShutdown
	ErrEndOfLane
	ErrTransmissionMismatch
	ErrDismissed
	ErrThreadTerminated
	ErrCancelled
)

// RecordTag distinguishes the eight completion-record shapes of §6.
type RecordTag uint32

const (
	TagSimple RecordTag = iota
	TagLength
	TagHandle
	TagInline
	TagCredentials
	TagManage
	TagObservation
	TagEvent
)

const alignment = 8

// align8 rounds n up to the next multiple of the queue's record alignment.
func align8(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// recordHeader is common to every completion record: which shape follows,
// the result code, and the caller-supplied context word correlating the
// record back to the submission that produced it.
type recordHeader struct {
	Tag     uint32
	Error   uint32
	Context uint64
}

const recordHeaderSize = 16

var _ [16]byte = [unsafe.Sizeof(recordHeader{})]byte{}

func (h recordHeader) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Tag)
	binary.LittleEndian.PutUint32(buf[4:8], h.Error)
	binary.LittleEndian.PutUint64(buf[8:16], h.Context)
}

func (h *recordHeader) unmarshal(buf []byte) {
	h.Tag = binary.LittleEndian.Uint32(buf[0:4])
	h.Error = binary.LittleEndian.Uint32(buf[4:8])
	h.Context = binary.LittleEndian.Uint64(buf[8:16])
}

// SimpleRecord carries only an error code (e.g. a fire-and-forget ack).
type SimpleRecord struct {
	Context uint64
	Error   ErrorCode
}

// LengthRecord additionally carries a byte length (e.g. a completed copy).
type LengthRecord struct {
	Context uint64
	Error   ErrorCode
	Length  uint64
}

// HandleRecord returns a handle to the caller (e.g. Accept, PullDescriptor).
type HandleRecord struct {
	Context uint64
	Error   ErrorCode
	Flags   uint32
	Handle  int32
}

// InlineRecord carries a small payload copied directly into the record
// (RecvInline); Bytes is never larger than the negotiated chunk size.
type InlineRecord struct {
	Context uint64
	Error   ErrorCode
	Flags   uint32
	Bytes   []byte
}

// CredentialsRecord carries a fixed 16-byte credential blob.
type CredentialsRecord struct {
	Context     uint64
	Error       ErrorCode
	Flags       uint32
	Credentials [16]byte
}

// ManageKind distinguishes the two requests a managed view's backing side
// can receive.
type ManageKind uint32

const (
	ManageInitialize ManageKind = iota
	ManageWriteback
)

// ManageRecord is delivered to a managed view's backing queue.
type ManageRecord struct {
	Context uint64
	Error   ErrorCode
	Kind    ManageKind
	Offset  uint64
	Size    uint64
}

// ObservationKind enumerates the thread-observation reasons of §4.6.
type ObservationKind uint32

const (
	ObsNull ObservationKind = iota
	ObsInterrupt
	ObsPanic
	ObsBreakpoint
	ObsPageFault
	ObsGeneralFault
	ObsDivByZero
	ObsIllegalInstruction
	ObsSuperCall
)

// ObservationRecord reports a thread's observation sequence advancing.
type ObservationRecord struct {
	Context    uint64
	Error      ErrorCode
	Kind       ObservationKind
	Sequence   uint64
	SuperCallN uint64 // valid only when Kind == ObsSuperCall
}

// EventRecord reports an event or bitset event firing.
type EventRecord struct {
	Context  uint64
	Error    ErrorCode
	Sequence uint64
	Bitset   uint32
}

// MarshalSimple writes a SimpleRecord and returns the encoded bytes.
func MarshalSimple(r SimpleRecord) []byte {
	size := align8(recordHeaderSize)
	buf := make([]byte, size)
	recordHeader{Tag: uint32(TagSimple), Error: uint32(r.Error), Context: r.Context}.marshal(buf)
	return buf
}

// UnmarshalSimple parses a SimpleRecord previously written by MarshalSimple.
func UnmarshalSimple(buf []byte) (SimpleRecord, error) {
	var h recordHeader
	if len(buf) < recordHeaderSize {
		return SimpleRecord{}, ErrShortBuffer
	}
	h.unmarshal(buf)
	return SimpleRecord{Context: h.Context, Error: ErrorCode(h.Error)}, nil
}

// MarshalLength writes a LengthRecord.
func MarshalLength(r LengthRecord) []byte {
	size := align8(recordHeaderSize + 8)
	buf := make([]byte, size)
	recordHeader{Tag: uint32(TagLength), Error: uint32(r.Error), Context: r.Context}.marshal(buf)
	binary.LittleEndian.PutUint64(buf[recordHeaderSize:recordHeaderSize+8], r.Length)
	return buf
}

func UnmarshalLength(buf []byte) (LengthRecord, error) {
	if len(buf) < recordHeaderSize+8 {
		return LengthRecord{}, ErrShortBuffer
	}
	var h recordHeader
	h.unmarshal(buf)
	return LengthRecord{
		Context: h.Context,
		Error:   ErrorCode(h.Error),
		Length:  binary.LittleEndian.Uint64(buf[recordHeaderSize : recordHeaderSize+8]),
	}, nil
}

// MarshalHandle writes a HandleRecord.
func MarshalHandle(r HandleRecord) []byte {
	size := align8(recordHeaderSize + 8)
	buf := make([]byte, size)
	recordHeader{Tag: uint32(TagHandle), Error: uint32(r.Error), Context: r.Context}.marshal(buf)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize:recordHeaderSize+4], r.Flags)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize+4:recordHeaderSize+8], uint32(r.Handle))
	return buf
}

func UnmarshalHandle(buf []byte) (HandleRecord, error) {
	if len(buf) < recordHeaderSize+8 {
		return HandleRecord{}, ErrShortBuffer
	}
	var h recordHeader
	h.unmarshal(buf)
	return HandleRecord{
		Context: h.Context,
		Error:   ErrorCode(h.Error),
		Flags:   binary.LittleEndian.Uint32(buf[recordHeaderSize : recordHeaderSize+4]),
		Handle:  int32(binary.LittleEndian.Uint32(buf[recordHeaderSize+4 : recordHeaderSize+8])),
	}, nil
}

// MarshalInline writes an InlineRecord; ValidSize reports whether the
// resulting record fits a given chunk.
func MarshalInline(r InlineRecord) []byte {
	header := recordHeaderSize + 8
	size := align8(header + len(r.Bytes))
	buf := make([]byte, size)
	recordHeader{Tag: uint32(TagInline), Error: uint32(r.Error), Context: r.Context}.marshal(buf)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize:recordHeaderSize+4], r.Flags)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize+4:recordHeaderSize+8], uint32(len(r.Bytes)))
	copy(buf[header:], r.Bytes)
	return buf
}

func UnmarshalInline(buf []byte) (InlineRecord, error) {
	header := recordHeaderSize + 8
	if len(buf) < header {
		return InlineRecord{}, ErrShortBuffer
	}
	var h recordHeader
	h.unmarshal(buf)
	flags := binary.LittleEndian.Uint32(buf[recordHeaderSize : recordHeaderSize+4])
	length := int(binary.LittleEndian.Uint32(buf[recordHeaderSize+4 : recordHeaderSize+8]))
	if len(buf) < header+length {
		return InlineRecord{}, ErrShortBuffer
	}
	bytes := make([]byte, length)
	copy(bytes, buf[header:header+length])
	return InlineRecord{Context: h.Context, Error: ErrorCode(h.Error), Flags: flags, Bytes: bytes}, nil
}

// MarshalCredentials writes a CredentialsRecord.
func MarshalCredentials(r CredentialsRecord) []byte {
	size := align8(recordHeaderSize + 4 + 16)
	buf := make([]byte, size)
	recordHeader{Tag: uint32(TagCredentials), Error: uint32(r.Error), Context: r.Context}.marshal(buf)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize:recordHeaderSize+4], r.Flags)
	copy(buf[recordHeaderSize+4:recordHeaderSize+4+16], r.Credentials[:])
	return buf
}

func UnmarshalCredentials(buf []byte) (CredentialsRecord, error) {
	if len(buf) < recordHeaderSize+4+16 {
		return CredentialsRecord{}, ErrShortBuffer
	}
	var h recordHeader
	h.unmarshal(buf)
	var creds [16]byte
	copy(creds[:], buf[recordHeaderSize+4:recordHeaderSize+4+16])
	return CredentialsRecord{
		Context:     h.Context,
		Error:       ErrorCode(h.Error),
		Flags:       binary.LittleEndian.Uint32(buf[recordHeaderSize : recordHeaderSize+4]),
		Credentials: creds,
	}, nil
}

// MarshalManage writes a ManageRecord.
func MarshalManage(r ManageRecord) []byte {
	size := align8(recordHeaderSize + 4 + 8 + 8)
	buf := make([]byte, size)
	recordHeader{Tag: uint32(TagManage), Error: uint32(r.Error), Context: r.Context}.marshal(buf)
	off := recordHeaderSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.Kind))
	binary.LittleEndian.PutUint64(buf[off+4:off+12], r.Offset)
	binary.LittleEndian.PutUint64(buf[off+12:off+20], r.Size)
	return buf
}

func UnmarshalManage(buf []byte) (ManageRecord, error) {
	off := recordHeaderSize
	if len(buf) < off+20 {
		return ManageRecord{}, ErrShortBuffer
	}
	var h recordHeader
	h.unmarshal(buf)
	return ManageRecord{
		Context: h.Context,
		Error:   ErrorCode(h.Error),
		Kind:    ManageKind(binary.LittleEndian.Uint32(buf[off : off+4])),
		Offset:  binary.LittleEndian.Uint64(buf[off+4 : off+12]),
		Size:    binary.LittleEndian.Uint64(buf[off+12 : off+20]),
	}, nil
}

// MarshalObservation writes an ObservationRecord.
func MarshalObservation(r ObservationRecord) []byte {
	size := align8(recordHeaderSize + 4 + 8 + 8)
	buf := make([]byte, size)
	recordHeader{Tag: uint32(TagObservation), Error: uint32(r.Error), Context: r.Context}.marshal(buf)
	off := recordHeaderSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.Kind))
	binary.LittleEndian.PutUint64(buf[off+4:off+12], r.Sequence)
	binary.LittleEndian.PutUint64(buf[off+12:off+20], r.SuperCallN)
	return buf
}

func UnmarshalObservation(buf []byte) (ObservationRecord, error) {
	off := recordHeaderSize
	if len(buf) < off+20 {
		return ObservationRecord{}, ErrShortBuffer
	}
	var h recordHeader
	h.unmarshal(buf)
	return ObservationRecord{
		Context:    h.Context,
		Error:      ErrorCode(h.Error),
		Kind:       ObservationKind(binary.LittleEndian.Uint32(buf[off : off+4])),
		Sequence:   binary.LittleEndian.Uint64(buf[off+4 : off+12]),
		SuperCallN: binary.LittleEndian.Uint64(buf[off+12 : off+20]),
	}, nil
}

// MarshalEvent writes an EventRecord.
func MarshalEvent(r EventRecord) []byte {
	size := align8(recordHeaderSize + 8 + 4)
	buf := make([]byte, size)
	recordHeader{Tag: uint32(TagEvent), Error: uint32(r.Error), Context: r.Context}.marshal(buf)
	off := recordHeaderSize
	binary.LittleEndian.PutUint64(buf[off:off+8], r.Sequence)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], r.Bitset)
	return buf
}

func UnmarshalEvent(buf []byte) (EventRecord, error) {
	off := recordHeaderSize
	if len(buf) < off+12 {
		return EventRecord{}, ErrShortBuffer
	}
	var h recordHeader
	h.unmarshal(buf)
	return EventRecord{
		Context:  h.Context,
		Error:    ErrorCode(h.Error),
		Sequence: binary.LittleEndian.Uint64(buf[off : off+8]),
		Bitset:   binary.LittleEndian.Uint32(buf[off+8 : off+12]),
	}, nil
}

// PeekTag reads only the record tag from the front of a buffer, letting a
// consumer dispatch to the right Unmarshal* without guessing the shape.
func PeekTag(buf []byte) (RecordTag, error) {
	if len(buf) < 4 {
		return 0, ErrShortBuffer
	}
	return RecordTag(binary.LittleEndian.Uint32(buf[0:4])), nil
}

// ValidSize reports whether a chunk of chunkSize bytes can hold a record of
// n bytes once aligned — the wire-level analog of spec §4.4's validSize.
func ValidSize(chunkSize, n int) bool {
	return align8(n) <= chunkSize
}

// ShortBufferError is returned by every Unmarshal* when the supplied slice
// is too small to hold the declared record shape.
type ShortBufferError struct{}

func (ShortBufferError) Error() string { return "wire: buffer too short for record" }

var ErrShortBuffer = ShortBufferError{}
