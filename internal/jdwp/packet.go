// Package jdwp speaks the Java Debug Wire Protocol: the byte-level handshake,
// command and reply packets, and composite VM events. It adapts a small part
// of the protocol to the backend.Backend surface.
package jdwp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerLength = 11
	flagReply    = 0x80

	// maxPacketLength guards against reading garbage as a length prefix.
	maxPacketLength = 64 << 20
)

// Command sets and commands used by the backend.
const (
	setVirtualMachine  = 1
	cmdVersion         = 1
	cmdAllThreads      = 4
	cmdDispose         = 6
	cmdIDSizes         = 7
	cmdSuspend         = 8
	cmdResume          = 9
	cmdExit            = 10
	setThreadReference = 11
	cmdThreadName      = 1
	setEventRequest    = 15
	cmdEventSet        = 1
	setEvent           = 64
	cmdComposite       = 100
)

// Event kinds.
const (
	EventSingleStep  = 1
	EventBreakpoint  = 2
	EventThreadStart = 6
	EventThreadDeath = 7
	EventVMStart     = 90
	EventVMDeath     = 99
)

// Suspend policies.
const (
	SuspendNone        = 0
	SuspendEventThread = 1
	SuspendAll         = 2
)

var errShortPacket = errors.New("packet data too short")

// Packet is one command or reply packet.
type Packet struct {
	ID    uint32
	Flags byte

	// CommandSet and Command are set on command packets.
	CommandSet byte
	Command    byte

	// ErrorCode is set on reply packets.
	ErrorCode uint16

	Data []byte
}

// IsReply reports whether p answers an earlier command.
func (p *Packet) IsReply() bool {
	return p.Flags&flagReply != 0
}

// ReadPacket reads one packet from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [headerLength]byte
	if _, readErr := io.ReadFull(r, header[:]); readErr != nil {
		return nil, readErr
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length < headerLength || length > maxPacketLength {
		return nil, fmt.Errorf("invalid packet length %d", length)
	}

	p := &Packet{
		ID:    binary.BigEndian.Uint32(header[4:8]),
		Flags: header[8],
	}
	if p.IsReply() {
		p.ErrorCode = binary.BigEndian.Uint16(header[9:11])
	} else {
		p.CommandSet = header[9]
		p.Command = header[10]
	}

	p.Data = make([]byte, length-headerLength)
	if _, readErr := io.ReadFull(r, p.Data); readErr != nil {
		return nil, fmt.Errorf("failed to read packet body: %w", readErr)
	}
	return p, nil
}

// WritePacket writes p to w in a single call.
func WritePacket(w io.Writer, p *Packet) error {
	buf := make([]byte, headerLength+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[4:8], p.ID)
	buf[8] = p.Flags
	if p.IsReply() {
		binary.BigEndian.PutUint16(buf[9:11], p.ErrorCode)
	} else {
		buf[9] = p.CommandSet
		buf[10] = p.Command
	}
	copy(buf[headerLength:], p.Data)

	_, writeErr := w.Write(buf)
	return writeErr
}

// IDSizes holds the VM's variable identifier widths in bytes.
type IDSizes struct {
	FieldID         int
	MethodID        int
	ObjectID        int
	ReferenceTypeID int
	FrameID         int
}

// defaultIDSizes is used until the VM reports its own.
var defaultIDSizes = IDSizes{FieldID: 8, MethodID: 8, ObjectID: 8, ReferenceTypeID: 8, FrameID: 8}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = errShortPacket
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) i32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) str() string {
	n := r.i32()
	return string(r.take(int(n)))
}

// id reads a variable-width identifier.
func (r *reader) id(size int) uint64 {
	b := r.take(size)
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

type writer struct {
	bytes.Buffer
}

func (w *writer) u8(b byte) {
	w.WriteByte(b)
}

func (w *writer) i32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.Write(b[:])
}

func (w *writer) id(v uint64, size int) {
	for i := size - 1; i >= 0; i-- {
		w.WriteByte(byte(v >> (8 * i)))
	}
}
