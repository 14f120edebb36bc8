// Package message defines the command envelope clients send to the broker and
// its fixed-size frame encoding.
//
// Every frame is FrameSize bytes: a 2-byte big-endian length, a CBOR encoded
// Packet of that length, then zero padding. FrameSize is below PIPE_BUF so a
// single write(2) of a frame is atomic and concurrent FIFO readers never see
// interleaved frames. A Command is CBOR encoded and split across as many
// Packets as its size requires; the daemon reassembles them by sender and
// message ID.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

const (
	// FrameSize is the size of every frame on the wire.
	FrameSize = 256
	// ChunkSize is the largest command fragment carried by one packet.
	ChunkSize = 200
	// MaxParts bounds the number of packets in one command.
	MaxParts = 1<<16 - 1

	headerSize = 2
)

var (
	// ErrFrameSize reports a frame of the wrong length or with a bad length
	// prefix.
	ErrFrameSize = errors.New("message: malformed frame")
	// ErrBadPart reports a packet whose part numbering is inconsistent.
	ErrBadPart = errors.New("message: bad part number")
	// ErrTooLarge reports a command that needs more than MaxParts packets.
	ErrTooLarge = errors.New("message: command too large")
)

// Command is a verb plus an optional path argument. Paths are carried as raw
// bytes and need not be valid UTF-8.
type Command struct {
	Verb string `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint,omitempty"`
}

func (c Command) String() string {
	if c.Path == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Path
}

// Packet is one frame's payload.
type Packet struct {
	SenderID  uint32 `cbor:"1,keyasint"`
	MessageID uint32 `cbor:"2,keyasint"`
	Part      uint16 `cbor:"3,keyasint"`
	Parts     uint16 `cbor:"4,keyasint"`
	Payload   []byte `cbor:"5,keyasint"`
}

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
		UTF8:             cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

var nextID atomic.Uint32

// NextID returns a process-wide increasing message identifier.
func NextID() uint32 {
	return nextID.Add(1) - 1
}

// Encode splits cmd into frames attributed to sender and id.
func Encode(cmd Command, sender, id uint32) ([][]byte, error) {
	body, err := encMode.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	parts := (len(body) + ChunkSize - 1) / ChunkSize
	if parts == 0 {
		parts = 1
	}
	if parts > MaxParts {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}

	frames := make([][]byte, 0, parts)
	for part := 0; part < parts; part++ {
		end := min((part+1)*ChunkSize, len(body))
		frame, err := EncodePacket(Packet{
			SenderID:  sender,
			MessageID: id,
			Part:      uint16(part),
			Parts:     uint16(parts),
			Payload:   body[part*ChunkSize : end],
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// EncodePacket renders one packet as a FrameSize frame.
func EncodePacket(p Packet) ([]byte, error) {
	body, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	if len(body) > FrameSize-headerSize {
		return nil, fmt.Errorf("%w: packet of %d bytes", ErrFrameSize, len(body))
	}
	frame := make([]byte, FrameSize)
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// DecodePacket parses a frame produced by EncodePacket.
func DecodePacket(frame []byte) (Packet, error) {
	var p Packet
	if len(frame) != FrameSize {
		return p, fmt.Errorf("%w: %d bytes", ErrFrameSize, len(frame))
	}
	n := int(binary.BigEndian.Uint16(frame))
	if n == 0 || n > FrameSize-headerSize {
		return p, fmt.Errorf("%w: length prefix %d", ErrFrameSize, n)
	}
	if err := decMode.Unmarshal(frame[headerSize:headerSize+n], &p); err != nil {
		return p, fmt.Errorf("decode packet: %w", err)
	}
	if p.Parts == 0 || p.Part >= p.Parts {
		return p, fmt.Errorf("%w: part %d of %d", ErrBadPart, p.Part, p.Parts)
	}
	return p, nil
}

// DecodeCommand parses a reassembled command body.
func DecodeCommand(body []byte) (Command, error) {
	var cmd Command
	if err := decMode.Unmarshal(body, &cmd); err != nil {
		return cmd, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}
