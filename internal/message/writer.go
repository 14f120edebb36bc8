package message

import (
	"fmt"
	"io"
	"os"
)

// Write encodes cmd and writes it to w, issuing one Write per frame. It
// returns the message ID stamped on the frames.
func Write(w io.Writer, cmd Command) (uint32, error) {
	id := NextID()
	frames, err := Encode(cmd, uint32(os.Getpid()), id)
	if err != nil {
		return id, err
	}
	for i, frame := range frames {
		if _, err := w.Write(frame); err != nil {
			return id, fmt.Errorf("write frame %d/%d: %w", i+1, len(frames), err)
		}
	}
	return id, nil
}

// Reader reads whole frames from r.
type Reader struct {
	r   io.Reader
	buf []byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, FrameSize)}
}

// ReadPacket blocks until a full frame is available and decodes it. The
// returned error wraps io.EOF or io.ErrUnexpectedEOF when r is exhausted.
func (r *Reader) ReadPacket() (Packet, []byte, error) {
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return Packet{}, nil, err
	}
	frame := append([]byte(nil), r.buf...)
	pkt, err := DecodePacket(frame)
	return pkt, frame, err
}
