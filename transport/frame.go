// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/peep"
)

// A frame is the unit of exchange on a link between processes. Payload
// frames carry a direction tag and the published bytes; event frames carry
// an event identifier; hello and bye frames delimit the link itself.
type frame struct {
	Kind    frameKind
	Payload []byte
}

// frameKind describes the structure of a link frame.
type frameKind byte

const (
	frameHello frameKind = 1 // role announcement, sent first in each direction
	frameData  frameKind = 2 // a published payload, tagged with its direction
	frameEvent frameKind = 3 // an event identifier
	frameBye   frameKind = 4 // orderly shutdown of the sending side
)

func (k frameKind) String() string {
	switch k {
	case frameHello:
		return "HELLO"
	case frameData:
		return "DATA"
	case frameEvent:
		return "EVENT"
	case frameBye:
		return "BYE"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Data frame payloads begin with a direction tag so one link can carry
// both payload channels.
const (
	tagClientToServer byte = 1
	tagServerToClient byte = 2
)

const frameHeaderLen = 8

// maxFramePayload bounds the declared payload size of an inbound frame, so
// a corrupted length field cannot force an oversized allocation.
const maxFramePayload = 1 << 24

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
func (f *frame) WriteTo(w io.Writer) (int64, error) {
	buf := [frameHeaderLen]byte{'P', 'E', 0, byte(f.Kind)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(f.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(f.Payload) != 0 {
		var np int
		np, err = w.Write(f.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies io.ReaderFrom.
func (f *frame) ReadFrom(r io.Reader) (int64, error) {
	var buf [frameHeaderLen]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short frame header: %w", err)
	}
	if m := string(buf[:3]); m != "PE\x00" {
		return int64(nr), fmt.Errorf("invalid frame magic %q", m)
	}

	f.Kind = frameKind(buf[3])

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > maxFramePayload {
		return int64(nr), fmt.Errorf("oversized frame payload (%d bytes)", psize)
	} else if psize > 0 {
		f.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, f.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short frame payload: %w", err)
		}
	} else {
		f.Payload = nil
	}

	return int64(nr), err
}

// dataFrame packs a direction tag and payload into a DATA frame.
func dataFrame(tag byte, data []byte) *frame {
	pay := make([]byte, 1+len(data))
	pay[0] = tag
	copy(pay[1:], data)
	return &frame{Kind: frameData, Payload: pay}
}

// splitData reports the direction tag and payload of a DATA frame.
func (f *frame) splitData() (tag byte, data []byte, err error) {
	if f.Kind != frameData || len(f.Payload) < 1 {
		return 0, nil, fmt.Errorf("invalid DATA frame: %w", peep.ErrMalformed)
	}
	return f.Payload[0], f.Payload[1:], nil
}

// eventFrame packs an event identifier into an EVENT frame.
func eventFrame(id uint64) *frame {
	var pay [8]byte
	binary.BigEndian.PutUint64(pay[:], id)
	return &frame{Kind: frameEvent, Payload: pay[:]}
}

// eventID reports the identifier carried by an EVENT frame.
func (f *frame) eventID() (uint64, error) {
	if f.Kind != frameEvent || len(f.Payload) != 8 {
		return 0, fmt.Errorf("invalid EVENT frame: %w", peep.ErrMalformed)
	}
	return binary.BigEndian.Uint64(f.Payload), nil
}

// helloFrame packs a role announcement into a HELLO frame.
func helloFrame(role peep.Role) *frame {
	return &frame{Kind: frameHello, Payload: []byte{byte(role)}}
}

// helloRole reports the role announced by a HELLO frame.
func (f *frame) helloRole() (peep.Role, error) {
	if f.Kind != frameHello || len(f.Payload) != 1 {
		return 0, fmt.Errorf("invalid HELLO frame: %w", peep.ErrMalformed)
	}
	return peep.Role(f.Payload[0]), nil
}

// A frameConn moves frames across a byte stream. Implementations must
// permit one concurrent reader and one concurrent writer; neither method
// needs to tolerate multiple concurrent callers of the same kind.
type frameConn interface {
	ReadFrame() (*frame, error)
	WriteFrame(*frame) error
	Close() error
}

// netFrameConn is a frameConn over a stream connection.
type netFrameConn struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// newNetConn wraps conn in a frameConn whose buffers are sized for
// payloads around sizeHint bytes.
func newNetConn(conn net.Conn, sizeHint int) *netFrameConn {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &netFrameConn{
		r: bufio.NewReaderSize(conn, sizeHint+frameHeaderLen),
		w: bufio.NewWriterSize(conn, sizeHint+frameHeaderLen),
		c: conn,
	}
}

// ReadFrame implements part of the [frameConn] interface.
func (c *netFrameConn) ReadFrame() (*frame, error) {
	var f frame
	if _, err := f.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &f, nil
}

// WriteFrame implements part of the [frameConn] interface.
func (c *netFrameConn) WriteFrame(f *frame) error {
	if _, err := f.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Close implements part of the [frameConn] interface.
func (c *netFrameConn) Close() error { return c.c.Close() }
