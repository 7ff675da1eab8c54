package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameKind identifies the purpose of a transport frame
type FrameKind uint8

const (
	// FrameHello opens a subflow. Payload: 16 byte connection id, then the path fingerprint
	FrameHello FrameKind = iota + 1
	// FrameData carries application bytes, Seq numbers them
	FrameData
	// FrameAck acknowledges every data frame below Seq
	FrameAck
	// FramePing probes a path, Seq is the nonce echoed by FramePong
	FramePing
	FramePong
	// FrameClose announces that no data frame at or above Seq will follow
	FrameClose
)

// FrameHeaderLen is kind(1) + seq(8) + payload length(4)
const FrameHeaderLen = 13

// MaxFramePayload bounds a single data frame
const MaxFramePayload = 32 * 1024

type Frame struct {
	Kind    FrameKind
	Seq     uint64
	Payload []byte
}

func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "HELLO"
	case FrameData:
		return "DATA"
	case FrameAck:
		return "ACK"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameClose:
		return "CLOSE"
	}
	return fmt.Sprintf("FRAME(%d)", uint8(k))
}

// Serialize encodes the frame into one buffer, so that a single Write puts it on the wire
func (f *Frame) Serialize() []byte {
	buf := make([]byte, FrameHeaderLen+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint64(buf[1:9], f.Seq)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(f.Payload)))
	copy(buf[FrameHeaderLen:], f.Payload)
	return buf
}

func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(f.Serialize())
	return err
}

func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, FrameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	f := &Frame{
		Kind: FrameKind(header[0]),
		Seq:  binary.BigEndian.Uint64(header[1:9]),
	}
	if f.Kind < FrameHello || f.Kind > FrameClose {
		return nil, fmt.Errorf("unknown frame kind %d", header[0])
	}
	length := binary.BigEndian.Uint32(header[9:13])
	if length > MaxFramePayload {
		return nil, fmt.Errorf("%s frame payload of %d bytes exceeds %d", f.Kind, length, MaxFramePayload)
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}
