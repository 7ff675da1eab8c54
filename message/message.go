package message

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/netsys-lab/bittorrent-over-scion/bitfield"
	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
)

type MsgID uint8

const (
	// MsgChoke chokes the receiver
	MsgChoke MsgID = 0
	// MsgUnchoke unchokes the receiver
	MsgUnchoke MsgID = 1
	// MsgInterested expresses interest in receiving data
	MsgInterested MsgID = 2
	// MsgNotInterested expresses disinterest in receiving data
	MsgNotInterested MsgID = 3
	// MsgHave alerts the receiver that the sender has downloaded a piece
	MsgHave MsgID = 4
	// MsgBitfield encodes which pieces that the sender has downloaded
	MsgBitfield MsgID = 5
	// MsgRequest requests a block of data from the receiver
	MsgRequest MsgID = 6
	// MsgPiece delivers a block of data to fulfill a request
	MsgPiece MsgID = 7
	// MsgCancel cancels a request
	MsgCancel MsgID = 8
	// MsgPort announces the sender's DHT port
	MsgPort MsgID = 9
)

// MaxBlockLength is the largest block a peer may request or deliver
const MaxBlockLength = 128 * 1024

// MaxLength bounds the length prefix of any message: a piece message with
// a maximal block. Bitfields of larger torrents fit in this as well.
const MaxLength = 1 + 8 + MaxBlockLength

// Message is a tagged variant over the peer wire messages. Only the fields
// belonging to ID are set. A nil *Message is a keep-alive.
type Message struct {
	ID       MsgID
	Index    uint32
	Begin    uint32
	Length   uint32
	Block    []byte
	Bitfield bitfield.Bitfield
	Port     uint16
}

// Request identifies one block of a piece
type Request struct {
	Index  int
	Begin  int
	Length int
}

func (r Request) String() string {
	return fmt.Sprintf("%d+%d:%d", r.Index, r.Begin, r.Length)
}

func FormatRequest(r Request) *Message {
	return &Message{ID: MsgRequest, Index: uint32(r.Index), Begin: uint32(r.Begin), Length: uint32(r.Length)}
}

func FormatCancel(r Request) *Message {
	return &Message{ID: MsgCancel, Index: uint32(r.Index), Begin: uint32(r.Begin), Length: uint32(r.Length)}
}

func FormatHave(index int) *Message {
	return &Message{ID: MsgHave, Index: uint32(index)}
}

func FormatPiece(index, begin int, block []byte) *Message {
	return &Message{ID: MsgPiece, Index: uint32(index), Begin: uint32(begin), Block: block}
}

func FormatBitfield(bf bitfield.Bitfield) *Message {
	return &Message{ID: MsgBitfield, Bitfield: bf}
}

func FormatPort(port uint16) *Message {
	return &Message{ID: MsgPort, Port: port}
}

// Request returns the block a REQUEST, CANCEL or PIECE message refers to
func (m *Message) Request() Request {
	length := int(m.Length)
	if m.ID == MsgPiece {
		length = len(m.Block)
	}
	return Request{Index: int(m.Index), Begin: int(m.Begin), Length: length}
}

func (m *Message) payload() []byte {
	switch m.ID {
	case MsgHave:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, m.Index)
		return buf
	case MsgRequest, MsgCancel:
		buf := make([]byte, 12)
		binary.BigEndian.PutUint32(buf[0:4], m.Index)
		binary.BigEndian.PutUint32(buf[4:8], m.Begin)
		binary.BigEndian.PutUint32(buf[8:12], m.Length)
		return buf
	case MsgPiece:
		buf := make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(buf[0:4], m.Index)
		binary.BigEndian.PutUint32(buf[4:8], m.Begin)
		copy(buf[8:], m.Block)
		return buf
	case MsgBitfield:
		return m.Bitfield
	case MsgPort:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, m.Port)
		return buf
	}
	return nil
}

// Serialize serializes a message into a buffer of the form
// <length prefix><message ID><payload>
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	payload := m.payload()
	length := uint32(len(payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], payload)
	return buf
}

func violation(format string, args ...interface{}) error {
	return bterrors.Newf(bterrors.KindProtocolViolation, format, args...)
}

// Read parses one message from a stream. It returns nil for keep-alives.
// Malformed input yields a ProtocolViolation, transport errors are returned as is.
func Read(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return nil, nil
	}
	if length > MaxLength {
		return nil, violation("message length %d exceeds %d", length, MaxLength)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return decode(MsgID(buf[0]), buf[1:])
}

func decode(id MsgID, payload []byte) (*Message, error) {
	m := &Message{ID: id}
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(payload) != 0 {
			return nil, violation("%s carries %d payload bytes", id, len(payload))
		}
	case MsgHave:
		if len(payload) != 4 {
			return nil, violation("have payload length %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return nil, violation("%s payload length %d", id, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
		if m.Length == 0 || m.Length > MaxBlockLength {
			return nil, violation("%s block length %d", id, m.Length)
		}
	case MsgPiece:
		if len(payload) < 8 {
			return nil, violation("piece payload length %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = payload[8:]
	case MsgBitfield:
		m.Bitfield = bitfield.Bitfield(payload)
	case MsgPort:
		if len(payload) != 2 {
			return nil, violation("port payload length %d", len(payload))
		}
		m.Port = binary.BigEndian.Uint16(payload)
	default:
		return nil, violation("unknown message id %d", id)
	}
	return m, nil
}

func (id MsgID) String() string {
	switch id {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "NotInterested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	case MsgPort:
		return "Port"
	default:
		return fmt.Sprintf("Unknown#%d", id)
	}
}

func (m *Message) String() string {
	if m == nil {
		return "KeepAlive"
	}
	switch m.ID {
	case MsgHave:
		return fmt.Sprintf("Have [%d]", m.Index)
	case MsgRequest, MsgCancel, MsgPiece:
		return fmt.Sprintf("%s [%s]", m.ID, m.Request())
	case MsgBitfield:
		return fmt.Sprintf("Bitfield [%d bytes]", len(m.Bitfield))
	}
	return m.ID.String()
}
