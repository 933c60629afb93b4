// Package sockmux implements the host-driven socket multiplexer: the wire
// format for Unix and TCP client requests/responses, and the dispatcher
// that drives connections on the host's behalf.
package sockmux

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/stskeeps/cmio-fun/internal/hif"
)

// Message type codes.
const (
	UnixConnect byte = 0x01
	UnixSend    byte = 0x02
	UnixReceive byte = 0x03
	UnixClose   byte = 0x04
	TCPConnect  byte = 0x05
	TCPSend     byte = 0x06
	TCPReceive  byte = 0x07
	TCPClose    byte = 0x08
)

// MaxPathLength is the longest UNIX_CONNECT path DecodeMessage accepts.
// The length travels in a single prefix byte, which could hold up to 255.
const MaxPathLength = 108

// StatusOK and StatusError are the two values a status response's
// one-byte Data payload can take.
const (
	StatusOK    byte = 0x00
	StatusError byte = 0x01
)

// Message is one request or response in the socket multiplexer's wire
// format. Which of Path, (IP, Port), or Data is meaningful depends on
// Type: CONNECTs carry a destination and no data; everything else carries
// data and no destination.
type Message struct {
	Type   byte
	ConnID uint32
	Path   string
	IP     [4]byte
	Port   uint16
	Data   []byte
}

// Serialize encodes m: a one-byte type, a four-byte connection id, and
// then either a destination (CONNECT) or a length-prefixed data payload
// (everything else).
func (m Message) Serialize() []byte {
	buf := make([]byte, 0, 5+len(m.Data)+len(m.Path))
	buf = append(buf, m.Type)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], m.ConnID)
	buf = append(buf, idBuf[:]...)

	switch m.Type {
	case UnixConnect:
		buf = append(buf, byte(len(m.Path)))
		buf = append(buf, m.Path...)
	case TCPConnect:
		buf = append(buf, m.IP[:]...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], m.Port)
		buf = append(buf, portBuf[:]...)
	default:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.Data)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, m.Data...)
	}
	return buf
}

// StatusMessage builds a single-byte status response of the given type
// and connection id.
func StatusMessage(msgType byte, connID uint32, ok bool) Message {
	status := StatusOK
	if !ok {
		status = StatusError
	}
	return Message{Type: msgType, ConnID: connID, Data: []byte{status}}
}

// DecodeMessage parses a single message from the front of buf, returning
// the message and the number of bytes it consumed. It never reads past
// the bytes it reports as consumed, which is what lets a batch decode
// correctly regardless of which message types precede which.
func DecodeMessage(buf []byte) (Message, int, error) {
	if len(buf) < 5 {
		return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "message shorter than 5-byte header")
	}

	msgType := buf[0]
	connID := binary.BigEndian.Uint32(buf[1:5])
	offset := 5

	switch msgType {
	case UnixConnect:
		if len(buf) < offset+1 {
			return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "truncated UNIX_CONNECT path length")
		}
		pathLen := int(buf[offset])
		offset++
		if pathLen > MaxPathLength {
			return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "UNIX_CONNECT path too long")
		}
		if len(buf) < offset+pathLen {
			return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "truncated UNIX_CONNECT path")
		}
		pathBytes := buf[offset : offset+pathLen]
		if !utf8.Valid(pathBytes) {
			return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "UNIX_CONNECT path is not valid UTF-8")
		}
		offset += pathLen
		return Message{Type: msgType, ConnID: connID, Path: string(pathBytes)}, offset, nil

	case TCPConnect:
		if len(buf) < offset+6 {
			return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "truncated TCP_CONNECT address")
		}
		var ip [4]byte
		copy(ip[:], buf[offset:offset+4])
		port := binary.BigEndian.Uint16(buf[offset+4 : offset+6])
		offset += 6
		return Message{Type: msgType, ConnID: connID, IP: ip, Port: port}, offset, nil

	case UnixSend, UnixReceive, UnixClose, TCPSend, TCPReceive, TCPClose:
		if len(buf) < offset+4 {
			return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "truncated data length")
		}
		dataLen := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		if dataLen < 0 || len(buf) < offset+dataLen {
			return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "data length exceeds remaining buffer")
		}
		data := make([]byte, dataLen)
		copy(data, buf[offset:offset+dataLen])
		offset += dataLen
		return Message{Type: msgType, ConnID: connID, Data: data}, offset, nil

	default:
		return Message{}, 0, hif.NewError("decode", hif.KindProtocol, "unknown message type")
	}
}

// DecodeBatch decodes the full concatenation of messages in buf. A
// malformed or truncated message is always a protocol error here — unlike
// TAP frame injection, this wire format has no silent-discard convention
// for bad input.
func DecodeBatch(buf []byte) ([]Message, error) {
	var messages []Message
	offset := 0
	for offset < len(buf) {
		msg, n, err := DecodeMessage(buf[offset:])
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		offset += n
	}
	return messages, nil
}
