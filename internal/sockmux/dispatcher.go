package sockmux

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/stskeeps/cmio-fun/internal/hif"
	"github.com/stskeeps/cmio-fun/internal/logging"
)

// UnixSocketReason is the yield reason code the multiplexer uses for
// every yield it issues.
const UnixSocketReason uint16 = 0x43

// receiveChunk bounds how much a single RECEIVE request reads in one call.
const receiveChunk = 4096

// Transport is the minimal yield surface the multiplexer needs.
type Transport interface {
	YieldWithPayload(device, command byte, reason uint16, tx []byte) ([]byte, uint16, error)
}

// Stats are the multiplexer's running request counters, observability-only.
type Stats struct {
	Connects      atomic.Uint64
	Sends         atomic.Uint64
	Receives      atomic.Uint64
	Closes        atomic.Uint64
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
	ConnectErrors atomic.Uint64
}

type connRecord struct {
	id   uint32
	conn net.Conn
	dest string
}

// Multiplexer owns the two connection tables (Unix, TCP) and the drive
// loop that decodes a request batch, dispatches each message, and returns
// the accumulated response batch in a single follow-up yield.
type Multiplexer struct {
	tr  Transport
	log *logging.Logger

	unixConns map[uint32]*connRecord
	tcpConns  map[uint32]*connRecord

	Stats Stats
}

// NewMultiplexer builds a Multiplexer over the given transport.
func NewMultiplexer(tr Transport, log *logging.Logger) *Multiplexer {
	return &Multiplexer{
		tr:        tr,
		log:       log,
		unixConns: make(map[uint32]*connRecord),
		tcpConns:  make(map[uint32]*connRecord),
	}
}

// RunOnce executes one iteration of the multiplexer's main loop: yield for
// a request batch, dispatch each message, and yield back the responses.
func (m *Multiplexer) RunOnce() error {
	rx, _, err := m.tr.YieldWithPayload(hif.YieldDeviceManual, hif.YieldCmdManual, UnixSocketReason, nil)
	if err != nil {
		return err
	}

	if len(rx) == 0 {
		// Nothing arrived on this slice. Issue one more yield to give the
		// host a chance to queue work before going idle again; its
		// response is discarded either way since there's no batch to
		// decode and respond to until the loop comes back around.
		_, _, err := m.tr.YieldWithPayload(hif.YieldDeviceManual, hif.YieldCmdManual, UnixSocketReason, nil)
		return err
	}

	messages, err := DecodeBatch(rx)
	if err != nil {
		return err
	}

	responses := make([]byte, 0, len(rx))
	for _, msg := range messages {
		resp, err := m.dispatch(msg)
		if err != nil {
			return err
		}
		responses = append(responses, resp.Serialize()...)
	}

	if len(responses) == 0 {
		return nil
	}
	_, _, err = m.tr.YieldWithPayload(hif.YieldDeviceManual, hif.YieldCmdManual, UnixSocketReason, responses)
	return err
}

func (m *Multiplexer) dispatch(msg Message) (Message, error) {
	switch msg.Type {
	case UnixConnect:
		return m.handleUnixConnect(msg), nil
	case UnixSend:
		return m.handleSend(m.unixConns, msg), nil
	case UnixReceive:
		return m.handleReceive(m.unixConns, msg), nil
	case UnixClose:
		return m.handleClose(m.unixConns, msg), nil
	case TCPConnect:
		return m.handleTCPConnect(msg), nil
	case TCPSend:
		return m.handleSend(m.tcpConns, msg), nil
	case TCPReceive:
		return m.handleReceive(m.tcpConns, msg), nil
	case TCPClose:
		return m.handleClose(m.tcpConns, msg), nil
	default:
		return Message{}, hif.NewError("dispatch", hif.KindProtocol, "unknown message type reached dispatch")
	}
}

func (m *Multiplexer) handleUnixConnect(msg Message) Message {
	conn, err := net.Dial("unix", msg.Path)
	if err != nil {
		m.Stats.ConnectErrors.Add(1)
		if m.log != nil {
			m.log.Error("unix connect failed", "path", msg.Path, "id", msg.ConnID, "err", err)
		}
		return StatusMessage(UnixConnect, msg.ConnID, false)
	}

	if old, exists := m.unixConns[msg.ConnID]; exists {
		old.conn.Close()
	}
	m.unixConns[msg.ConnID] = &connRecord{id: msg.ConnID, conn: conn, dest: msg.Path}
	m.Stats.Connects.Add(1)
	if m.log != nil {
		m.log.Info("unix connected", "id", msg.ConnID, "path", msg.Path)
	}
	return StatusMessage(UnixConnect, msg.ConnID, true)
}

func (m *Multiplexer) handleTCPConnect(msg Message) Message {
	addr := fmt.Sprintf("%d.%d.%d.%d:%d", msg.IP[0], msg.IP[1], msg.IP[2], msg.IP[3], msg.Port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		m.Stats.ConnectErrors.Add(1)
		if m.log != nil {
			m.log.Error("tcp connect failed", "addr", addr, "id", msg.ConnID, "err", err)
		}
		return StatusMessage(TCPConnect, msg.ConnID, false)
	}

	if old, exists := m.tcpConns[msg.ConnID]; exists {
		old.conn.Close()
	}
	m.tcpConns[msg.ConnID] = &connRecord{id: msg.ConnID, conn: conn, dest: addr}
	m.Stats.Connects.Add(1)
	if m.log != nil {
		m.log.Info("tcp connected", "id", msg.ConnID, "addr", addr)
	}
	return StatusMessage(TCPConnect, msg.ConnID, true)
}

// handleSend writes msg.Data to the connection identified by msg.ConnID
// and reports success or failure; the response always echoes the
// request's message type.
func (m *Multiplexer) handleSend(table map[uint32]*connRecord, msg Message) Message {
	rec, ok := table[msg.ConnID]
	if !ok {
		return StatusMessage(msg.Type, msg.ConnID, false)
	}

	if _, err := rec.conn.Write(msg.Data); err != nil {
		if m.log != nil {
			m.log.Error("send failed", "id", msg.ConnID, "dest", rec.dest, "err", err)
		}
		return StatusMessage(msg.Type, msg.ConnID, false)
	}

	m.Stats.Sends.Add(1)
	m.Stats.BytesSent.Add(uint64(len(msg.Data)))
	return StatusMessage(msg.Type, msg.ConnID, true)
}

func (m *Multiplexer) handleReceive(table map[uint32]*connRecord, msg Message) Message {
	rec, ok := table[msg.ConnID]
	if !ok {
		return Message{Type: msg.Type, ConnID: msg.ConnID, Data: []byte{StatusError}}
	}

	buf := make([]byte, receiveChunk)
	// A deadline already in the past fails the Read without reading, so
	// allow 1 ms: buffered data is returned, an idle stream times out.
	rec.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := rec.conn.Read(buf)
	rec.conn.SetReadDeadline(time.Time{})

	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// Would-block: no data currently available.
			return Message{Type: msg.Type, ConnID: msg.ConnID, Data: []byte{}}
		}
		if m.log != nil {
			m.log.Error("receive failed", "id", msg.ConnID, "dest", rec.dest, "err", err)
		}
		return Message{Type: msg.Type, ConnID: msg.ConnID, Data: []byte{StatusError}}
	}

	m.Stats.Receives.Add(1)
	m.Stats.BytesReceived.Add(uint64(n))
	return Message{Type: msg.Type, ConnID: msg.ConnID, Data: buf[:n]}
}

func (m *Multiplexer) handleClose(table map[uint32]*connRecord, msg Message) Message {
	rec, ok := table[msg.ConnID]
	if !ok {
		return StatusMessage(msg.Type, msg.ConnID, false)
	}
	delete(table, msg.ConnID)
	rec.conn.Close()
	m.Stats.Closes.Add(1)
	return StatusMessage(msg.Type, msg.ConnID, true)
}
