package tapnet

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/stskeeps/cmio-fun/internal/hif"
	"github.com/stskeeps/cmio-fun/internal/logging"
)

const (
	// RXTXReason is the yield reason code this adapter uses for every
	// yield it issues.
	RXTXReason uint16 = 0x42

	// readMTU sizes the adapter's reusable scratch buffer, and so bounds
	// each read: a frame longer than readMTU is read only up to readMTU
	// bytes.
	readMTU = 1500
)

// Transport is the minimal yield surface the adapter needs, so tests can
// supply a fake in place of a real hif.Transport.
type Transport interface {
	TxCapacity() int
	YieldWithPayload(device, command byte, reason uint16, tx []byte) ([]byte, uint16, error)
}

// Stats are the adapter's running packet counters, observability-only.
type Stats struct {
	FramesIn        atomic.Uint64
	FramesOut       atomic.Uint64
	BytesIn         atomic.Uint64
	BytesOut        atomic.Uint64
	BatchesSent     atomic.Uint64
	OversizeDropped atomic.Uint64
}

// Device is the TAP handle the adapter drives. Mirroring *TAP lets tests
// substitute a fake without dragging in a real interface.
type Device interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Adapter drains queued outbound frames from the TAP interface, batches
// them into yields sized to the transport's TX capacity, and injects
// whatever inbound frames the host hands back on the same yield.
type Adapter struct {
	tr      Transport
	tap     Device
	log     *logging.Logger
	scratch []byte

	Stats Stats
}

// NewAdapter builds an Adapter over the given transport and TAP device.
func NewAdapter(tr Transport, tap Device, log *logging.Logger) *Adapter {
	return &Adapter{
		tr:      tr,
		tap:     tap,
		log:     log,
		scratch: make([]byte, readMTU),
	}
}

// RunOnce executes a single cooperative slice: drain egress, batch and
// transmit, drain ingress, or idle. It returns nil once the slice is done,
// or the first fatal error.
func (a *Adapter) RunOnce() error {
	frames, err := a.drainEgress()
	if err != nil {
		return hif.WrapErr("tap-read", hif.KindTapIO, err)
	}

	if len(frames) > 0 {
		if err := a.batchAndTransmit(frames); err != nil {
			return err
		}
		return a.drainIngressUntilEmpty()
	}

	rx, _, err := a.tr.YieldWithPayload(hif.YieldDeviceManual, hif.YieldCmdManual, RXTXReason, nil)
	if err != nil {
		return err
	}
	if len(rx) == 0 {
		return nil
	}
	if err := a.inject(rx); err != nil {
		return err
	}
	return a.drainIngressUntilEmpty()
}

// drainEgress repeatedly performs a non-blocking receive from the TAP
// until it reports WouldBlock or a zero-length read.
func (a *Adapter) drainEgress() ([][]byte, error) {
	var frames [][]byte
	for {
		n, err := a.tap.Read(a.scratch)
		if err != nil {
			if err == ErrWouldBlock {
				break
			}
			return nil, err
		}
		if n == 0 {
			break
		}
		frame := make([]byte, n)
		copy(frame, a.scratch[:n])
		frames = append(frames, frame)
		a.Stats.FramesIn.Add(1)
		a.Stats.BytesIn.Add(uint64(n))
	}
	return frames, nil
}

// batchAndTransmit partitions frames into batches that fit the transport's
// TX capacity and sends each. A frame that alone would exceed that
// capacity can never be sent regardless of batching, so it is dropped and
// counted rather than attempted.
func (a *Adapter) batchAndTransmit(frames [][]byte) error {
	capacity := a.tr.TxCapacity()
	var batch []byte

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		rx, _, err := a.tr.YieldWithPayload(hif.YieldDeviceManual, hif.YieldCmdManual, RXTXReason, batch)
		if err != nil {
			return err
		}
		a.Stats.BatchesSent.Add(1)
		batch = nil
		if len(rx) > 0 {
			return a.inject(rx)
		}
		return nil
	}

	for _, frame := range frames {
		size := 2 + len(frame)
		if size > capacity {
			a.Stats.OversizeDropped.Add(1)
			if a.log != nil {
				a.log.Warn("dropping oversize TAP frame", "size", len(frame), "capacity", capacity)
			}
			continue
		}
		if len(batch)+size > capacity && len(batch) > 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(frame)))
		batch = append(batch, prefix[:]...)
		batch = append(batch, frame...)
	}

	return flush()
}

// drainIngressUntilEmpty issues empty-payload yields, injecting each
// non-empty RX payload, until the host returns an empty one.
func (a *Adapter) drainIngressUntilEmpty() error {
	for {
		rx, _, err := a.tr.YieldWithPayload(hif.YieldDeviceManual, hif.YieldCmdManual, RXTXReason, nil)
		if err != nil {
			return err
		}
		if len(rx) == 0 {
			return nil
		}
		if err := a.inject(rx); err != nil {
			return err
		}
	}
}

// inject parses data as a sequence of u16-length-prefixed frames and
// writes each to the TAP. A trailing fragment shorter than its declared
// length means the batch was cut off mid-frame; it is silently discarded
// rather than treated as an error.
func (a *Adapter) inject(data []byte) error {
	offset := 0
	for offset+2 <= len(data) {
		length := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+length > len(data) {
			break
		}
		frame := data[offset : offset+length]
		offset += length

		if _, err := a.tap.Write(frame); err != nil {
			return hif.WrapErr("tap-write", hif.KindTapIO, err)
		}
		a.Stats.FramesOut.Add(1)
		a.Stats.BytesOut.Add(uint64(length))
	}
	return nil
}
