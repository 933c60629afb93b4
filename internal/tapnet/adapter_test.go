package tapnet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// fakeDevice is an in-memory TAP stand-in: reads drain a preloaded frame
// queue (returning ErrWouldBlock once empty), writes are recorded.
type fakeDevice struct {
	toRead  [][]byte
	written [][]byte
}

func (f *fakeDevice) Read(buf []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, ErrWouldBlock
	}
	frame := f.toRead[0]
	f.toRead = f.toRead[1:]
	n := copy(buf, frame)
	return n, nil
}

func (f *fakeDevice) Write(buf []byte) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.written = append(f.written, cp)
	return len(buf), nil
}

// fakeTransport simulates the host side of the yield channel. Each call to
// YieldWithPayload pops entries off rxQueue (FIFO of scripted host
// responses) and records the tx it was given.
type fakeTransport struct {
	capacity int
	txLog    [][]byte
	rxQueue  [][]byte
}

func (f *fakeTransport) TxCapacity() int { return f.capacity }

func (f *fakeTransport) YieldWithPayload(device, command byte, reason uint16, tx []byte) ([]byte, uint16, error) {
	cp := make([]byte, len(tx))
	copy(cp, tx)
	f.txLog = append(f.txLog, cp)

	if len(f.rxQueue) == 0 {
		return nil, reason, nil
	}
	rx := f.rxQueue[0]
	f.rxQueue = f.rxQueue[1:]
	return rx, reason, nil
}

func frame(size int, fill byte) []byte {
	f := make([]byte, size)
	for i := range f {
		f[i] = fill
	}
	return f
}

func TestIdleCycleSingleEmptyYield(t *testing.T) {
	dev := &fakeDevice{}
	tr := &fakeTransport{capacity: 4096}
	a := NewAdapter(tr, dev, nil)

	if err := a.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(tr.txLog) != 1 {
		t.Fatalf("expected exactly one yield, got %d", len(tr.txLog))
	}
	if len(tr.txLog[0]) != 0 {
		t.Fatalf("expected empty TX payload, got %d bytes", len(tr.txLog[0]))
	}
}

func TestEgressBatching(t *testing.T) {
	f1, f2, f3 := frame(100, 1), frame(200, 2), frame(300, 3)
	dev := &fakeDevice{toRead: [][]byte{f1, f2, f3}}
	tr := &fakeTransport{capacity: 1024}
	a := NewAdapter(tr, dev, nil)

	if err := a.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// One batch yield, plus the mandatory post-batch drain-to-empty yield.
	if len(tr.txLog) != 2 {
		t.Fatalf("expected two yields (batch + drain-to-empty), got %d", len(tr.txLog))
	}
	batch := tr.txLog[0]
	wantLen := 2 + 100 + 2 + 200 + 2 + 300
	if len(batch) != wantLen {
		t.Fatalf("batch length = %d, want %d", len(batch), wantLen)
	}
	if got := binary.BigEndian.Uint16(batch[0:2]); got != 100 {
		t.Errorf("first prefix = %d, want 100", got)
	}
	if got := binary.BigEndian.Uint16(batch[102:104]); got != 200 {
		t.Errorf("second prefix = %d, want 200", got)
	}
	if got := binary.BigEndian.Uint16(batch[304:306]); got != 300 {
		t.Errorf("third prefix = %d, want 300", got)
	}
}

func TestEgressSplitAcrossBatches(t *testing.T) {
	f1, f2 := frame(600, 1), frame(500, 2)
	dev := &fakeDevice{toRead: [][]byte{f1, f2}}
	tr := &fakeTransport{capacity: 1024}
	a := NewAdapter(tr, dev, nil)

	if err := a.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Two batch yields, plus the mandatory post-batch drain-to-empty yield.
	if len(tr.txLog) != 3 {
		t.Fatalf("expected three yields, got %d", len(tr.txLog))
	}
	if len(tr.txLog[0]) != 602 {
		t.Errorf("first batch length = %d, want 602", len(tr.txLog[0]))
	}
	if len(tr.txLog[1]) != 502 {
		t.Errorf("second batch length = %d, want 502", len(tr.txLog[1]))
	}
	if len(tr.txLog[2]) != 0 {
		t.Errorf("trailing drain yield should be empty, got %d bytes", len(tr.txLog[2]))
	}
}

func TestIngressFanOut(t *testing.T) {
	dev := &fakeDevice{}
	rx := []byte{0x00, 0x02, 0xAA, 0xBB, 0x00, 0x03, 0xCC, 0xDD, 0xEE}
	tr := &fakeTransport{capacity: 4096, rxQueue: [][]byte{rx}}
	a := NewAdapter(tr, dev, nil)

	if err := a.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(dev.written) != 2 {
		t.Fatalf("expected 2 TAP writes, got %d", len(dev.written))
	}
	if !bytes.Equal(dev.written[0], []byte{0xAA, 0xBB}) {
		t.Errorf("first write = %v, want [AA BB]", dev.written[0])
	}
	if !bytes.Equal(dev.written[1], []byte{0xCC, 0xDD, 0xEE}) {
		t.Errorf("second write = %v, want [CC DD EE]", dev.written[1])
	}
}

func TestIngressTruncatedTrailerDiscarded(t *testing.T) {
	dev := &fakeDevice{}
	// One full record (len=2, "AA BB"), then a truncated trailer claiming
	// length 5 but only supplying 2 bytes.
	rx := []byte{0x00, 0x02, 0xAA, 0xBB, 0x00, 0x05, 0x01, 0x02}
	tr := &fakeTransport{capacity: 4096, rxQueue: [][]byte{rx}}
	a := NewAdapter(tr, dev, nil)

	if err := a.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(dev.written) != 1 {
		t.Fatalf("expected 1 TAP write (truncated trailer discarded), got %d", len(dev.written))
	}
	if !bytes.Equal(dev.written[0], []byte{0xAA, 0xBB}) {
		t.Errorf("write = %v, want [AA BB]", dev.written[0])
	}
}

func TestDrainIngressUntilEmptyAfterBatch(t *testing.T) {
	dev := &fakeDevice{toRead: [][]byte{frame(10, 9)}}
	rx1 := append([]byte{0x00, 0x02}, 0xAA, 0xBB)
	tr := &fakeTransport{capacity: 4096, rxQueue: [][]byte{rx1, {}}}
	a := NewAdapter(tr, dev, nil)

	if err := a.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// One batch yield plus one ingress-drain yield that returned empty.
	if len(tr.txLog) != 2 {
		t.Fatalf("expected 2 yields (batch + drain-to-empty), got %d", len(tr.txLog))
	}
	if len(dev.written) != 1 {
		t.Fatalf("expected 1 injected frame, got %d", len(dev.written))
	}
}

func TestOversizeFrameDroppedWithCounter(t *testing.T) {
	big := frame(1023, 7) // 2 + 1023 = 1025 > capacity 1024
	small := frame(10, 1)
	dev := &fakeDevice{toRead: [][]byte{big, small}}
	tr := &fakeTransport{capacity: 1024}
	a := NewAdapter(tr, dev, nil)

	if err := a.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if a.Stats.OversizeDropped.Load() != 1 {
		t.Errorf("OversizeDropped = %d, want 1", a.Stats.OversizeDropped.Load())
	}
	// One yield for the surviving small frame's batch, plus the mandatory
	// post-batch drain-to-empty yield.
	if len(tr.txLog) != 2 {
		t.Fatalf("expected 2 yields, got %d", len(tr.txLog))
	}
	wantLen := 2 + 10
	if len(tr.txLog[0]) != wantLen {
		t.Errorf("batch length = %d, want %d", len(tr.txLog[0]), wantLen)
	}
}

func TestDrainEgressPropagatesRealError(t *testing.T) {
	dev := &erroringDevice{err: errors.New("boom")}
	tr := &fakeTransport{capacity: 4096}
	a := NewAdapter(tr, dev, nil)

	if err := a.RunOnce(); err == nil {
		t.Fatal("expected RunOnce to surface the device error")
	}
}

type erroringDevice struct {
	err error
}

func (e *erroringDevice) Read(buf []byte) (int, error)  { return 0, e.err }
func (e *erroringDevice) Write(buf []byte) (int, error) { return 0, e.err }
