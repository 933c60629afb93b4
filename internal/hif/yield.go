package hif

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Descriptor is the 64-bit yield control word, unpacked into its four
// fields:
//
//	bits 63..56: Device
//	bits 55..48: Command
//	bits 47..32: Reason
//	bits 31..0:  Data
type Descriptor struct {
	Device  byte
	Command byte
	Reason  uint16
	Data    uint32
}

func pack(d Descriptor) uint64 {
	return uint64(d.Device)<<56 |
		uint64(d.Command)<<48 |
		uint64(d.Reason)<<32 |
		uint64(d.Data)
}

func unpack(word uint64) Descriptor {
	return Descriptor{
		Device:  byte(word >> 56),
		Command: byte(word >> 48),
		Reason:  uint16(word >> 32),
		Data:    uint32(word),
	}
}

// RawYield packs d into the 64-bit control word, issues the YIELD ioctl,
// and unpacks the host's response back into a Descriptor. It suspends the
// guest until the host supervisor resumes it.
func (t *Transport) RawYield(d Descriptor) (Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rawYield(d)
}

// rawYield is RawYield without taking mu; the caller must hold it.
func (t *Transport) rawYield(d Descriptor) (Descriptor, error) {
	word := pack(d)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), uintptr(ioctlYield), uintptr(unsafe.Pointer(&word))); errno != 0 {
		return Descriptor{}, WrapErrno("yield", KindTransportIO, errno)
	}
	return unpack(word), nil
}

// YieldWithPayload stages tx at the base of the TX buffer, yields, and
// materializes the host's RX payload. Bytes of the TX buffer outside
// [0, len(tx)) are left as-is — the guest must treat the whole TX buffer
// as clobberable after the call returns.
func (t *Transport) YieldWithPayload(device, command byte, reason uint16, tx []byte) ([]byte, uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(tx) > len(t.txBuf) {
		return nil, 0, NewBufferTooLarge("yield-with-payload", len(tx), len(t.txBuf))
	}

	copy(t.txBuf, tx)

	resp, err := t.rawYield(Descriptor{
		Device:  device,
		Command: command,
		Reason:  reason,
		Data:    uint32(len(tx)),
	})
	if err != nil {
		return nil, 0, err
	}

	n := int(resp.Data)
	if n > len(t.rxBuf) {
		return nil, 0, NewBufferTooLarge("yield-with-payload", n, len(t.rxBuf))
	}

	rx := make([]byte, n)
	copy(rx, t.rxBuf[:n])
	return rx, resp.Reason, nil
}
