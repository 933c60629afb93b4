// Package hif implements the host-interface yield transport: opening the
// HIF character device, mapping its TX/RX DMA buffers, and issuing the
// yield ioctl that hands a batched payload to the host supervisor and
// blocks until it resumes the guest.
package hif

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// DefaultDevicePath is where the host-interface character device is
	// expected to live; configurable via -device for testing.
	DefaultDevicePath = "/dev/hif"

	ioctlSetup = (0xd3 << 16) | 0
	ioctlYield = (0xd3 << 16) | 1

	// YieldDeviceManual is the "manual yield device" constant the host
	// expects in the top byte of every yield control word.
	YieldDeviceManual byte = 0x02
	// YieldCmdManual selects the manual-yield command.
	YieldCmdManual byte = 0x01
)

// hifBuffer mirrors the kernel's { addr: u64, len: u64 } buffer descriptor.
type hifBuffer struct {
	Addr uint64
	Len  uint64
}

// hifSetup mirrors the kernel's SETUP ioctl argument.
type hifSetup struct {
	Tx hifBuffer
	Rx hifBuffer
}

// Transport owns the HIF device descriptor and its two mapped DMA buffers.
// Only one yield may be outstanding at a time; mu enforces that so two
// goroutines can't interleave ioctls against the same shared buffers.
type Transport struct {
	fd int

	txBuf []byte
	rxBuf []byte

	mu     sync.Mutex
	closed bool
}

// Open opens the HIF device at devicePath, performs the SETUP ioctl, and
// maps both the TX and RX buffers it reports. Any failure along the way
// reverses whatever was already mapped and closes the descriptor before
// returning.
func Open(devicePath string) (*Transport, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, WrapErr("open", KindDeviceOpen, err)
	}

	var setup hifSetup
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(ioctlSetup), uintptr(unsafe.Pointer(&setup))); errno != 0 {
		unix.Close(fd)
		return nil, WrapErrno("setup", KindDeviceSetup, errno)
	}

	txLen := int(setup.Tx.Len)
	rxLen := int(setup.Rx.Len)

	txBuf, err := unix.Mmap(fd, 0, txLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, WrapErr("mmap-tx", KindDeviceMap, err)
	}

	rxBuf, err := unix.Mmap(fd, 0, rxLen, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(txBuf)
		unix.Close(fd)
		return nil, WrapErr("mmap-rx", KindDeviceMap, err)
	}

	return &Transport{
		fd:    fd,
		txBuf: txBuf,
		rxBuf: rxBuf,
	}, nil
}

// TxCapacity returns Ctx, the maximum TX payload size.
func (t *Transport) TxCapacity() int {
	return len(t.txBuf)
}

// RxCapacity returns Crx, the maximum RX payload size.
func (t *Transport) RxCapacity() int {
	return len(t.rxBuf)
}

// Close releases both buffer mappings and the device descriptor. It is
// idempotent: a second call is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	if err := unix.Munmap(t.txBuf); err != nil && firstErr == nil {
		firstErr = WrapErr("munmap-tx", KindDeviceMap, err)
	}
	if err := unix.Munmap(t.rxBuf); err != nil && firstErr == nil {
		firstErr = WrapErr("munmap-rx", KindDeviceMap, err)
	}
	if err := unix.Close(t.fd); err != nil && firstErr == nil {
		firstErr = WrapErr("close", KindDeviceOpen, err)
	}
	return firstErr
}
