// Package tapnet owns the guest TAP interface and the drive loop that
// batches its frames over a hif.Transport yield channel.
package tapnet

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	tunDevice = "/dev/net/tun"

	iffTAP  = 0x0002
	iffNoPI = 0x1000

	tunSetIff = 0x400454ca
)

// ErrWouldBlock is returned by TAP.Read when no frame is currently
// available — the non-blocking "drained" signal the adapter's drive loop
// watches for.
var ErrWouldBlock = errors.New("tap: would block")

// ifreq mirrors the kernel's struct ifreq as used by TUNSETIFF.
type ifreq struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte
}

// TAP is a Linux TAP (layer-2) network interface, opened in raw Ethernet
// mode (IFF_TAP | IFF_NO_PI) and put in non-blocking mode so the drive
// loop can poll it without stalling the single cooperative thread.
type TAP struct {
	fd   int
	name string
}

// Create opens /dev/net/tun, attaches it to the named TAP interface
// (creating it if it doesn't exist), and brings the link up via netlink.
func Create(name string) (*TAP, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevice, err)
	}

	var ifr ifreq
	copy(ifr.name[:], name)
	ifr.flags = iffTAP | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunSetIff), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, errno)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking %s: %w", name, err)
	}

	t := &TAP{fd: fd, name: name}

	if err := t.bringUp(); err != nil {
		t.Close()
		return nil, err
	}

	return t, nil
}

// bringUp sets the TAP link administratively up after TUNSETIFF creates it.
func (t *TAP) bringUp() error {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", t.name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", t.name, err)
	}
	return nil
}

// Read performs a non-blocking receive. It returns ErrWouldBlock when no
// frame is currently queued; any other error is fatal to the caller.
func (t *TAP) Read(buf []byte) (int, error) {
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Write sends a single frame to the interface.
func (t *TAP) Write(buf []byte) (int, error) {
	return unix.Write(t.fd, buf)
}

// Name returns the TAP device name.
func (t *TAP) Name() string { return t.name }

// MAC returns the kernel-assigned hardware address of the interface, for
// diagnostics only — this module does not assign one itself.
func (t *TAP) MAC() (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(t.name)
	if err != nil {
		return nil, err
	}
	return iface.HardwareAddr, nil
}

// Close closes the underlying file descriptor.
func (t *TAP) Close() error {
	return unix.Close(t.fd)
}
