package kernel

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wrm-go/alpha/internal/abi"
	"github.com/wrm-go/alpha/internal/logging"
)

// Trap vectors for the privileged calls. These follow the same fixed
// calling convention a userspace driver uses when it issues raw syscalls
// against a privileged ABI: a trap number plus up to six register-sized
// arguments, here routed through unix.Syscall6 against a dedicated kernel
// character device rather than the ordinary syscall table.
const (
	trapIpc               = 0x1000
	trapThreadControl     = 0x1001
	trapExchangeRegisters = 0x1002
	trapMemoryControl     = 0x1003
	trapSystemClock       = 0x1004
	trapSchedule          = 0x1005
)

var _ Kernel = (*Real)(nil)

// Real issues the kernel traps over a file descriptor for the kernel's
// syscall device, the same "open a control fd, then unix.Syscall6 against
// it" shape as a Controller driving ublk's control device.
type Real struct {
	fd     int
	logger *logging.Logger
}

// NewReal opens the kernel syscall device at path and returns a Real
// kernel handle.
func NewReal(path string) (*Real, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kernel: open %s: %w", path, err)
	}
	return &Real{fd: fd, logger: logging.Default()}, nil
}

// Close releases the kernel syscall device.
func (k *Real) Close() error {
	return unix.Close(k.fd)
}

func (k *Real) trap(vector uintptr, a1, a2, a3 uintptr) (uintptr, unix.Errno) {
	r1, _, errno := unix.Syscall6(unix.SYS_IOCTL, uintptr(k.fd), vector, a1, a2, a3, 0)
	return r1, errno
}

// Receive blocks for a message from any sender.
func (k *Real) Receive(ctx context.Context) (abi.ThreadID, Message, error) {
	var msg Message
	r1, errno := k.trap(trapIpc, uintptr(unsafe.Pointer(&msg)), 0, 0)
	if errno != 0 {
		return abi.ThreadID{}, Message{}, &Error{Op: "receive", Errno: errno}
	}
	return abi.ThreadIDFromRaw(uint64(r1)), msg, nil
}

// Send delivers msg to to.
func (k *Real) Send(ctx context.Context, to abi.ThreadID, msg Message) error {
	_, errno := k.trap(trapIpc, uintptr(to.Raw()), uintptr(unsafe.Pointer(&msg)), 1)
	if errno != 0 {
		return &Error{Op: "send", Errno: errno}
	}
	return nil
}

// ThreadControl creates or modifies a thread.
func (k *Real) ThreadControl(target abi.ThreadID, space, scheduler, pager abi.ThreadID, utcbLoc uint64) error {
	args := struct {
		Space, Scheduler, Pager abi.ThreadID
		UTCBLoc                 uint64
	}{space, scheduler, pager, utcbLoc}
	_, errno := k.trap(trapThreadControl, uintptr(target.Raw()), uintptr(unsafe.Pointer(&args)), 0)
	if errno != 0 {
		k.logger.Warn("thread_control failed", "target", target.Number, "errno", errno)
		return &Error{Op: "thread_control", Errno: errno}
	}
	return nil
}

// ExchangeRegisters sets a thread's instruction and stack pointers.
func (k *Real) ExchangeRegisters(target abi.ThreadID, ip, sp uint64) error {
	_, errno := k.trap(trapExchangeRegisters, uintptr(target.Raw()), uintptr(ip), uintptr(sp))
	if errno != 0 {
		return &Error{Op: "exchange_registers", Errno: errno}
	}
	return nil
}

// Schedule sets target's priority.
func (k *Real) Schedule(target abi.ThreadID, prio uint8) error {
	_, errno := k.trap(trapSchedule, uintptr(target.Raw()), uintptr(prio), 0)
	if errno != 0 {
		return &Error{Op: "schedule", Errno: errno}
	}
	return nil
}

// MemoryControl applies attr to every fpage in fpages.
func (k *Real) MemoryControl(fpages []abi.Fpage, attr MemAttr) error {
	if len(fpages) == 0 {
		return nil
	}
	_, errno := k.trap(trapMemoryControl, uintptr(unsafe.Pointer(&fpages[0])), uintptr(len(fpages)), uintptr(attr))
	if errno != 0 {
		return &Error{Op: "memory_control", Errno: errno}
	}
	return nil
}

// SystemClock returns the kernel's monotonic clock.
func (k *Real) SystemClock() uint64 {
	r1, _ := k.trap(trapSystemClock, 0, 0, 0)
	return uint64(r1)
}

// DebugBreak traps into the kernel debugger. It does not return.
func (k *Real) DebugBreak(reason string) {
	k.logger.Error("kernel debugger break", "reason", reason)
	unix.Kill(unix.Getpid(), unix.SIGTRAP)
	select {} // the debugger trap suspends this thread; never fall through
}
