package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/wrm-go/alpha/internal/abi"
)

var _ Kernel = (*Sim)(nil)

// Sim is an in-memory kernel simulator: tests and cmd/alpha -simulate
// inject inbound messages via Inject and observe outbound replies via
// Sent, letting internal/broker be exercised without a real kernel.
// Grounded on the teacher's NewStubRunner/stubLoop pattern for driving a
// queue's state machine without real hardware.
type Sim struct {
	mu       sync.Mutex
	inbox    chan inboundMsg
	sent     []SentMessage
	calls    []ControlCall
	clock    uint64
	debugged []string
}

type inboundMsg struct {
	from abi.ThreadID
	msg  Message
}

// SentMessage records one reply the broker sent, for test assertions.
type SentMessage struct {
	To  abi.ThreadID
	Msg Message
}

// ControlCall records one privileged call other than Ipc, for test
// assertions (e.g. "was ThreadControl invoked with these arguments").
type ControlCall struct {
	Op   string
	Args []any
}

// NewSim returns an empty simulator with a bounded inbox, mirroring the
// bounded io_uring-depth queue the teacher's stub runner simulates against.
func NewSim() *Sim {
	return &Sim{inbox: make(chan inboundMsg, 256)}
}

// Inject enqueues an inbound message as if it arrived from a real sender.
func (s *Sim) Inject(from abi.ThreadID, msg Message) {
	s.inbox <- inboundMsg{from: from, msg: msg}
}

// Sent returns every reply sent so far, in order.
func (s *Sim) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// Calls returns every privileged call recorded so far, in order.
func (s *Sim) Calls() []ControlCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ControlCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Debugged returns every reason passed to DebugBreak, in order.
func (s *Sim) Debugged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.debugged))
	copy(out, s.debugged)
	return out
}

// Receive blocks until Inject delivers a message or ctx is cancelled.
func (s *Sim) Receive(ctx context.Context) (abi.ThreadID, Message, error) {
	select {
	case m := <-s.inbox:
		return m.from, m.msg, nil
	case <-ctx.Done():
		return abi.ThreadID{}, Message{}, ctx.Err()
	}
}

// Send records the outbound reply.
func (s *Sim) Send(ctx context.Context, to abi.ThreadID, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentMessage{To: to, Msg: msg})
	return nil
}

func (s *Sim) record(op string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ControlCall{Op: op, Args: args})
}

// ThreadControl records the call and always succeeds.
func (s *Sim) ThreadControl(target abi.ThreadID, space, scheduler, pager abi.ThreadID, utcbLoc uint64) error {
	s.record("thread_control", target, space, scheduler, pager, utcbLoc)
	return nil
}

// ExchangeRegisters records the call and always succeeds.
func (s *Sim) ExchangeRegisters(target abi.ThreadID, ip, sp uint64) error {
	s.record("exchange_registers", target, ip, sp)
	return nil
}

// Schedule records the call and always succeeds.
func (s *Sim) Schedule(target abi.ThreadID, prio uint8) error {
	s.record("schedule", target, prio)
	return nil
}

// MemoryControl records the call and always succeeds.
func (s *Sim) MemoryControl(fpages []abi.Fpage, attr MemAttr) error {
	s.record("memory_control", fpages, attr)
	return nil
}

// SystemClock returns a simulated monotonically increasing clock.
func (s *Sim) SystemClock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	return s.clock
}

// DebugBreak records reason instead of actually trapping, so a test can
// assert a fatal condition was reached without killing the test process.
func (s *Sim) DebugBreak(reason string) {
	s.mu.Lock()
	s.debugged = append(s.debugged, reason)
	s.mu.Unlock()
}

// FailingThreadControl wraps a Sim so ThreadControl always fails, for
// exercising a caller's handling of a failed ThreadControl.
type FailingThreadControl struct {
	*Sim
}

func (f FailingThreadControl) ThreadControl(target abi.ThreadID, space, scheduler, pager abi.ThreadID, utcbLoc uint64) error {
	f.Sim.record("thread_control_failed", target)
	return fmt.Errorf("simulated thread_control failure")
}
