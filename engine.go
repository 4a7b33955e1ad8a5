// Package kci implements the host side of the kernel control interface
// (KCI): the command/response mailbox protocol the host kernel uses to
// drive an accelerator's firmware.
//
// An Engine owns the KCI mailbox, assigns monotonically increasing
// sequence numbers to outgoing commands, and correlates incoming response
// elements back to blocked callers. Responses arrive out of band via a
// doorbell interrupt; the handler fetches one element inline for latency
// and defers the rest to a drain worker. Device-originated notifications
// share the response ring, flagged by the top bit of the sequence number,
// and are routed to a separate reverse dispatch worker so they can never
// stall command completion.
package kci

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hwplane/kci/internal/circq"
	"github.com/hwplane/kci/internal/dma"
	"github.com/hwplane/kci/internal/logging"
	"github.com/hwplane/kci/internal/mailbox"
	"github.com/hwplane/kci/internal/work"
)

// Default engine tunables.
const (
	DefaultQueueSize       = 256
	DefaultCommandTimeout  = 5 * time.Second
	DefaultResponseTimeout = 5 * time.Second
)

// Config controls engine construction. Zero values select defaults.
type Config struct {
	// QueueSize is the capacity of each ring in elements,
	// at most circq.MaxQueueSize.
	QueueSize uint32

	// CommandTimeout bounds the wait for command queue space.
	CommandTimeout time.Duration

	// ResponseTimeout bounds the wait for a firmware response.
	ResponseTimeout time.Duration

	// ReverseBufferSize is the reverse notification buffer capacity.
	// Must be a power of two.
	ReverseBufferSize uint32

	// ReverseHandler receives chip-specific reverse notifications.
	ReverseHandler ReverseHandler

	// CrashHandler receives firmware crash notifications.
	CrashHandler CrashHandler

	Logger  *logging.Logger
	Metrics *Metrics
}

func (c *Config) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.ReverseBufferSize == 0 {
		c.ReverseBufferSize = DefaultReverseBufferSize
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
}

// Engine is the KCI protocol engine for one device.
type Engine struct {
	mgr     *mailbox.Manager
	mbox    *mailbox.Mailbox
	alloc   dma.Allocator
	log     *logging.Logger
	metrics *Metrics
	cfg     Config

	cmdRing  *dma.Buffer
	respRing *dma.Buffer

	// cmdMu is the submission lock: sequence assignment, command ring
	// writes, tail advance and the doorbell happen under it, so elements
	// land in the ring in sequence order.
	cmdMu  sync.Mutex
	curSeq uint64

	// respMu is the drain lock. Both drain paths take it with TryLock
	// only; whoever loses the race knows the winner will fetch the
	// elements it wanted.
	respMu sync.Mutex

	waits waitList

	// spaceAvail wakes submitters waiting for command ring space.
	spaceAvail *waitq
	// respArrived wakes callers waiting on a pending response slot.
	respArrived *waitq

	drainer *work.Worker
	reverse *reverseQueue

	closed atomic.Bool
	usage  usageStats
	open   openState
}

// NewEngine claims the KCI mailbox from mgr, allocates both rings from
// alloc, and arms the mailbox. The engine owns the mailbox and the ring
// memory until Close.
func NewEngine(mgr *mailbox.Manager, alloc dma.Allocator, cfg Config) (*Engine, error) {
	cfg.applyDefaults()

	mbox, err := mgr.KCI()
	if err != nil {
		return nil, WrapError("new_engine", err)
	}

	e := &Engine{
		mgr:         mgr,
		mbox:        mbox,
		alloc:       alloc,
		log:         cfg.Logger.WithMailbox(mbox.ID),
		metrics:     cfg.Metrics,
		cfg:         cfg,
		spaceAvail:  newWaitq(),
		respArrived: newWaitq(),
	}

	if err := e.setupRings(); err != nil {
		mgr.Remove(mbox)
		return nil, err
	}

	mbox.SetIRQHandler(e.handleDoorbell)
	e.drainer = work.New(e.drainResponses)
	e.reverse = newReverseQueue(cfg.ReverseBufferSize,
		cfg.ReverseHandler, cfg.CrashHandler, e.log, e.metrics)

	mbox.InitDoorbells()
	mbox.EnableContext()

	e.log.Info("engine started", "queue_size", cfg.QueueSize)
	return e, nil
}

func (e *Engine) setupRings() error {
	size := e.cfg.QueueSize

	cmdRing, err := e.alloc.Alloc(int(size) * CommandElementSize)
	if err != nil {
		return WrapError("alloc_cmd_ring", err)
	}
	if err := e.mbox.SetQueue(mailbox.CmdQueue, cmdRing.DeviceAddr, size); err != nil {
		e.alloc.Free(cmdRing)
		return WrapError("set_cmd_queue", err)
	}

	respRing, err := e.alloc.Alloc(int(size) * ResponseElementSize)
	if err != nil {
		e.alloc.Free(cmdRing)
		return WrapError("alloc_resp_ring", err)
	}
	if err := e.mbox.SetQueue(mailbox.RespQueue, respRing.DeviceAddr, size); err != nil {
		e.alloc.Free(cmdRing)
		e.alloc.Free(respRing)
		return WrapError("set_resp_queue", err)
	}

	e.cmdRing = cmdRing
	e.respRing = respRing
	return nil
}

// Mailbox returns the claimed KCI mailbox. Exposed for power management
// and test harnesses.
func (e *Engine) Mailbox() *mailbox.Mailbox { return e.mbox }

// Metrics returns the engine's metrics instance.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// AllocBuffer allocates a device-visible buffer from the engine's
// allocator, for payloads whose lifetime the caller manages (log and
// trace buffers, debug dumps).
func (e *Engine) AllocBuffer(size int) (*dma.Buffer, error) {
	return e.alloc.Alloc(size)
}

// FreeBuffer releases a buffer from AllocBuffer.
func (e *Engine) FreeBuffer(b *dma.Buffer) error {
	return e.alloc.Free(b)
}

// PushCommand assigns the next sequence number to cmd and writes it into
// the command ring, ringing the doorbell. If resp is non-nil it is
// registered on the wait list and will be resolved by the response path;
// pass nil for fire-and-forget commands whose result nobody reads.
//
// Blocks up to CommandTimeout for ring space. On timeout no sequence
// number is consumed.
func (e *Engine) PushCommand(cmd *Command, resp *Response) error {
	if e.closed.Load() {
		return NewError("push_cmd", ErrCodeClosed, "")
	}

	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	tail := e.mbox.CmdQueueTail()
	// Full when the device's head is exactly one lap behind the tail.
	full := func() bool {
		return e.mbox.CmdQueueHead() == (tail ^ circq.WrapBit)
	}
	if full() {
		e.metrics.SubmitRetries.Add(1)
		ok := e.spaceAvail.waitEvent(func() bool { return !full() }, e.cfg.CommandTimeout)
		if !ok {
			e.metrics.SubmitErrors.Add(1)
			return NewError("push_cmd", ErrCodeTimeout, "command queue full")
		}
	}

	cmd.Seq = e.curSeq
	if resp != nil {
		resp.Seq = cmd.Seq
		e.waits.push(resp)
	}

	slot := circq.RealIndex(tail)
	MarshalCommand(e.cmdRing.Bytes[slot*CommandElementSize:], cmd)
	e.mbox.IncCmdQueueTail(1)
	e.mbox.RingCmdDoorbell()

	e.curSeq++
	e.metrics.CommandsSent.Add(1)
	e.log.Debug("command pushed", "seq", cmd.Seq, "code", cmd.Code.String())
	return nil
}

// SendAndWait pushes cmd and blocks until its response arrives, the
// firmware is seen to have skipped it, or ResponseTimeout elapses.
//
// A nil error means a response element was received; its firmware status
// is the caller's to interpret.
func (e *Engine) SendAndWait(cmd *Command) (Response, error) {
	var resp Response
	start := time.Now()

	if err := e.PushCommand(cmd, &resp); err != nil {
		return resp, err
	}

	e.respArrived.waitEvent(func() bool {
		return e.waits.status(&resp) != StatusWaitingResponse
	}, e.cfg.ResponseTimeout)

	// retract decides the race between timeout and a concurrent
	// resolution: if the wait is still registered it is removed and the
	// timeout wins, otherwise the resolved status stands.
	switch e.waits.retract(&resp) {
	case StatusWaitingResponse:
		e.metrics.Timeouts.Add(1)
		e.log.Warn("command timed out", "seq", cmd.Seq, "code", cmd.Code.String())
		return resp, NewSeqError(cmd.Code.String(), cmd.Seq, ErrCodeTimeout, "no response from firmware")
	case StatusNoResponse:
		return resp, NewSeqError(cmd.Code.String(), cmd.Seq, ErrCodeNoResponse, "firmware skipped command")
	}

	e.metrics.RecordRoundTrip(uint64(time.Since(start).Nanoseconds()))
	return resp, nil
}

// handleDoorbell runs in interrupt dispatch context when the response
// doorbell fires. It wakes submitters (the device consumed command
// entries), opportunistically fetches one response inline, and defers the
// rest to the drain worker.
func (e *Engine) handleDoorbell() {
	if e.closed.Load() {
		return
	}
	e.spaceAvail.broadcast()
	e.fetchOneResponse()
	e.drainer.Schedule()
}

// fetchOneResponse copies a single element off the response ring if the
// drain lock is free. Losing the TryLock is fine: the holder will fetch
// the element.
func (e *Engine) fetchOneResponse() {
	if !e.respMu.TryLock() {
		return
	}

	var resp Response
	got := false
	head := e.mbox.RespQueueHead()
	tail := e.mbox.RespQueueTail()
	if circq.Count(head, tail, e.mbox.RespQueueSize()) > 0 {
		slot := circq.RealIndex(head)
		resp = UnmarshalResponse(e.respRing.Bytes[slot*ResponseElementSize:])
		resp.Status = StatusOK
		e.mbox.IncRespQueueHead(1)
		got = true
	}
	e.respMu.Unlock()

	if got {
		e.metrics.ResponsesFetched.Add(1)
		e.handleResponse(&resp)
		e.respArrived.broadcast()
	}
}

// drainResponses is the drain worker task: fetch everything currently in
// the response ring in batches, then resolve waits.
func (e *Engine) drainResponses() {
	responses := e.fetchResponses()
	if len(responses) == 0 {
		return
	}
	for i := range responses {
		e.handleResponse(&responses[i])
	}
	e.respArrived.broadcast()
}

// fetchResponses copies all available elements off the response ring. The
// tail is re-read after each batch so elements the device appends during
// the copy are picked up in the same pass. The head CSR is advanced once
// at the end; if at least half the ring was drained the command doorbell
// is rung so firmware that throttles on a full response ring resumes.
func (e *Engine) fetchResponses() []Response {
	if !e.respMu.TryLock() {
		return nil
	}

	var responses []Response
	size := e.mbox.RespQueueSize()
	head := e.mbox.RespQueueHead()
	var total uint32

	for {
		tail := e.mbox.RespQueueTail()
		count := circq.Count(head, tail, size)
		if count == 0 {
			break
		}
		slot := circq.RealIndex(head)
		for i := uint32(0); i < count; i++ {
			resp := UnmarshalResponse(e.respRing.Bytes[slot*ResponseElementSize:])
			resp.Status = StatusOK
			responses = append(responses, resp)
			slot = (slot + 1) % size
		}
		head = circq.Advance(head, count, size)
		total += count
	}

	if total > 0 {
		e.mbox.IncRespQueueHead(total)
	}
	e.respMu.Unlock()

	if total > 0 {
		e.metrics.ResponsesFetched.Add(uint64(total))
		e.metrics.RecordDrainBatch(total)
		// Freeing half the ring is the hint that the device may have
		// stalled on response space; nudge it to continue.
		if total >= size/2 {
			e.mbox.RingCmdDoorbell()
		}
	}
	return responses
}

// handleResponse routes one fetched element: reverse notifications go to
// the reverse queue, everything else to wait list resolution.
func (e *Engine) handleResponse(resp *Response) {
	if resp.IsReverse() {
		if err := e.reverse.push(resp); err != nil {
			e.metrics.ReverseDropped.Add(1)
			e.log.Warn("reverse notification dropped", "code", resp.Code)
		}
		return
	}

	matched, skipped := e.waits.consume(resp)
	if matched {
		e.metrics.ResponsesMatched.Add(1)
	}
	if skipped > 0 {
		e.metrics.NoResponses.Add(uint64(skipped))
		e.log.Warn("firmware skipped commands", "count", skipped, "resolved_by_seq", resp.Seq)
	}
	if !matched && skipped == 0 {
		// Stale or duplicate: its wait already resolved or timed out.
		e.metrics.StaleDropped.Add(1)
		e.log.Debug("unmatched response dropped", "seq", resp.Seq)
	}
}

// Reinit reprograms both rings after a device restart. Any wait still
// pending is resolved as StatusNoResponse first: the old firmware is gone
// and a new instance reuses sequence numbering from scratch, so leaving
// waits armed could mismatch them against the new instance's responses.
func (e *Engine) Reinit() error {
	if e.closed.Load() {
		return NewError("reinit", ErrCodeClosed, "")
	}

	// Taken before cmdMu: the activation path holds it across command
	// submission.
	e.open.clearFirmwareState()

	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	if n := e.waits.failAll(); n > 0 {
		e.log.Warn("pending commands failed by reinit", "count", n)
		e.respArrived.broadcast()
	}

	// The response head cursor is owned by the drain lock. A drain already
	// scheduled against the old firmware instance must finish before the
	// cursors are rewritten, or it would advance the head CSR the restarted
	// firmware expects at zero.
	e.respMu.Lock()
	e.mbox.Reset()
	err := e.mbox.SetQueue(mailbox.CmdQueue, e.cmdRing.DeviceAddr, e.cfg.QueueSize)
	if err == nil {
		err = e.mbox.SetQueue(mailbox.RespQueue, e.respRing.DeviceAddr, e.cfg.QueueSize)
	}
	e.respMu.Unlock()
	if err != nil {
		return WrapError("reinit", err)
	}
	e.curSeq = 0

	e.mbox.InitDoorbells()
	e.mbox.EnableContext()
	e.log.Info("engine reinitialized")
	return nil
}

// Close disables the mailbox, stops both workers, and releases the ring
// memory. Workers are cancelled before the rings are freed so no task can
// touch freed memory. Pending waits resolve as StatusNoResponse.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mbox.DisableContext()
	e.drainer.CancelSync()
	e.reverse.close()

	if n := e.waits.failAll(); n > 0 {
		e.log.Warn("commands still pending at close", "count", n)
		e.respArrived.broadcast()
	}

	// A submitter or inline fetch that passed the closed check may still
	// hold a ring lock; take both so the memory is quiescent before Free.
	e.cmdMu.Lock()
	e.respMu.Lock()
	e.alloc.Free(e.cmdRing)
	e.alloc.Free(e.respRing)
	e.respMu.Unlock()
	e.cmdMu.Unlock()
	e.mgr.Remove(e.mbox)
	e.metrics.Stop()

	e.log.Info("engine closed")
	return nil
}
