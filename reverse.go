package kci

import (
	"sync"
	"sync/atomic"

	"github.com/hwplane/kci/internal/logging"
	"github.com/hwplane/kci/internal/work"
)

// DefaultReverseBufferSize is the default capacity of the reverse
// notification buffer. Must be a power of two; one slot is sacrificed to
// distinguish full from empty.
const DefaultReverseBufferSize = 32

// ReverseHandler consumes chip-specific reverse notifications, i.e. those
// with codes at or below ReverseChipCodeLast.
type ReverseHandler interface {
	HandleReverse(resp *Response)
}

// ReverseHandlerFunc adapts a function to ReverseHandler.
type ReverseHandlerFunc func(resp *Response)

func (f ReverseHandlerFunc) HandleReverse(resp *Response) { f(resp) }

// CrashHandler reacts to an unrecoverable firmware fault. The crash type
// is the retval field of the FIRMWARE_CRASH notification.
type CrashHandler interface {
	HandleFirmwareCrash(crashType uint32)
}

// CrashHandlerFunc adapts a function to CrashHandler.
type CrashHandlerFunc func(crashType uint32)

func (f CrashHandlerFunc) HandleFirmwareCrash(crashType uint32) { f(crashType) }

// reverseQueue buffers device-originated notifications between the
// response drain path (producer) and a dedicated dispatch worker
// (consumer). The producer never blocks: a full buffer drops the
// notification, since stalling the drain path would stall command
// responses too.
//
// Head and tail are plain masked indexes. Each side owns its cursor and
// reads the other's atomically.
type reverseQueue struct {
	buf  []Response
	mask uint32

	pmu  sync.Mutex // producer side
	head atomic.Uint32

	cmu  sync.Mutex // consumer side
	tail atomic.Uint32

	worker  *work.Worker
	chip    ReverseHandler
	crash   CrashHandler
	log     *logging.Logger
	metrics *Metrics
}

func newReverseQueue(size uint32, chip ReverseHandler, crash CrashHandler, log *logging.Logger, metrics *Metrics) *reverseQueue {
	if size == 0 {
		size = DefaultReverseBufferSize
	}
	if size&(size-1) != 0 {
		panic("kci: reverse buffer size must be a power of two")
	}
	q := &reverseQueue{
		buf:     make([]Response, size),
		mask:    size - 1,
		chip:    chip,
		crash:   crash,
		log:     log,
		metrics: metrics,
	}
	q.worker = work.New(q.dispatchAll)
	return q
}

// push enqueues a notification and schedules the dispatch worker. Returns
// ErrQueueFull when the buffer has no free slot.
func (q *reverseQueue) push(resp *Response) error {
	q.pmu.Lock()
	head := q.head.Load()
	tail := q.tail.Load()
	if (tail-head-1)&q.mask == 0 {
		q.pmu.Unlock()
		return NewError("reverse_push", ErrCodeQueueFull, "reverse notification buffer full")
	}
	q.buf[head&q.mask] = *resp
	q.head.Store(head + 1)
	q.pmu.Unlock()

	q.worker.Schedule()
	return nil
}

// pop dequeues one notification if present.
func (q *reverseQueue) pop(resp *Response) bool {
	q.cmu.Lock()
	defer q.cmu.Unlock()

	tail := q.tail.Load()
	if q.head.Load()-tail == 0 {
		return false
	}
	*resp = q.buf[tail&q.mask]
	q.tail.Store(tail + 1)
	return true
}

// dispatchAll is the worker task: drain everything currently buffered.
func (q *reverseQueue) dispatchAll() {
	var resp Response
	for q.pop(&resp) {
		q.metrics.ReverseReceived.Add(1)
		q.dispatch(&resp)
	}
}

func (q *reverseQueue) dispatch(resp *Response) {
	switch {
	case resp.Code <= ReverseChipCodeLast:
		if q.chip == nil {
			q.log.Warn("no handler for chip reverse notification",
				"code", resp.Code, "retval", resp.Retval)
			return
		}
		q.chip.HandleReverse(resp)
		q.metrics.ReverseDispatched.Add(1)
	case resp.Code == ReverseFirmwareCrash:
		q.log.Error("firmware crash reported", "crash_type", resp.Retval)
		if q.crash != nil {
			q.crash.HandleFirmwareCrash(resp.Retval)
		}
		q.metrics.ReverseDispatched.Add(1)
	case resp.Code == ReverseJobLockup:
		q.log.Error("firmware job lockup reported", "retval", resp.Retval)
		q.metrics.ReverseDispatched.Add(1)
	default:
		q.log.Warn("unrecognized reverse notification dropped", "code", resp.Code)
	}
}

// close stops the dispatch worker, draining whatever is in flight.
func (q *reverseQueue) close() {
	q.worker.CancelSync()
}
