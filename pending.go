package kci

import "sync"

// pendingWait pairs a sequence number with the caller-owned response slot
// it resolves into.
type pendingWait struct {
	seq  uint64
	resp *Response
}

// waitList is the registry of commands awaiting a response. Sequence
// numbers are assigned monotonically under the submission lock, so pushing
// at the tail keeps the list sorted ascending; consume exploits that
// ordering to resolve skipped commands in one pass.
//
// All reads and writes of a registered Response go through wl.mu,
// including the caller's status polling, so resolution is race-free.
type waitList struct {
	mu      sync.Mutex
	entries []*pendingWait
}

// push registers resp at the tail. resp.Seq must already be set and
// greater than every registered sequence number.
func (wl *waitList) push(resp *Response) {
	wl.mu.Lock()
	resp.Status = StatusWaitingResponse
	wl.entries = append(wl.entries, &pendingWait{seq: resp.Seq, resp: resp})
	wl.mu.Unlock()
}

// consume resolves pending waits against an arrived response. Entries
// older than resp.Seq can no longer be answered (the firmware processes
// commands in order) and resolve as StatusNoResponse; the entry equal to
// resp.Seq receives the response. A response younger than every entry, or
// arriving after its wait was retracted, matches nothing and is dropped by
// the caller.
//
// Returns whether a wait matched and how many resolved as no-response.
func (wl *waitList) consume(resp *Response) (matched bool, skipped int) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	for len(wl.entries) > 0 {
		cur := wl.entries[0]
		if cur.seq > resp.Seq {
			break
		}
		if cur.seq == resp.Seq {
			*cur.resp = *resp
			wl.entries = wl.entries[1:]
			matched = true
			break
		}
		cur.resp.Status = StatusNoResponse
		wl.entries = wl.entries[1:]
		skipped++
	}
	return matched, skipped
}

// status reads resp's status under the list lock, establishing ordering
// with concurrent resolution.
func (wl *waitList) status(resp *Response) Status {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return resp.Status
}

// retract removes resp from the list if it is still pending and reports
// its final status. Exactly one of retraction and resolution wins: a
// StatusWaitingResponse return means the wait was removed and no response
// will ever touch resp again.
func (wl *waitList) retract(resp *Response) Status {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	for i, en := range wl.entries {
		if en.seq > resp.Seq {
			break
		}
		if en.resp == resp {
			wl.entries = append(wl.entries[:i], wl.entries[i+1:]...)
			return StatusWaitingResponse
		}
	}
	return resp.Status
}

// failAll resolves every pending wait as StatusNoResponse and empties the
// list. Used when the queues are about to be reset or torn down.
func (wl *waitList) failAll() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	n := len(wl.entries)
	for _, en := range wl.entries {
		en.resp.Status = StatusNoResponse
	}
	wl.entries = nil
	return n
}

func (wl *waitList) len() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return len(wl.entries)
}
