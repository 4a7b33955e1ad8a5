package kci

import "sync"

// Mailbox activation handshake. Client mailboxes only carry traffic after
// the firmware has been told to open them. The engine tracks two bitmaps:
// what the host wants open, and what the running firmware instance has
// been told. They diverge across a firmware restart, when the new instance
// knows nothing; ClearFirmwareState resets the second bitmap so the next
// activation re-sends OPEN_DEVICE.
type openState struct {
	mu      sync.Mutex
	desired uint32 // mailboxes the host wants open
	fwKnown uint32 // mailboxes the running firmware was told to open
}

func (s *openState) clearFirmwareState() {
	s.mu.Lock()
	s.fwKnown = 0
	s.mu.Unlock()
}

// ActivateMailboxes opens the client mailboxes in the bitmap. Mailboxes
// the running firmware already knows about are skipped, so re-activation
// after a partial failure or a restart is idempotent.
func (e *Engine) ActivateMailboxes(ids uint32) error {
	if ids == 0 {
		return NewError("OPEN_DEVICE", ErrCodeInvalidArgument, "empty mailbox bitmap")
	}

	e.open.mu.Lock()
	defer e.open.mu.Unlock()

	e.open.desired |= ids
	if e.open.fwKnown&ids == ids {
		return nil
	}
	if err := e.OpenDevice(ids); err != nil {
		return err
	}
	e.open.fwKnown |= ids
	return nil
}

// DeactivateMailboxes closes the client mailboxes in the bitmap. Mailboxes
// the running firmware never learned about (for example after a restart)
// are dropped from the bitmaps without a CLOSE_DEVICE round trip.
func (e *Engine) DeactivateMailboxes(ids uint32) error {
	if ids == 0 {
		return NewError("CLOSE_DEVICE", ErrCodeInvalidArgument, "empty mailbox bitmap")
	}

	e.open.mu.Lock()
	defer e.open.mu.Unlock()

	toClose := e.open.fwKnown & ids
	if toClose != 0 {
		if err := e.CloseDevice(toClose); err != nil {
			return err
		}
	}
	e.open.fwKnown &^= ids
	e.open.desired &^= ids
	return nil
}

// ClearFirmwareState forgets what the firmware was told, without touching
// what the host wants. Call after a firmware restart, before
// re-activating; Reinit does this automatically.
func (e *Engine) ClearFirmwareState() {
	e.open.clearFirmwareState()
}

// ActiveMailboxes returns the bitmap of mailboxes the running firmware has
// been told to open.
func (e *Engine) ActiveMailboxes() uint32 {
	e.open.mu.Lock()
	defer e.open.mu.Unlock()
	return e.open.fwKnown
}
