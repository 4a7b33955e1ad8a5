package mailbox

import (
	"fmt"
	"sync"

	"github.com/hwplane/kci/internal/logging"
	"github.com/hwplane/kci/internal/mmio"
)

// Manager tracks every mailbox the device provides and dispatches
// interrupt notifications to the ones with a pending response doorbell.
type Manager struct {
	regs   mmio.Regs
	layout Layout
	log    *logging.Logger

	mu        sync.RWMutex
	mailboxes []*Mailbox
}

// Config describes the device's mailbox complement.
type Config struct {
	NumMailboxes uint
	Layout       Layout
	Logger       *logging.Logger
}

// NewManager creates a manager for the given register space. No mailbox
// is claimed yet; use KCI or Add.
func NewManager(regs mmio.Regs, cfg Config) (*Manager, error) {
	if cfg.NumMailboxes == 0 {
		return nil, fmt.Errorf("mailbox: device must provide at least one mailbox")
	}
	if cfg.Layout.ContextBase == nil || cfg.Layout.CmdBase == nil || cfg.Layout.RespBase == nil {
		return nil, fmt.Errorf("mailbox: incomplete CSR layout")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		regs:      regs,
		layout:    cfg.Layout,
		log:       log,
		mailboxes: make([]*Mailbox, cfg.NumMailboxes),
	}, nil
}

// NumMailboxes returns how many mailboxes the device provides.
func (mgr *Manager) NumMailboxes() uint {
	return uint(len(mgr.mailboxes))
}

// KCI claims the mailbox reserved for the kernel control interface.
func (mgr *Manager) KCI() (*Mailbox, error) {
	return mgr.Add(KCIIndex)
}

// Add claims the mailbox at the given index for a client.
func (mgr *Manager) Add(index uint) (*Mailbox, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if index >= uint(len(mgr.mailboxes)) {
		return nil, fmt.Errorf("mailbox: index %d out of range (have %d)",
			index, len(mgr.mailboxes))
	}
	if mgr.mailboxes[index] != nil {
		return nil, fmt.Errorf("mailbox: index %d already in use", index)
	}
	m := &Mailbox{
		ID:       index,
		regs:     mgr.regs,
		log:      mgr.log.WithMailbox(index),
		ctxBase:  mgr.layout.ContextBase(index),
		cmdBase:  mgr.layout.CmdBase(index),
		respBase: mgr.layout.RespBase(index),
	}
	mgr.mailboxes[index] = m
	return m, nil
}

// Remove releases a previously claimed mailbox. The caller must have
// disabled its context and quiesced its users first.
func (mgr *Manager) Remove(m *Mailbox) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if m == nil || m.ID >= uint(len(mgr.mailboxes)) || mgr.mailboxes[m.ID] != m {
		return fmt.Errorf("mailbox: not managed here")
	}
	mgr.mailboxes[m.ID] = nil
	return nil
}

// HandleInterrupt scans for mailboxes whose response doorbell is set,
// clears each doorbell, and invokes the registered handler. Runs in
// interrupt dispatch context: handlers must not block.
func (mgr *Manager) HandleInterrupt() {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, m := range mgr.mailboxes {
		if m == nil {
			continue
		}
		if mgr.regs.Read32(m.respBase+RespDoorbellStatus) == 0 {
			continue
		}
		mgr.regs.Write32(m.respBase+RespDoorbellClear, 1)
		if m.handleIRQ != nil {
			m.handleIRQ()
		}
	}
}
