// Package canbus implements the CAN driver abstraction the channel
// subsystem is built on: a controller interface (init/disable/set
// filter/clear filter/send/per-slot callback), a seven-slot mailbox
// allocation table partitioned between extended and standard
// identifiers, and the per-mailbox single-producer/single-consumer
// ring buffers the interrupt callback feeds.
package canbus

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/macchina-m2/j2534fw/internal/assert"
	"github.com/macchina-m2/j2534fw/internal/ringbuf"
)

// NumMailboxes is the fixed number of hardware receive filter slots.
const NumMailboxes = 7

// NumExtendedMailboxes is the count of slots (0..NumExtendedMailboxes-1)
// reserved for 29-bit extended identifiers. The remainder are reserved
// for 11-bit standard identifiers.
const NumExtendedMailboxes = 4

// mailboxRingCapacity is the per-mailbox frame queue depth.
const mailboxRingCapacity = 8

// Frame is a single CAN frame, independent of any particular backend's
// wire representation.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	DLC      uint8
	Data     [8]byte
}

// Controller is the hardware abstraction every backend (virtual,
// SocketCAN, or a real peripheral driver) implements.
type Controller interface {
	// Init opens the bus at the given baud rate. It is called once per
	// committed bitrate: by the first channel that establishes it, and
	// again after a reset has cleared it.
	Init(baud uint32) error
	// Disable closes the bus; every mailbox is implicitly released.
	Disable() error
	// SetFilter programs mailbox slot with (pattern, mask, extended) and
	// arms it to deliver matching frames to the given callback. The
	// callback runs on whatever goroutine/interrupt context the backend
	// uses to receive frames; it must not block.
	SetFilter(slot int, pattern, mask uint32, extended bool, cb func(Frame)) error
	// ClearFilter disarms mailbox slot.
	ClearFilter(slot int) error
	// Send transmits a single frame.
	Send(f Frame) error
}

// Mailbox is one hardware filter slot: its programmed (pattern, mask),
// the ring buffer the slot's interrupt callback feeds, and which
// (channel id, filter id) pair currently owns it.
type Mailbox struct {
	Pattern  uint32
	Mask     uint32
	Extended bool
	Owned    bool
	OwnerCh  int
	OwnerFlt int

	ring *ringbuf.Buffer

	// Overflows counts frames dropped because the ring was full when
	// the interrupt callback tried to push.
	Overflows uint64
}

// Manager owns the Controller and the fixed seven-slot mailbox table,
// and hands out slots first-fit within a channel's id-width class.
type Manager struct {
	ctrl    Controller
	mailbox [NumMailboxes]Mailbox
	baud    uint32
	baudSet bool
}

// NewManager wraps ctrl with mailbox bookkeeping. Every mailbox's ring
// buffer is allocated up front; SetFilter only (re)arms the hardware.
func NewManager(ctrl Controller) *Manager {
	m := &Manager{ctrl: ctrl}
	for i := range m.mailbox {
		m.mailbox[i].ring = ringbuf.New(mailboxRingCapacity)
	}
	return m
}

// CommittedBaud reports the bus's bitrate and whether one has been
// committed yet. The first successful Init commits it; every later
// Init at a different rate is rejected by the caller before it reaches
// here (the registry enforces this, since only it knows whether any
// channel still depends on the current rate).
func (m *Manager) CommittedBaud() (uint32, bool) { return m.baud, m.baudSet }

// Init opens the bus. If a baud is already committed and differs, it
// returns an error without touching the controller.
func (m *Manager) Init(baud uint32) error {
	if m.baudSet && m.baud != baud {
		return fmt.Errorf("bitrate %d conflicts with committed bitrate %d", baud, m.baud)
	}
	if m.baudSet {
		return nil
	}
	if err := m.ctrl.Init(baud); err != nil {
		return err
	}
	m.baud = baud
	m.baudSet = true
	return nil
}

// Reset disables the bus, releases every mailbox and clears the
// committed baud rate. Used by reset_all_channels.
func (m *Manager) Reset() {
	if m.baudSet {
		if err := m.ctrl.Disable(); err != nil {
			log.WithError(err).Warn("canbus: error disabling controller during reset")
		}
	}
	for i := range m.mailbox {
		m.releaseSlot(i)
	}
	m.baud = 0
	m.baudSet = false
}

// extendedRange and standardRange partition the seven slots.
func extendedRange() (lo, hi int) { return 0, NumExtendedMailboxes }
func standardRange() (lo, hi int) { return NumExtendedMailboxes, NumMailboxes }

// Allocate finds a free mailbox in the id-width class matching
// extended, resets the slot's ring, programs the hardware filter and
// records ownership. It returns the slot index or an error if the
// class is exhausted.
func (m *Manager) Allocate(channelID, filterID int, pattern, mask uint32, extended bool) (int, error) {
	lo, hi := standardRange()
	if extended {
		lo, hi = extendedRange()
	}
	for i := lo; i < hi; i++ {
		if m.mailbox[i].Owned {
			continue
		}
		assert.Truef(m.mailbox[i].ring.Len() == 0, "mailbox %d has queued frames while unowned", i)
		m.mailbox[i].ring.Reset()
		cb := m.makeCallback(i)
		if err := m.ctrl.SetFilter(i, pattern, mask, extended, cb); err != nil {
			return 0, err
		}
		m.mailbox[i].Pattern = pattern
		m.mailbox[i].Mask = mask
		m.mailbox[i].Extended = extended
		m.mailbox[i].Owned = true
		m.mailbox[i].OwnerCh = channelID
		m.mailbox[i].OwnerFlt = filterID
		m.mailbox[i].Overflows = 0
		return i, nil
	}
	return 0, fmt.Errorf("no free mailbox in %s class", classLabel(extended))
}

func classLabel(extended bool) string {
	if extended {
		return "extended"
	}
	return "standard"
}

// Release frees slot, unregistering its hardware filter and resetting
// its ring buffer.
func (m *Manager) Release(slot int) error {
	if slot < 0 || slot >= NumMailboxes || !m.mailbox[slot].Owned {
		return nil
	}
	if err := m.ctrl.ClearFilter(slot); err != nil {
		return err
	}
	m.releaseSlot(slot)
	return nil
}

func (m *Manager) releaseSlot(slot int) {
	m.mailbox[slot].Owned = false
	m.mailbox[slot].OwnerCh = 0
	m.mailbox[slot].OwnerFlt = 0
	m.mailbox[slot].ring.Reset()
}

// makeCallback returns the closure registered with the Controller for
// slot; it runs in whatever context the backend delivers frames from
// and performs the single producer-side push into that slot's ring.
func (m *Manager) makeCallback(slot int) func(Frame) {
	return func(f Frame) {
		mb := &m.mailbox[slot]
		rf := ringbuf.Frame{ID: f.ID, Extended: f.Extended, RTR: f.RTR, DLC: f.DLC, Data: f.Data}
		if !mb.ring.Push(rf) {
			mb.Overflows++
		}
	}
}

// Receive pops the oldest queued frame from slot, the single-consumer
// read a channel's tick performs.
func (m *Manager) Receive(slot int) (Frame, bool) {
	if slot < 0 || slot >= NumMailboxes {
		return Frame{}, false
	}
	rf, ok := m.mailbox[slot].ring.Pop()
	if !ok {
		return Frame{}, false
	}
	return Frame{ID: rf.ID, Extended: rf.Extended, RTR: rf.RTR, DLC: rf.DLC, Data: rf.Data}, true
}

// Send transmits f on the bus.
func (m *Manager) Send(f Frame) error {
	return m.ctrl.Send(f)
}

// MailboxInfo returns a copy of slot's bookkeeping, for diagnostics and
// tests. It does not drain the ring.
func (m *Manager) MailboxInfo(slot int) Mailbox {
	if slot < 0 || slot >= NumMailboxes {
		return Mailbox{}
	}
	info := m.mailbox[slot]
	info.ring = nil
	return info
}
