package canbus

import "sync"

// VirtualController is an in-process Controller double: Send just
// records the frame into Sent, with no real bus underneath; Inject is
// the companion method tests use to simulate a frame arriving, looping
// it back through whichever mailbox callbacks currently accept it. It
// exists for tests and for exercising the registry/channel stack
// without hardware.
type VirtualController struct {
	mu       sync.Mutex
	disabled bool
	slots    [NumMailboxes]*virtualSlot

	// Sent records every frame handed to Send, for test assertions.
	Sent []Frame
}

type virtualSlot struct {
	pattern, mask uint32
	extended      bool
	cb            func(Frame)
}

// NewVirtualController returns a ready-to-use virtual bus.
func NewVirtualController() *VirtualController {
	return &VirtualController{disabled: true}
}

func (v *VirtualController) Init(baud uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disabled = false
	return nil
}

func (v *VirtualController) Disable() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disabled = true
	for i := range v.slots {
		v.slots[i] = nil
	}
	return nil
}

func (v *VirtualController) SetFilter(slot int, pattern, mask uint32, extended bool, cb func(Frame)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.slots[slot] = &virtualSlot{pattern: pattern, mask: mask, extended: extended, cb: cb}
	return nil
}

func (v *VirtualController) ClearFilter(slot int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.slots[slot] = nil
	return nil
}

func (v *VirtualController) Send(f Frame) error {
	v.mu.Lock()
	v.Sent = append(v.Sent, f)
	v.mu.Unlock()
	return nil
}

// Inject simulates a frame arriving on the bus: every armed slot whose
// (pattern, mask, id-width) matches gets the frame pushed through its
// registered callback, mimicking hardware filter matching.
func (v *VirtualController) Inject(f Frame) {
	v.mu.Lock()
	var matched []func(Frame)
	for _, s := range v.slots {
		if s == nil || s.extended != f.Extended {
			continue
		}
		if (f.ID & s.mask) == (s.pattern & s.mask) {
			matched = append(matched, s.cb)
		}
	}
	v.mu.Unlock()
	for _, cb := range matched {
		cb(f)
	}
}
