package canbus

import (
	"fmt"
	"sync"

	sockcan "github.com/brutella/can"
)

// SocketCANController is a real Linux SocketCAN-backed Controller,
// for bench testing against a vcan interface or real hardware. Unlike
// the onboard peripheral this firmware targets, SocketCAN has no
// hardware mailboxes, so filtering is done in software per registered
// callback and every frame still passes through the Manager's
// single-producer ring discipline untouched.
type SocketCANController struct {
	mu   sync.Mutex
	bus  *sockcan.Bus
	name string

	slots [NumMailboxes]*socketcanSlot
}

type socketcanSlot struct {
	pattern, mask uint32
	extended      bool
	cb            func(Frame)
}

// NewSocketCANController opens the named SocketCAN interface (e.g.
// "vcan0" or "can0"). The bus is not started until Init is called.
func NewSocketCANController(name string) (*SocketCANController, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("canbus: open socketcan interface %q: %w", name, err)
	}
	return &SocketCANController{bus: bus, name: name}, nil
}

func (s *SocketCANController) Init(baud uint32) error {
	// SocketCAN interfaces have their bitrate configured outside the
	// process (ip link set ... bitrate ...); this only starts the
	// publish/subscribe loop.
	s.bus.Subscribe(s)
	go s.bus.ConnectAndPublish()
	return nil
}

func (s *SocketCANController) Disable() error {
	return s.bus.Disconnect()
}

func (s *SocketCANController) SetFilter(slot int, pattern, mask uint32, extended bool, cb func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = &socketcanSlot{pattern: pattern, mask: mask, extended: extended, cb: cb}
	return nil
}

func (s *SocketCANController) ClearFilter(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = nil
	return nil
}

// canEFFFlag is bit 31 of the SocketCAN wire id, the kernel ABI's
// extended-frame marker (linux/can.h: CAN_EFF_FLAG).
const canEFFFlag uint32 = 0x80000000

func (s *SocketCANController) Send(f Frame) error {
	id := f.ID
	if f.Extended {
		id |= canEFFFlag
	}
	return s.bus.Publish(sockcan.Frame{
		ID:     id,
		Length: f.DLC,
		Data:   f.Data,
	})
}

// Handle implements brutella/can's frame subscriber interface: it
// demultiplexes an incoming frame across every slot whose filter
// matches, the software equivalent of the real hardware's per-mailbox
// acceptance filter.
func (s *SocketCANController) Handle(f sockcan.Frame) {
	extended := f.ID&canEFFFlag != 0
	id := f.ID &^ canEFFFlag
	frame := Frame{ID: id, Extended: extended, DLC: f.Length, Data: f.Data}

	s.mu.Lock()
	var matched []func(Frame)
	for _, slot := range s.slots {
		if slot == nil || slot.extended != extended {
			continue
		}
		if (id & slot.mask) == (slot.pattern & slot.mask) {
			matched = append(matched, slot.cb)
		}
	}
	s.mu.Unlock()

	for _, cb := range matched {
		cb(frame)
	}
}
