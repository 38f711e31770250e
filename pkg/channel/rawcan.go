package channel

import (
	"fmt"
	"time"

	"github.com/macchina-m2/j2534fw/pkg/canbus"
	"github.com/macchina-m2/j2534fw/pkg/proto"
)

// rawFilter is one programmed filter on a raw-CAN channel: a pass
// filter is fully enforced by the hardware mailbox; a block filter
// opens its mailbox to everything and is rejected in software.
type rawFilter struct {
	block   bool
	pattern uint32
	mask    uint32
	slot    int
	used    bool
}

// RawCANChannel forwards CAN frames to the host under the hardware
// filter plus optional software block test; it has no protocol state
// beyond the filter table.
type RawCANChannel struct {
	mgr  *canbus.Manager
	host Host
	id   byte

	extended bool
	filters  [canbus.NumMailboxes]rawFilter
}

// NewRawCANChannel constructs a channel bound to id, ready for Setup.
func NewRawCANChannel(mgr *canbus.Manager, host Host, id byte) *RawCANChannel {
	return &RawCANChannel{mgr: mgr, host: host, id: id}
}

func (c *RawCANChannel) Setup(baud uint32, flags uint32) error {
	if err := c.mgr.Init(baud); err != nil {
		return err
	}
	c.extended = isExtended(flags)
	return nil
}

func (c *RawCANChannel) AddFilter(filterID int, filterType byte, mask, pattern, flowControl []byte) error {
	if filterType == proto.FilterFlowControl {
		return proto.NewStatusError(proto.StatusFailed, "CAN channel cannot use a flow control filter")
	}
	if len(mask) > 4 {
		return proto.NewStatusError(proto.StatusFailed, "mask length too big")
	}
	if len(pattern) > 4 {
		return proto.NewStatusError(proto.StatusFailed, "pattern length too big")
	}
	if filterID < 0 || filterID >= canbus.NumMailboxes {
		return proto.NewStatusError(proto.StatusExceededLimit, "")
	}
	if c.filters[filterID].used {
		return proto.NewStatusError(proto.StatusFailed, "filter id in use")
	}

	maskID := assembleBE(mask)
	patternID := assembleBE(pattern)

	var slot int
	var err error
	if filterType == proto.FilterBlock {
		slot, err = c.mgr.Allocate(int(c.id), filterID, 0, 0, c.extended)
	} else {
		slot, err = c.mgr.Allocate(int(c.id), filterID, patternID, maskID, c.extended)
	}
	if err != nil {
		return proto.NewStatusError(proto.StatusExceededLimit, err.Error())
	}

	c.filters[filterID] = rawFilter{
		block:   filterType == proto.FilterBlock,
		pattern: patternID,
		mask:    maskID,
		slot:    slot,
		used:    true,
	}
	return nil
}

func (c *RawCANChannel) RemoveFilter(filterID int) error {
	if filterID < 0 || filterID >= canbus.NumMailboxes || !c.filters[filterID].used {
		return proto.NewStatusError(proto.StatusInvalidMsgID, "")
	}
	slot := c.filters[filterID].slot
	c.filters[filterID] = rawFilter{}
	return c.mgr.Release(slot)
}

func (c *RawCANChannel) Tick(now time.Time) {
	for i := range c.filters {
		f := c.filters[i]
		if !f.used {
			continue
		}
		for {
			frame, ok := c.mgr.Receive(f.slot)
			if !ok {
				break
			}
			if f.block && (frame.ID&f.mask) == f.pattern {
				continue
			}
			buf := make([]byte, 4+int(frame.DLC))
			putBE(buf, 0, frame.ID)
			copy(buf[4:], frame.Data[:frame.DLC])
			c.host.SendChannelData(c.id, 0, buf)
		}
	}
}

func (c *RawCANChannel) Send(payload []byte, respond bool) error {
	if len(payload) < 4 {
		if respond {
			return proto.NewStatusError(proto.StatusInvalidMsg, "payload too short for a CAN id")
		}
		c.host.Log("raw-CAN send: payload too short for a CAN id")
		return nil
	}
	frame := canbus.Frame{
		ID:       assembleBE(payload[:4]),
		Extended: c.extended,
		DLC:      uint8(len(payload) - 4),
	}
	copy(frame.Data[:], payload[4:])
	if err := c.mgr.Send(frame); err != nil {
		if respond {
			return proto.NewStatusError(proto.StatusFailed, "CAN Tx failed")
		}
		c.host.Log(fmt.Sprintf("raw-CAN send failed: %v", err))
		return nil
	}
	return nil
}

func (c *RawCANChannel) IoctlGet(optionID uint32) (uint32, error) {
	return 0, proto.NewStatusError(proto.StatusInvalidIoctlID, "")
}

func (c *RawCANChannel) IoctlSet(optionID uint32, value uint32) error {
	return proto.NewStatusError(proto.StatusInvalidIoctlID, "")
}

// Teardown releases every mailbox this channel owns. It does not touch
// the shared CAN peripheral: the bus and the committed baud are torn
// down once the last live channel closes, which is bookkeeping the
// registry owns, not any one channel.
func (c *RawCANChannel) Teardown() {
	for i := range c.filters {
		if c.filters[i].used {
			c.mgr.Release(c.filters[i].slot)
			c.filters[i] = rawFilter{}
		}
	}
}
