package channel

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/macchina-m2/j2534fw/pkg/canbus"
	"github.com/macchina-m2/j2534fw/pkg/proto"
)

// ISO-TP PCI high nibbles (first data byte of every frame).
const (
	pciSingleFrame      = 0x0
	pciFirstFrame       = 0x1
	pciConsecutiveFrame = 0x2
	pciFlowControl      = 0x3
)

// Flow control status bytes.
const (
	fcContinueToSend = 0x30
	fcWait           = 0x31
	fcOverflow       = 0x32
)

// DefaultISOTPBlockSize and DefaultISOTPSTmin seed every new ISO-TP
// channel's IOCTL-configurable options, matching the flow-control
// frame the original firmware hardcodes (block size 8, STmin 2ms)
// before any IOCTL_SET call customises it.
const (
	// DefaultISOTPBlockSize and DefaultISOTPSTmin are exported so
	// pkg/registry can fall back to them when the process configuration
	// (pkg/config) doesn't override the ISO-TP defaults.
	DefaultISOTPBlockSize = 8
	DefaultISOTPSTmin     = 2
)

// isotpFilter is one registered flow-control filter: the hardware
// (pattern, mask) pair that recognises a request id on this mailbox,
// plus the id this channel replies on when it arrives.
type isotpFilter struct {
	pattern, mask, flowControl uint32
	slot                       int
	used                       bool
}

// isotpRecv is the single active receive transfer a channel may be
// mid-way through reassembling. sourceID and the allocated buffer are
// both valid only while active is true.
type isotpRecv struct {
	active       bool
	sourceID     uint32
	buf          []byte
	writeCursor  int
	framesSinceFC int
	mailboxSlot  int
}

// isotpSend is the single active multi-frame send transfer.
type isotpSend struct {
	active          bool
	destID          uint32
	buf             []byte // includes the 4-byte id prefix
	readCursor      int
	nextSeq         byte
	remoteBlockSize byte
	remoteSTmin     byte
	framesInBlock   byte
	nextDeadline    time.Time
	clearToSend     bool
}

// ISOTPChannel runs the ISO 15765-2 segmented transport over one CAN
// mailbox per registered flow-control filter. It owns at most one
// receive transfer and one send transfer at a time (spec.md §3).
type ISOTPChannel struct {
	mgr  *canbus.Manager
	host Host
	id   byte

	extended bool
	filters  [canbus.NumMailboxes]isotpFilter

	localBlockSize uint32
	localSTmin     uint32

	recv isotpRecv
	send isotpSend
}

// NewISOTPChannel constructs a channel bound to id, ready for Setup,
// seeded with the built-in local block size / STmin defaults.
func NewISOTPChannel(mgr *canbus.Manager, host Host, id byte) *ISOTPChannel {
	return NewISOTPChannelWithDefaults(mgr, host, id, DefaultISOTPBlockSize, DefaultISOTPSTmin)
}

// NewISOTPChannelWithDefaults is NewISOTPChannel but with the initial
// local block size / STmin IOCTL values taken from the caller (the
// registry's process-wide configuration) instead of the package
// defaults. A zero blockSize or stmin falls back to the package default.
func NewISOTPChannelWithDefaults(mgr *canbus.Manager, host Host, id byte, blockSize, stmin uint32) *ISOTPChannel {
	if blockSize == 0 {
		blockSize = DefaultISOTPBlockSize
	}
	if stmin == 0 {
		stmin = DefaultISOTPSTmin
	}
	return &ISOTPChannel{
		mgr:            mgr,
		host:           host,
		id:             id,
		localBlockSize: blockSize,
		localSTmin:     stmin,
	}
}

func (c *ISOTPChannel) Setup(baud uint32, flags uint32) error {
	if err := c.mgr.Init(baud); err != nil {
		return err
	}
	c.extended = isExtended(flags)
	c.recv = isotpRecv{}
	c.send = isotpSend{}
	return nil
}

func (c *ISOTPChannel) AddFilter(filterID int, filterType byte, mask, pattern, flowControl []byte) error {
	if filterType != proto.FilterFlowControl {
		return proto.NewStatusError(proto.StatusFailed, "ISO15765 filter not valid type")
	}
	if len(mask) != 4 {
		return proto.NewStatusError(proto.StatusFailed, "Mask length not 4")
	}
	if len(pattern) != 4 {
		return proto.NewStatusError(proto.StatusFailed, "Pattern length not 4")
	}
	if len(flowControl) != 4 {
		return proto.NewStatusError(proto.StatusFailed, "Flowcontrol length not 4")
	}
	if filterID < 0 || filterID >= canbus.NumMailboxes {
		return proto.NewStatusError(proto.StatusExceededLimit, "")
	}
	if c.filters[filterID].used {
		return proto.NewStatusError(proto.StatusFailed, "Filter ID already in use")
	}

	maskID := assembleBE(mask)
	patternID := assembleBE(pattern)
	fcID := assembleBE(flowControl)

	slot, err := c.mgr.Allocate(int(c.id), filterID, patternID, maskID, c.extended)
	if err != nil {
		return proto.NewStatusError(proto.StatusExceededLimit, err.Error())
	}

	c.filters[filterID] = isotpFilter{
		pattern:      patternID,
		mask:         maskID,
		flowControl:  fcID,
		slot:         slot,
		used:         true,
	}
	return nil
}

func (c *ISOTPChannel) RemoveFilter(filterID int) error {
	if filterID < 0 || filterID >= canbus.NumMailboxes || !c.filters[filterID].used {
		return proto.NewStatusError(proto.StatusInvalidFilterID, "Filter does not exist!")
	}
	slot := c.filters[filterID].slot
	if c.recv.active && c.recv.mailboxSlot == slot {
		c.recv = isotpRecv{}
		c.send.clearToSend = false
	}
	c.filters[filterID] = isotpFilter{}
	return c.mgr.Release(slot)
}

// Tick drains every owned mailbox one frame at a time and advances the
// send transfer's burst, one consecutive frame per call at most, so no
// tick does work proportional to frames already processed elsewhere.
func (c *ISOTPChannel) Tick(now time.Time) {
	for i := range c.filters {
		f := c.filters[i]
		if !f.used {
			continue
		}
		frame, ok := c.mgr.Receive(f.slot)
		if !ok {
			continue
		}
		c.handleFrame(f, frame, now)
	}

	if c.send.active && c.send.clearToSend && !now.Before(c.send.nextDeadline) {
		c.sendConsecutiveFrame(now)
	}
}

func (c *ISOTPChannel) handleFrame(f isotpFilter, frame canbus.Frame, now time.Time) {
	if frame.DLC == 0 {
		return
	}
	pci := frame.Data[0] >> 4
	switch pci {
	case pciSingleFrame:
		c.rxSingleFrame(frame)
	case pciFirstFrame:
		c.rxFirstFrame(f, frame)
	case pciConsecutiveFrame:
		c.rxConsecutiveFrame(f, frame)
	case pciFlowControl:
		c.rxFlowControl(frame, now)
	default:
		log.WithFields(log.Fields{"can_id": frame.ID, "pci_byte": frame.Data[0]}).
			Warn("isotp: invalid PCI, discarding frame")
	}
}

func (c *ISOTPChannel) rxSingleFrame(frame canbus.Frame) {
	length := int(frame.Data[0] & 0x0F)
	if length > int(frame.DLC)-1 {
		length = int(frame.DLC) - 1
	}
	buf := make([]byte, 4+length)
	proto.PutUint32BE(buf, 0, frame.ID)
	copy(buf[4:], frame.Data[1:1+length])
	c.host.SendChannelData(c.id, 0, buf)
}

func (c *ISOTPChannel) rxFirstFrame(f isotpFilter, frame canbus.Frame) {
	if c.recv.active {
		log.WithField("can_id", frame.ID).Warn("isotp: first frame received but a receive is already active, dropping")
		return
	}
	if f.flowControl == 0 {
		log.WithField("can_id", frame.ID).Warn("isotp: first frame on a mailbox with no flow control id, dropping")
		return
	}

	length := (int(frame.Data[0]&0x0F) << 8) | int(frame.Data[1])
	buf := make([]byte, length+4)
	proto.PutUint32BE(buf, 0, frame.ID)
	copy(buf[4:10], frame.Data[2:8])

	c.recv = isotpRecv{
		active:        true,
		sourceID:      frame.ID,
		buf:           buf,
		writeCursor:   10,
		framesSinceFC: 0,
		mailboxSlot:   f.slot,
	}

	idOnly := make([]byte, 4)
	proto.PutUint32BE(idOnly, 0, frame.ID)
	c.host.SendChannelData(c.id, proto.ISO15765FirstFrame, idOnly)

	c.sendFlowControl(f.flowControl)
}

func (c *ISOTPChannel) sendFlowControl(flowControlID uint32) {
	fcFrame := canbus.Frame{
		ID:       flowControlID,
		Extended: c.extended,
		DLC:      8,
	}
	fcFrame.Data[0] = fcContinueToSend
	fcFrame.Data[1] = byte(c.localBlockSize)
	fcFrame.Data[2] = byte(c.localSTmin)
	if err := c.mgr.Send(fcFrame); err != nil {
		log.WithError(err).Warn("isotp: failed to send flow control frame")
	}
}

func (c *ISOTPChannel) rxConsecutiveFrame(f isotpFilter, frame canbus.Frame) {
	if !c.recv.active {
		log.WithField("can_id", frame.ID).Warn("isotp: consecutive frame received but no active receive transfer, dropping")
		return
	}

	remaining := len(c.recv.buf) - c.recv.writeCursor
	n := int(frame.DLC) - 1
	if n > remaining {
		n = remaining
	}
	if n > 0 {
		copy(c.recv.buf[c.recv.writeCursor:], frame.Data[1:1+n])
		c.recv.writeCursor += n
	}
	c.recv.framesSinceFC++

	if c.recv.writeCursor >= len(c.recv.buf) {
		c.host.SendChannelData(c.id, 0, c.recv.buf)
		c.recv = isotpRecv{}
		return
	}

	if c.recv.framesSinceFC >= int(c.localBlockSize) {
		c.recv.framesSinceFC = 0
		c.sendFlowControl(f.flowControl)
	}
}

// rxFlowControl processes an FC frame arriving on the send side. Only
// 0x30 (continue to send) advances the sender; 0x31 (wait) is logged
// and leaves the current send state untouched; 0x32 (overflow) aborts
// the transfer outright, per spec.md §9's resolution of the "FC != 0x30"
// open question.
func (c *ISOTPChannel) rxFlowControl(frame canbus.Frame, now time.Time) {
	if frame.DLC < 3 {
		return
	}
	switch frame.Data[0] {
	case fcContinueToSend:
		c.send.remoteBlockSize = frame.Data[1]
		c.send.remoteSTmin = frame.Data[2]
		c.send.clearToSend = true
		c.send.framesInBlock = 0
		c.send.nextDeadline = now.Add(time.Duration(c.localSTmin) * time.Millisecond)
	case fcWait:
		log.WithField("can_id", frame.ID).Warn("isotp: flow control WAIT received, send paused")
	case fcOverflow:
		log.WithField("can_id", frame.ID).Warn("isotp: flow control OVERFLOW received, aborting send")
		c.send = isotpSend{}
	default:
		log.WithFields(log.Fields{"can_id": frame.ID, "fc_byte": frame.Data[0]}).Warn("isotp: flow control is not 0x30/0x31/0x32")
	}
}

func (c *ISOTPChannel) sendConsecutiveFrame(now time.Time) {
	frame := canbus.Frame{ID: c.send.destID, Extended: c.extended, DLC: 8}
	frame.Data[0] = c.send.nextSeq

	remaining := len(c.send.buf) - c.send.readCursor
	n := 7
	if n > remaining {
		n = remaining
	}
	copy(frame.Data[1:1+n], c.send.buf[c.send.readCursor:c.send.readCursor+n])
	c.send.readCursor += n

	if err := c.mgr.Send(frame); err != nil {
		log.WithError(err).Warn("isotp: consecutive frame Tx failed")
	}

	c.send.nextSeq++
	if c.send.nextSeq == 0x30 {
		c.send.nextSeq = 0x20
	}
	c.send.framesInBlock++
	c.send.nextDeadline = now.Add(time.Duration(c.send.remoteSTmin) * time.Millisecond)

	if c.send.framesInBlock == c.send.remoteBlockSize {
		c.send.clearToSend = false
	}
	if c.send.readCursor >= len(c.send.buf) {
		c.send = isotpSend{}
	}
}

// Send implements the ISO-TP transmit path: payloads up to 11 bytes
// (including the 4-byte id prefix) go out as a single frame; longer
// payloads start a multi-frame send, one first-frame now and the rest
// spread across future ticks under flow control.
func (c *ISOTPChannel) Send(payload []byte, respond bool) error {
	if len(payload) < 4 {
		if respond {
			return proto.NewStatusError(proto.StatusInvalidMsg, "payload too short for a CAN id")
		}
		c.host.Log("isotp send: payload too short for a CAN id")
		return nil
	}
	destID := proto.Uint32BE(payload, 0)
	dataSize := len(payload)

	if dataSize <= 11 {
		frame := canbus.Frame{ID: destID, Extended: c.extended, DLC: 8}
		frame.Data[0] = byte(dataSize - 4)
		copy(frame.Data[1:], payload[4:])
		if err := c.mgr.Send(frame); err != nil {
			if respond {
				return proto.NewStatusError(proto.StatusFailed, "CAN Tx failed")
			}
			c.host.Log("isotp send: CAN Tx failed")
		}
		return nil
	}

	if c.send.active {
		return proto.NewStatusError(proto.StatusBufferFull, "")
	}

	isoLen := dataSize - 4
	frame := canbus.Frame{ID: destID, Extended: c.extended, DLC: 8}
	frame.Data[0] = 0x10 | byte((isoLen>>8)&0x0F)
	frame.Data[1] = byte(isoLen & 0xFF)
	copy(frame.Data[2:8], payload[4:10])
	if err := c.mgr.Send(frame); err != nil {
		if respond {
			return proto.NewStatusError(proto.StatusFailed, "CAN Tx failed")
		}
		c.host.Log("isotp send: first-frame Tx failed")
		return nil
	}

	buf := append([]byte(nil), payload...)
	c.send = isotpSend{
		active:      true,
		destID:      destID,
		buf:         buf,
		readCursor:  10,
		nextSeq:     0x21,
		clearToSend: false,
	}
	return nil
}

func (c *ISOTPChannel) IoctlGet(optionID uint32) (uint32, error) {
	switch optionID {
	case proto.IoctlISO15765STmin:
		return c.localSTmin, nil
	case proto.IoctlISO15765BS:
		return c.localBlockSize, nil
	default:
		return 0, proto.NewStatusError(proto.StatusInvalidIoctlID, "ISO15765 invalid IOCTL ID")
	}
}

func (c *ISOTPChannel) IoctlSet(optionID uint32, value uint32) error {
	switch optionID {
	case proto.IoctlISO15765STmin:
		c.localSTmin = value
		return nil
	case proto.IoctlISO15765BS:
		c.localBlockSize = value
		return nil
	default:
		return proto.NewStatusError(proto.StatusInvalidIoctlID, "ISO15765 invalid IOCTL ID")
	}
}

// Teardown releases every mailbox this channel owns and frees any live
// transfer's buffer. It does not touch the shared CAN peripheral or
// committed baud: tearing those down once the last channel closes is
// registry bookkeeping, the same split RawCANChannel.Teardown keeps.
func (c *ISOTPChannel) Teardown() {
	for i := range c.filters {
		if c.filters[i].used {
			c.mgr.Release(c.filters[i].slot)
			c.filters[i] = isotpFilter{}
		}
	}
	c.recv = isotpRecv{}
	c.send = isotpSend{}
}
