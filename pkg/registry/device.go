// Package registry implements the channel registry and command
// dispatcher: the fixed-size table of logical channels multiplexed
// onto one CAN controller, and the decoder that routes each host
// message to the registry itself or to a specific channel, emitting
// exactly one reply per request.
package registry

import (
	"fmt"
	"time"

	"github.com/macchina-m2/j2534fw/internal/assert"
	"github.com/macchina-m2/j2534fw/pkg/canbus"
	"github.com/macchina-m2/j2534fw/pkg/channel"
	"github.com/macchina-m2/j2534fw/pkg/proto"
)

// MaxChannels bounds the channel id space (spec.md §3: "channel id
// (small integer, 0..MAX_CHANNELS)"). The registry itself never cares
// about the ids beyond bounds-checking against this.
const MaxChannels = 10

// DeviceInfo is the out-of-scope external collaborator set (spec.md
// §1/§6): battery reads, firmware identification, and the hello/goodbye
// status handshake. The channel subsystem only needs somewhere to route
// these three message types; their real implementation (ADC read,
// version string, bootloader handoff) lives outside this package.
// New substitutes stubDeviceInfo when no DeviceInfo is supplied.
type DeviceInfo interface {
	Battery() (float32, error)
	Version() string
	Hello() error
	Goodbye() error
}

// stubDeviceInfo is the default when the embedding program doesn't
// supply a DeviceInfo: Battery fails with ERR_NOT_SUPPORTED, Version
// is the empty string, and Hello/Goodbye succeed without doing anything.
type stubDeviceInfo struct{}

func (stubDeviceInfo) Battery() (float32, error) { return 0, proto.NewStatusError(proto.StatusNotSupported, "") }
func (stubDeviceInfo) Version() string           { return "" }
func (stubDeviceInfo) Hello() error              { return nil }
func (stubDeviceInfo) Goodbye() error            { return nil }

// Device is the single process-wide object holding the channel
// registry, the CAN mailbox manager (and through it the committed
// baud), and the external-collaborator hooks. Reset implements
// reset_all_channels in place: it tears down and empties every slot of
// the channel table and hands the manager a Reset call of its own.
type Device struct {
	mgr      *canbus.Manager
	host     channel.Host
	info     DeviceInfo
	channels [MaxChannels]channel.Channel

	isotpBlockSize uint32
	isotpSTmin     uint32
}

// Option configures optional Device construction parameters that have
// sensible zero-value defaults (see New).
type Option func(*Device)

// WithISOTPDefaults seeds every newly opened ISO-TP channel's local
// block size and separation time from the process configuration
// (pkg/config's DefaultBlockSize/DefaultSTmin) instead of
// pkg/channel's own built-in defaults. Per-channel IOCTL_SET calls
// still override these at runtime.
func WithISOTPDefaults(blockSize, stmin uint32) Option {
	return func(d *Device) {
		d.isotpBlockSize = blockSize
		d.isotpSTmin = stmin
	}
}

// New constructs a Device around ctrl (the CAN driver abstraction) and
// host (the outbound reply/log/channel-data sink, typically a
// *framing.Framer). info may be nil to use the stub.
func New(ctrl canbus.Controller, host channel.Host, info DeviceInfo, opts ...Option) *Device {
	if info == nil {
		info = stubDeviceInfo{}
	}
	d := &Device{mgr: canbus.NewManager(ctrl), host: host, info: info}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reset implements the reset-all-channels command: every channel is
// torn down, the mailbox table is cleared and the committed baud
// returns to "uninitialised" (spec.md §8 invariant 4).
func (d *Device) Reset() {
	for i := range d.channels {
		if d.channels[i] != nil {
			d.channels[i].Teardown()
			d.channels[i] = nil
		}
	}
	d.mgr.Reset()

	for i := range d.channels {
		assert.Truef(d.channels[i] == nil, "channel slot %d not empty after reset", i)
	}
	snap := d.mailboxSnapshot()
	for i := range snap {
		assert.Truef(!snap[i].Owned, "mailbox %d still owned after reset", i)
	}
}

// Tick ticks every live channel in id order, once per main-loop
// iteration. Ticks never block (spec.md §5).
func (d *Device) Tick(now time.Time) {
	for i := range d.channels {
		if d.channels[i] != nil {
			d.channels[i].Tick(now)
		}
	}
}

// Dispatch decodes and executes one host message, emitting exactly one
// reply for every request type. An inbound CHANNEL_DATA is the
// TX_CHAN_DATA request; LOG is not a request and, like any other
// unrecognised type, gets an error reply. It never panics on
// malformed input.
func (d *Device) Dispatch(msg proto.Message) {
	switch msg.Type {
	case proto.MsgOpenChannel:
		d.openChannel(msg)
	case proto.MsgCloseChannel:
		d.closeChannel(msg)
	case proto.MsgChannelData:
		d.txChannelData(msg)
	case proto.MsgSetChanFilter:
		d.setChannelFilter(msg)
	case proto.MsgRemChanFilter:
		d.remChannelFilter(msg)
	case proto.MsgIoctlGet:
		d.ioctlGet(msg)
	case proto.MsgIoctlSet:
		d.ioctlSet(msg)
	case proto.MsgReadBatt:
		d.readBatt(msg)
	case proto.MsgStatus:
		d.status(msg)
	case proto.MsgGetFwVersion:
		d.fwVersion(msg)
	default:
		d.host.RespondErr(msg.Type, proto.StatusFailed, fmt.Sprintf("unrecognised message type 0x%02X", msg.Type))
	}
}

// respond turns err into exactly one reply: ok with extra payload on
// nil, or the mapped status code and diagnostic text otherwise.
func (d *Device) respond(op byte, extra []byte, err error) {
	if err == nil {
		d.host.RespondOK(op, extra)
		return
	}
	se := proto.AsStatusError(err)
	d.host.RespondErr(op, se.Code, se.Text)
}

func (d *Device) validChannelID(id uint32) (int, bool) {
	if id >= MaxChannels {
		return 0, false
	}
	return int(id), true
}

func (d *Device) openChannel(msg proto.Message) {
	if len(msg.Args) != 16 {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "Payload size for OpenChannel is incorrect")
		return
	}
	id := proto.Uint32LE(msg.Args, 0)
	protocolID := proto.Uint32LE(msg.Args, 4)
	baud := proto.Uint32LE(msg.Args, 8)
	flags := proto.Uint32LE(msg.Args, 12)

	chID, ok := d.validChannelID(id)
	if !ok {
		d.host.RespondErr(msg.Type, proto.StatusInvalidChannelID, "")
		return
	}
	if d.channels[chID] != nil {
		d.host.RespondErr(msg.Type, proto.StatusChannelInUse, "")
		return
	}

	var ch channel.Channel
	switch protocolID {
	case proto.ProtocolCAN:
		ch = channel.NewRawCANChannel(d.mgr, d.host, byte(chID))
	case proto.ProtocolISO15765:
		ch = channel.NewISOTPChannelWithDefaults(d.mgr, d.host, byte(chID), d.isotpBlockSize, d.isotpSTmin)
	case proto.ProtocolJ1850VPW, proto.ProtocolJ1850PWM, proto.ProtocolISO9141, proto.ProtocolISO14230,
		proto.ProtocolSCIAEngine, proto.ProtocolSCIATrans, proto.ProtocolSCIBEngine, proto.ProtocolSCIBTrans:
		d.host.RespondErr(msg.Type, proto.StatusNotSupported, "Protocol not implemented yet")
		return
	default:
		d.host.RespondErr(msg.Type, proto.StatusInvalidProtocolID, "Unrecognised protocol")
		return
	}

	if committed, set := d.mgr.CommittedBaud(); set && committed != baud {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "Cannot run multiple CAN baud speeds on 1 interface!")
		return
	}

	if err := ch.Setup(baud, flags); err != nil {
		se := proto.AsStatusError(err)
		d.host.RespondErr(msg.Type, se.Code, se.Text)
		return
	}

	d.channels[chID] = ch
	d.host.RespondOK(msg.Type, nil)
}

func (d *Device) closeChannel(msg proto.Message) {
	if len(msg.Args) < 4 {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "Payload size for CloseChannel is incorrect")
		return
	}
	id := proto.Uint32LE(msg.Args, 0)
	chID, ok := d.validChannelID(id)
	if !ok || d.channels[chID] == nil {
		d.host.RespondErr(msg.Type, proto.StatusInvalidChannelID, "")
		return
	}
	d.channels[chID].Teardown()
	d.channels[chID] = nil

	if d.noChannelsLive() {
		d.mgr.Reset()
	}

	d.host.RespondOK(msg.Type, nil)
}

// noChannelsLive reports whether every registry slot is empty, the
// point at which the committed baud must return to "uninitialised"
// (spec.md §3: "the value returns to 'uninitialised' only when all
// channels are closed").
func (d *Device) noChannelsLive() bool {
	for i := range d.channels {
		if d.channels[i] != nil {
			return false
		}
	}
	return true
}

// setChannelFilter decodes SET_CHAN_FILT's variable-length layout:
// (channel_id, filter_id, filter_type, mask_len, pattern_len, fc_len,
// mask[], pattern[], fc[]), each leading field a little-endian 32-bit
// word, validates lengths, then routes to the channel.
func (d *Device) setChannelFilter(msg proto.Message) {
	const headerLen = 24
	if len(msg.Args) < headerLen {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "Payload size for SetChannelFilter is incorrect")
		return
	}
	channelID := proto.Uint32LE(msg.Args, 0)
	filterID := proto.Uint32LE(msg.Args, 4)
	filterType := byte(proto.Uint32LE(msg.Args, 8))
	maskLen := proto.Uint32LE(msg.Args, 12)
	patternLen := proto.Uint32LE(msg.Args, 16)
	fcLen := proto.Uint32LE(msg.Args, 20)

	if filterType == proto.FilterFlowControl && fcLen == 0 {
		d.host.RespondErr(msg.Type, proto.StatusNullParameter, "flow control filter requires a flow control id")
		return
	}
	total := headerLen + int(maskLen) + int(patternLen) + int(fcLen)
	if total > len(msg.Args) {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "filter argument lengths disagree with payload size")
		return
	}

	ch, ok := d.channelFor(channelID)
	if !ok {
		d.host.RespondErr(msg.Type, proto.StatusInvalidChannelID, "")
		return
	}

	off := headerLen
	mask := msg.Args[off : off+int(maskLen)]
	off += int(maskLen)
	pattern := msg.Args[off : off+int(patternLen)]
	off += int(patternLen)
	fc := msg.Args[off : off+int(fcLen)]

	err := ch.AddFilter(int(filterID), filterType, mask, pattern, fc)
	d.respond(msg.Type, nil, err)
}

func (d *Device) remChannelFilter(msg proto.Message) {
	if len(msg.Args) < 8 {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "Payload size for RemChannelFilter is incorrect")
		return
	}
	channelID := proto.Uint32LE(msg.Args, 0)
	filterID := proto.Uint32LE(msg.Args, 4)
	ch, ok := d.channelFor(channelID)
	if !ok {
		d.host.RespondErr(msg.Type, proto.StatusInvalidChannelID, "")
		return
	}
	err := ch.RemoveFilter(int(filterID))
	d.respond(msg.Type, nil, err)
}

func (d *Device) txChannelData(msg proto.Message) {
	if len(msg.Args) < 8 {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "Payload size for TxChannelData is incorrect")
		return
	}
	channelID := proto.Uint32LE(msg.Args, 0)
	// txFlags at msg.Args[4:8] is accepted but unused: the source
	// firmware never branches on it either.
	payload := msg.Args[8:]
	ch, ok := d.channelFor(channelID)
	if !ok {
		d.host.RespondErr(msg.Type, proto.StatusInvalidChannelID, "")
		return
	}
	err := ch.Send(payload, true)
	d.respond(msg.Type, nil, err)
}

func (d *Device) ioctlGet(msg proto.Message) {
	if len(msg.Args) < 8 {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "Payload size for IoctlGet is incorrect")
		return
	}
	channelID := proto.Uint32LE(msg.Args, 0)
	optionID := proto.Uint32LE(msg.Args, 4)
	ch, ok := d.channelFor(channelID)
	if !ok {
		d.host.RespondErr(msg.Type, proto.StatusInvalidChannelID, "")
		return
	}
	value, err := ch.IoctlGet(optionID)
	if err != nil {
		se := proto.AsStatusError(err)
		d.host.RespondErr(msg.Type, se.Code, se.Text)
		return
	}
	extra := make([]byte, 4)
	proto.PutUint32LE(extra, 0, value)
	d.host.RespondOK(msg.Type, extra)
}

func (d *Device) ioctlSet(msg proto.Message) {
	if len(msg.Args) < 12 {
		d.host.RespondErr(msg.Type, proto.StatusFailed, "Payload size for IoctlSet is incorrect")
		return
	}
	channelID := proto.Uint32LE(msg.Args, 0)
	optionID := proto.Uint32LE(msg.Args, 4)
	value := proto.Uint32LE(msg.Args, 8)
	ch, ok := d.channelFor(channelID)
	if !ok {
		d.host.RespondErr(msg.Type, proto.StatusInvalidChannelID, "")
		return
	}
	err := ch.IoctlSet(optionID, value)
	d.respond(msg.Type, nil, err)
}

func (d *Device) readBatt(msg proto.Message) {
	v, err := d.info.Battery()
	if err != nil {
		se := proto.AsStatusError(err)
		d.host.RespondErr(msg.Type, se.Code, se.Text)
		return
	}
	extra := make([]byte, 4)
	proto.PutUint32LE(extra, 0, uint32(v*1000))
	d.host.RespondOK(msg.Type, extra)
}

func (d *Device) status(msg proto.Message) {
	var err error
	if len(msg.Args) > 0 && msg.Args[0] == 0 {
		err = d.info.Goodbye()
	} else {
		err = d.info.Hello()
	}
	d.respond(msg.Type, nil, err)
}

func (d *Device) fwVersion(msg proto.Message) {
	d.host.RespondOK(msg.Type, []byte(d.info.Version()))
}

// channelFor bounds-checks id and returns the live channel at that
// slot, or ok=false if the id is out of range or the slot is empty.
func (d *Device) channelFor(id uint32) (channel.Channel, bool) {
	chID, ok := d.validChannelID(id)
	if !ok || d.channels[chID] == nil {
		return nil, false
	}
	return d.channels[chID], true
}

// mailboxSnapshot is a diagnostic view of mailbox ownership, useful
// from tests asserting spec.md §8 invariant 2 (disjoint ownership).
func (d *Device) mailboxSnapshot() [canbus.NumMailboxes]canbus.Mailbox {
	var snap [canbus.NumMailboxes]canbus.Mailbox
	for i := range snap {
		snap[i] = d.mgr.MailboxInfo(i)
	}
	return snap
}
