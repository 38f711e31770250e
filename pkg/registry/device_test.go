package registry

import (
	"testing"

	"github.com/macchina-m2/j2534fw/pkg/canbus"
	"github.com/macchina-m2/j2534fw/pkg/channel"
	"github.com/macchina-m2/j2534fw/pkg/proto"
)

// recordingHost is the test double standing in for the dispatcher's
// framing.Framer: it records every reply so assertions can check the
// "exactly one reply per request" invariant (spec.md §8 invariant 3).
type recordingHost struct {
	oks    []okReply
	errs   []errReply
	rxData []rxData
}

type okReply struct {
	op    byte
	extra []byte
}

type errReply struct {
	op   byte
	code proto.Status
	text string
}

type rxData struct {
	channelID byte
	status    uint32
	payload   []byte
}

func (h *recordingHost) RespondOK(op byte, extra []byte) error {
	h.oks = append(h.oks, okReply{op, append([]byte(nil), extra...)})
	return nil
}

func (h *recordingHost) RespondErr(op byte, code proto.Status, text string) error {
	h.errs = append(h.errs, errReply{op, code, text})
	return nil
}

func (h *recordingHost) Log(text string) error { return nil }

func (h *recordingHost) SendChannelData(channelID byte, status uint32, payload []byte) error {
	h.rxData = append(h.rxData, rxData{channelID, status, append([]byte(nil), payload...)})
	return nil
}

func (h *recordingHost) replyCount() int { return len(h.oks) + len(h.errs) }

var _ channel.Host = (*recordingHost)(nil)

func openChannelArgs(id, protocolID, baud, flags uint32) []byte {
	args := make([]byte, 16)
	proto.PutUint32LE(args, 0, id)
	proto.PutUint32LE(args, 4, protocolID)
	proto.PutUint32LE(args, 8, baud)
	proto.PutUint32LE(args, 12, flags)
	return args
}

func newTestDevice() (*Device, *recordingHost) {
	host := &recordingHost{}
	return New(canbus.NewVirtualController(), host, nil), host
}

func TestOpenChannelSucceedsForCANAndISOTP(t *testing.T) {
	dev, host := newTestDevice()

	dev.Dispatch(proto.Message{ID: 1, Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)})
	if len(host.oks) != 1 {
		t.Fatalf("expected CAN channel open to succeed, got %+v", host.errs)
	}

	dev.Dispatch(proto.Message{ID: 2, Type: proto.MsgOpenChannel, Args: openChannelArgs(1, proto.ProtocolISO15765, 500000, 0)})
	if len(host.oks) != 2 {
		t.Fatalf("expected ISO15765 channel open to succeed, got %+v", host.errs)
	}
}

// TestOpenChannelAlreadyInUse is boundary behaviour 11.
func TestOpenChannelAlreadyInUse(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)})
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)})

	if len(host.errs) != 1 || host.errs[0].code != proto.StatusChannelInUse {
		t.Fatalf("expected CHANNEL_IN_USE on the second open, got %+v", host.errs)
	}
}

// TestOpenChannelBaudMismatch is scenario S4 / boundary behaviour 12.
func TestOpenChannelBaudMismatch(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)})
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(1, proto.ProtocolCAN, 250000, 0)})

	if len(host.errs) != 1 || host.errs[0].code != proto.StatusFailed {
		t.Fatalf("expected FAILED on a conflicting baud, got %+v", host.errs)
	}
}

func TestOpenChannelUnrecognisedAndUnsupportedProtocol(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, 9999, 500000, 0)})
	if len(host.errs) != 1 || host.errs[0].code != proto.StatusInvalidProtocolID {
		t.Fatalf("expected INVALID_PROTOCOL_ID, got %+v", host.errs)
	}

	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolISO9141, 500000, 0)})
	if len(host.errs) != 2 || host.errs[1].code != proto.StatusNotSupported {
		t.Fatalf("expected NOT_SUPPORTED for a stubbed protocol, got %+v", host.errs)
	}
}

func TestCloseChannelInvalidID(t *testing.T) {
	dev, host := newTestDevice()
	args := make([]byte, 4)
	proto.PutUint32LE(args, 0, 3)
	dev.Dispatch(proto.Message{Type: proto.MsgCloseChannel, Args: args})
	if len(host.errs) != 1 || host.errs[0].code != proto.StatusInvalidChannelID {
		t.Fatalf("expected INVALID_CHANNEL_ID closing an empty slot, got %+v", host.errs)
	}
}

// TestCloseLastChannelReleasesCommittedBaud is spec.md §3's "the value
// returns to uninitialised only when all channels are closed": closing
// the one live channel must free the committed baud, so a later open
// at a different baud on the same id succeeds instead of hitting
// FAILED.
func TestCloseLastChannelReleasesCommittedBaud(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)})
	if len(host.errs) != 0 {
		t.Fatalf("expected the initial open to succeed, got %+v", host.errs)
	}

	closeArgs := make([]byte, 4)
	proto.PutUint32LE(closeArgs, 0, 0)
	dev.Dispatch(proto.Message{Type: proto.MsgCloseChannel, Args: closeArgs})

	if _, set := dev.mgr.CommittedBaud(); set {
		t.Fatal("expected closing the last live channel to clear the committed baud")
	}

	host.oks = nil
	host.errs = nil
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 250000, 0)})
	if len(host.errs) != 0 {
		t.Fatalf("expected reopening at a different baud after the last close to succeed, got %+v", host.errs)
	}
}

// TestCloseOneOfTwoChannelsKeepsCommittedBaud confirms the committed
// baud is only released once every channel is closed, not on every
// close: with a second channel still open, the baud stays committed
// and a conflicting open still fails.
func TestCloseOneOfTwoChannelsKeepsCommittedBaud(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)})
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(1, proto.ProtocolCAN, 500000, 0)})
	if len(host.errs) != 0 {
		t.Fatalf("expected both opens to succeed, got %+v", host.errs)
	}

	closeArgs := make([]byte, 4)
	proto.PutUint32LE(closeArgs, 0, 0)
	dev.Dispatch(proto.Message{Type: proto.MsgCloseChannel, Args: closeArgs})

	if _, set := dev.mgr.CommittedBaud(); !set {
		t.Fatal("expected the committed baud to remain set while channel 1 is still open")
	}

	host.oks = nil
	host.errs = nil
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(2, proto.ProtocolCAN, 250000, 0)})
	if len(host.errs) != 1 || host.errs[0].code != proto.StatusFailed {
		t.Fatalf("expected a conflicting baud open to still fail while channel 1 is live, got %+v", host.errs)
	}
}

// TestISOTPFilterExhaustionViaDispatch is scenario S5: seven flow
// control filter adds succeed, the eighth returns EXCEEDED_LIMIT.
func TestISOTPFilterExhaustionViaDispatch(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolISO15765, 500000, 0)})

	setFilterArgs := func(filterID, maskLen, patternLen, fcLen uint32, mask, pattern, fc []byte) []byte {
		args := make([]byte, 24+len(mask)+len(pattern)+len(fc))
		proto.PutUint32LE(args, 0, 0)
		proto.PutUint32LE(args, 4, filterID)
		proto.PutUint32LE(args, 8, uint32(proto.FilterFlowControl))
		proto.PutUint32LE(args, 12, maskLen)
		proto.PutUint32LE(args, 16, patternLen)
		proto.PutUint32LE(args, 20, fcLen)
		off := 24
		off += copy(args[off:], mask)
		off += copy(args[off:], pattern)
		copy(args[off:], fc)
		return args
	}

	for i := 0; i < canbus.NumMailboxes; i++ {
		mask := []byte{0, 0, 0xFF, 0xFF}
		pattern := []byte{0, 0, byte(0x10 + i), 0x00}
		fc := []byte{0, 0, 0, 1}
		dev.Dispatch(proto.Message{Type: proto.MsgSetChanFilter, Args: setFilterArgs(uint32(i), 4, 4, 4, mask, pattern, fc)})
	}
	if len(host.errs) != 0 {
		t.Fatalf("expected all 7 filters to succeed, got errors: %+v", host.errs)
	}

	mask := []byte{0, 0, 0xFF, 0xFF}
	pattern := []byte{0, 0, 0xFF, 0x00}
	fc := []byte{0, 0, 0, 1}
	dev.Dispatch(proto.Message{Type: proto.MsgSetChanFilter, Args: setFilterArgs(uint32(canbus.NumMailboxes), 4, 4, 4, mask, pattern, fc)})
	if len(host.errs) != 1 || host.errs[0].code != proto.StatusExceededLimit {
		t.Fatalf("expected the eighth filter to hit EXCEEDED_LIMIT, got %+v", host.errs)
	}
}

// TestResetAllChannels is scenario S6 / invariant 4: after Reset, the
// registry is empty, no mailbox is owned, and the committed baud
// returns to uninitialised, so every channel id can be reopened as if
// from boot.
func TestResetAllChannels(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)})
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(1, proto.ProtocolCAN, 500000, 0)})

	dev.Reset()

	for i := range dev.channels {
		if dev.channels[i] != nil {
			t.Fatalf("expected every channel slot empty after reset, slot %d is not", i)
		}
	}
	if _, set := dev.mgr.CommittedBaud(); set {
		t.Fatal("expected the committed baud to be cleared after reset")
	}
	for _, mb := range dev.mailboxSnapshot() {
		if mb.Owned {
			t.Fatal("expected no mailbox to be owned after reset")
		}
	}

	host.oks = nil
	host.errs = nil
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 250000, 0)})
	if len(host.errs) != 0 {
		t.Fatalf("expected reopening at a different baud to succeed after reset, got %+v", host.errs)
	}
}

// TestExactlyOneReplyPerRequest is invariant 3: every dispatched
// request produces exactly one reply, and the reply for a non-zero
// message id carries that same id (stamped by the framer, not the
// registry — here we only check the dispatcher's one-reply guarantee).
func TestExactlyOneReplyPerRequest(t *testing.T) {
	dev, host := newTestDevice()
	reqs := []proto.Message{
		{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)},
		{Type: 0xEE}, // unrecognised type
		{Type: proto.MsgCloseChannel, Args: func() []byte { b := make([]byte, 4); proto.PutUint32LE(b, 0, 0); return b }()},
	}
	for _, r := range reqs {
		before := host.replyCount()
		dev.Dispatch(r)
		if host.replyCount() != before+1 {
			t.Fatalf("expected exactly one reply for %+v, reply count went from %d to %d", r, before, host.replyCount())
		}
	}
}

func TestTxChannelDataRoutesToChannel(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolCAN, 500000, 0)})
	host.oks = nil

	args := make([]byte, 8+6)
	proto.PutUint32LE(args, 0, 0)
	proto.PutUint32LE(args, 4, 0)
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0xAA, 0xBB}
	copy(args[8:], payload)

	dev.Dispatch(proto.Message{Type: proto.MsgChannelData, Args: args})
	if len(host.oks) != 1 {
		t.Fatalf("expected TX_CHAN_DATA to succeed, got errs %+v", host.errs)
	}
}

// TestISOTPDefaultsFromOption confirms WithISOTPDefaults seeds a newly
// opened ISO-TP channel's local block size/STmin instead of
// pkg/channel's own built-in defaults (DESIGN.md's process-config
// -> ISO-TP wiring).
func TestISOTPDefaultsFromOption(t *testing.T) {
	host := &recordingHost{}
	dev := New(canbus.NewVirtualController(), host, nil, WithISOTPDefaults(4, 5))

	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolISO15765, 500000, 0)})
	if len(host.errs) != 0 {
		t.Fatalf("expected channel open to succeed, got %+v", host.errs)
	}
	host.oks = nil

	getArgs := make([]byte, 8)
	proto.PutUint32LE(getArgs, 0, 0)
	proto.PutUint32LE(getArgs, 4, proto.IoctlISO15765BS)
	dev.Dispatch(proto.Message{Type: proto.MsgIoctlGet, Args: getArgs})
	if len(host.oks) != 1 {
		t.Fatalf("expected ioctl get to succeed, got %+v", host.errs)
	}
	if got := proto.Uint32LE(host.oks[0].extra, 0); got != 4 {
		t.Fatalf("expected configured default block size 4, got %d", got)
	}
}

func TestIoctlGetSetViaDispatch(t *testing.T) {
	dev, host := newTestDevice()
	dev.Dispatch(proto.Message{Type: proto.MsgOpenChannel, Args: openChannelArgs(0, proto.ProtocolISO15765, 500000, 0)})
	host.oks = nil

	setArgs := make([]byte, 12)
	proto.PutUint32LE(setArgs, 0, 0)
	proto.PutUint32LE(setArgs, 4, proto.IoctlISO15765BS)
	proto.PutUint32LE(setArgs, 8, 4)
	dev.Dispatch(proto.Message{Type: proto.MsgIoctlSet, Args: setArgs})
	if len(host.oks) != 1 {
		t.Fatalf("expected ioctl set to succeed, got %+v", host.errs)
	}

	getArgs := make([]byte, 8)
	proto.PutUint32LE(getArgs, 0, 0)
	proto.PutUint32LE(getArgs, 4, proto.IoctlISO15765BS)
	dev.Dispatch(proto.Message{Type: proto.MsgIoctlGet, Args: getArgs})
	if len(host.oks) != 2 {
		t.Fatalf("expected ioctl get to succeed, got %+v", host.errs)
	}
	got := proto.Uint32LE(host.oks[1].extra, 0)
	if got != 4 {
		t.Fatalf("expected ioctl get to return 4, got %d", got)
	}
}
