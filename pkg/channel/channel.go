// Package channel implements the two channel variants the registry can
// open: a raw-CAN channel that forwards frames under hardware/software
// filtering, and an ISO-TP channel that runs the ISO 15765-2 segmented
// transport on top of it. Both share the uniform capability set the
// dispatcher drives them through: setup, teardown, add/remove filter,
// send, tick, and ioctl get/set.
package channel

import (
	"time"

	"github.com/macchina-m2/j2534fw/pkg/proto"
)

// Channel is the uniform capability set the registry dispatches
// through, whatever the underlying protocol.
type Channel interface {
	Setup(baud uint32, flags uint32) error
	Teardown()
	AddFilter(filterID int, filterType byte, mask, pattern, flowControl []byte) error
	RemoveFilter(filterID int) error
	Send(payload []byte, respond bool) error
	Tick(now time.Time)
	IoctlGet(optionID uint32) (uint32, error)
	IoctlSet(optionID uint32, value uint32) error
}

// Host is everything a channel needs from the host link: replying to
// the command that is currently being dispatched, and emitting
// unsolicited channel data or log records from a tick.
type Host interface {
	RespondOK(op byte, extra []byte) error
	RespondErr(op byte, code proto.Status, text string) error
	Log(text string) error
	SendChannelData(channelID byte, status uint32, payload []byte) error
}

// assembleBE folds up to 4 bytes into a big-endian uint32, the packing
// every CAN id, mask and pattern on the wire uses.
func assembleBE(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = (v << 8) | uint32(x)
	}
	return v
}

// putBE writes v as 4 big-endian bytes into dst[offset:offset+4].
func putBE(dst []byte, offset int, v uint32) {
	dst[offset] = byte(v >> 24)
	dst[offset+1] = byte(v >> 16)
	dst[offset+2] = byte(v >> 8)
	dst[offset+3] = byte(v)
}

// isExtended implements the corrected flags-bit test: the source's
// `flags & CAN_29BIT_ID > 0` is an operator-precedence bug (it tests
// `flags & 1` because > binds tighter than &). The intended test is a
// bitwise-and against zero.
func isExtended(flags uint32) bool {
	return flags&proto.FlagCAN29BitID != 0
}

var _ Channel = (*RawCANChannel)(nil)
var _ Channel = (*ISOTPChannel)(nil)
