package proto

import "encoding/binary"

// ArgBufferSize bounds a host message's argument payload: the firmware's
// BUFFER_SIZE, fixed here at 2 KiB. It is a plain constant; nothing
// resizes it at runtime, and pkg/config's buffer profile does not change it.
const ArgBufferSize = 2048

// Message types recognised on the host <-> firmware serial link.
const (
	MsgLog           byte = 0x01
	MsgOpenChannel   byte = 0x02
	MsgCloseChannel  byte = 0x03
	MsgChannelData   byte = 0x04
	MsgReadBatt      byte = 0x05
	MsgSetChanFilter byte = 0x06
	MsgRemChanFilter byte = 0x07
	MsgIoctlGet      byte = 0x08
	MsgIoctlSet      byte = 0x09
	MsgStatus        byte = 0xAA
	MsgGetFwVersion  byte = 0xAB
)

// Protocol identifiers (OPEN_CHANNEL's protocol argument).
const (
	ProtocolJ1850VPW   uint32 = 1
	ProtocolJ1850PWM   uint32 = 2
	ProtocolISO9141    uint32 = 3
	ProtocolISO14230   uint32 = 4
	ProtocolCAN        uint32 = 5
	ProtocolISO15765   uint32 = 6
	ProtocolSCIAEngine uint32 = 7
	ProtocolSCIATrans  uint32 = 8
	ProtocolSCIBEngine uint32 = 9
	ProtocolSCIBTrans  uint32 = 10
)

// Channel flags (OPEN_CHANNEL's flags argument).
const (
	FlagCAN29BitID        uint32 = 0x100
	FlagISO9141NoChecksum uint32 = 0x200
	FlagCANIDBoth         uint32 = 0x800
	FlagISO9141KLineOnly  uint32 = 0x1000
)

// Filter types (SET_CHAN_FILT's filter_type argument).
const (
	FilterPass         byte = 1
	FilterBlock        byte = 2
	FilterFlowControl  byte = 3
)

// ISO-TP IOCTL option identifiers.
const (
	IoctlISO15765STmin uint32 = 0x12
	IoctlISO15765BS    uint32 = 0x13
)

// ISO15765FirstFrame is the status word stamped on the early, id-only
// RX_DATA indication emitted when a first-frame arrives: the J2534
// RxStatus bit ISO15765_FIRST_FRAME (0x00000002).
const ISO15765FirstFrame uint32 = 0x00000002

// Message is a decoded host <-> firmware record: a one-byte id (host
// correlation tag, 0 meaning unsolicited), a one-byte type, and an
// argument payload bounded by ArgBufferSize.
type Message struct {
	ID   byte
	Type byte
	Args []byte
}

// PutUint32BE writes v as 4 big-endian bytes into dst[offset:offset+4].
// CAN ids and ISO-TP payload id prefixes are always big-endian on the
// wire, unlike every other 32-bit field in a host message, which is
// little-endian.
func PutUint32BE(dst []byte, offset int, v uint32) {
	binary.BigEndian.PutUint32(dst[offset:offset+4], v)
}

// Uint32BE reads a big-endian 32-bit value from src[offset:offset+4].
func Uint32BE(src []byte, offset int) uint32 {
	return binary.BigEndian.Uint32(src[offset : offset+4])
}

// Uint32LE reads a little-endian 32-bit value from src[offset:offset+4],
// the encoding used for every OPEN_CHANNEL/SET_CHAN_FILT/IOCTL argument.
func Uint32LE(src []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(src[offset : offset+4])
}

// PutUint32LE writes v as 4 little-endian bytes into dst[offset:offset+4].
func PutUint32LE(dst []byte, offset int, v uint32) {
	binary.LittleEndian.PutUint32(dst[offset:offset+4], v)
}
