// Package framing implements the length-prefixed host <-> firmware wire
// protocol: a streaming inbound assembler tolerant of arbitrary chunking,
// and an outbound encoder that stamps every reply with the last
// host-chosen correlation id.
package framing

import (
	"encoding/binary"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/macchina-m2/j2534fw/pkg/proto"
)

// lengthPrefixSize is the two little-endian length bytes that precede the
// message id, message type and argument payload on the wire.
const lengthPrefixSize = 2

// Framer turns a raw byte stream (whatever the host transport hands it,
// however it is chunked) into complete proto.Message values, and encodes
// outbound replies and log lines in the firmware's fixed record layout.
type Framer struct {
	out io.Writer

	// hdr accumulates the two length-prefix bytes; it may be fed across
	// more than one Feed call if the transport delivers one byte at a time.
	hdr []byte

	// Inbound body assembly state, valid once len(hdr) == lengthPrefixSize.
	reading bool
	target  uint16
	count   uint16
	buf     []byte

	// lastID is stamped onto every reply so the host can correlate;
	// a request with id 0 ("unsolicited") does not update it.
	lastID byte
}

// New creates a Framer that writes outbound records to out.
func New(out io.Writer) *Framer {
	return &Framer{out: out}
}

// Feed appends newly-arrived bytes to the framer's internal cursor and
// returns every complete message they produce, in arrival order. It
// tolerates being called with any chunking the transport delivers,
// including a single byte at a time.
func (f *Framer) Feed(chunk []byte) ([]proto.Message, error) {
	var out []proto.Message
	for len(chunk) > 0 {
		if !f.reading {
			need := lengthPrefixSize - len(f.hdr)
			n := len(chunk)
			if n > need {
				n = need
			}
			f.hdr = append(f.hdr, chunk[:n]...)
			chunk = chunk[n:]
			if len(f.hdr) < lengthPrefixSize {
				return out, nil
			}

			f.target = binary.LittleEndian.Uint16(f.hdr)
			f.hdr = f.hdr[:0]
			if int(f.target) > proto.ArgBufferSize+2 {
				// Declared length exceeds the buffer cap: ERR_FAILED and reset.
				log.WithField("declared_len", f.target).Warn("framing: inbound message exceeds buffer cap, resetting")
				f.reset()
				return out, errDeclaredLengthTooLarge
			}
			if f.target < 2 {
				log.WithField("declared_len", f.target).Warn("framing: inbound message too short for id+type header, resetting")
				f.reset()
				return out, errDeclaredLengthTooShort
			}
			f.buf = make([]byte, f.target)
			f.count = 0
			f.reading = true
			continue
		}

		remaining := int(f.target) - int(f.count)
		n := len(chunk)
		if n > remaining {
			n = remaining
		}
		copy(f.buf[f.count:], chunk[:n])
		f.count += uint16(n)
		chunk = chunk[n:]

		if f.count == f.target {
			msg := proto.Message{
				ID:   f.buf[0],
				Type: f.buf[1],
				Args: append([]byte(nil), f.buf[2:]...),
			}
			if msg.ID != 0 {
				f.lastID = msg.ID
			}
			f.reset()
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *Framer) reset() {
	f.reading = false
	f.target = 0
	f.count = 0
	f.buf = nil
	f.hdr = f.hdr[:0]
}

var errDeclaredLengthTooLarge = proto.NewStatusError(proto.StatusFailed, "declared message length exceeds buffer capacity")
var errDeclaredLengthTooShort = proto.NewStatusError(proto.StatusFailed, "declared message length too short for id and type")

// Send writes a complete outbound record: one byte message id, one byte
// message type, two bytes little-endian argument length, then the
// argument bytes.
func (f *Framer) Send(msgType byte, args []byte) error {
	rec := make([]byte, 4+len(args))
	rec[0] = f.lastID
	rec[1] = msgType
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(args)))
	copy(rec[4:], args)
	_, err := f.out.Write(rec)
	return err
}

// RespondOK sends a success reply for op: status byte 0x00 followed by
// any extra payload.
func (f *Framer) RespondOK(op byte, extra []byte) error {
	args := make([]byte, 1+len(extra))
	args[0] = byte(proto.StatusNoError)
	copy(args[1:], extra)
	return f.Send(op, args)
}

// RespondErr sends an error reply for op: the status byte followed by a
// short diagnostic string.
func (f *Framer) RespondErr(op byte, code proto.Status, text string) error {
	args := make([]byte, 1+len(text))
	args[0] = byte(code)
	copy(args[1:], text)
	return f.Send(op, args)
}

// Log sends an unsolicited MSG_LOG record.
func (f *Framer) Log(text string) error {
	return f.Send(proto.MsgLog, []byte(text))
}

// SendChannelData emits an unsolicited MSG_CHANNEL_DATA record: a
// 32-bit big-endian status word followed by payload. The record's id
// byte carries channelID rather than the usual correlation tag, since
// this record was not requested by any single host message.
func (f *Framer) SendChannelData(channelID byte, status uint32, payload []byte) error {
	args := make([]byte, 4+len(payload))
	proto.PutUint32BE(args, 0, status)
	copy(args[4:], payload)
	rec := make([]byte, 4+len(args))
	rec[0] = channelID
	rec[1] = proto.MsgChannelData
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(args)))
	copy(rec[4:], args)
	_, err := f.out.Write(rec)
	return err
}
