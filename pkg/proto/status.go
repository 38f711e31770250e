// Package proto defines the wire-level vocabulary shared by the host
// framing layer, the channel registry and the channel implementations: the
// J2534 status codes, protocol/filter/flag identifiers, and the message
// envelope itself.
package proto

// Status is a J2534 PassThru status code, sent as the first argument byte
// of every OK or error reply.
type Status byte

const (
	StatusNoError              Status = 0x00
	StatusNotSupported         Status = 0x01
	StatusInvalidChannelID     Status = 0x02
	StatusInvalidProtocolID    Status = 0x03
	StatusNullParameter        Status = 0x04
	StatusInvalidIoctlValue    Status = 0x05
	StatusInvalidFlags         Status = 0x06
	StatusFailed               Status = 0x07
	StatusDeviceNotConnected   Status = 0x08
	StatusTimeout              Status = 0x09
	StatusInvalidMsg           Status = 0x0A
	StatusInvalidTimeInterval  Status = 0x0B
	StatusExceededLimit        Status = 0x0C
	StatusInvalidMsgID         Status = 0x0D
	StatusDeviceInUse          Status = 0x0E
	StatusInvalidIoctlID       Status = 0x0F
	StatusBufferEmpty          Status = 0x10
	StatusBufferFull           Status = 0x11
	StatusBufferOverflow       Status = 0x12
	StatusPinInvalid           Status = 0x13
	StatusChannelInUse         Status = 0x14
	StatusMsgProtocolID        Status = 0x15
	StatusInvalidFilterID      Status = 0x16
	StatusNoFlowControl        Status = 0x17
	StatusNotUnique            Status = 0x18
	StatusInvalidBaudrate      Status = 0x19
	StatusInvalidDeviceID      Status = 0x1A
)

// StatusError pairs a J2534 status code with the diagnostic text the
// dispatcher stamps onto an error reply. Every error returned by a channel
// or by the registry that should become exactly one host reply is (or
// wraps) a *StatusError.
type StatusError struct {
	Code Status
	Text string
}

func (e *StatusError) Error() string {
	if e.Text == "" {
		return e.Code.String()
	}
	return e.Text
}

// NewStatusError builds a StatusError, the canonical way to reject a host
// command from within a channel or the registry.
func NewStatusError(code Status, text string) *StatusError {
	return &StatusError{Code: code, Text: text}
}

// AsStatusError unwraps err to a *StatusError, falling back to
// StatusFailed with err's own message when it isn't one.
func AsStatusError(err error) *StatusError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*StatusError); ok {
		return se
	}
	return &StatusError{Code: StatusFailed, Text: err.Error()}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown status"
}

var statusNames = map[Status]string{
	StatusNoError:             "no error",
	StatusNotSupported:        "function option is not supported",
	StatusInvalidChannelID:    "channel identifier is not recognized",
	StatusInvalidProtocolID:   "protocol identifier is not recognized",
	StatusNullParameter:       "null parameter",
	StatusInvalidIoctlValue:   "ioctl get/set parameter value is not recognized",
	StatusInvalidFlags:        "flags bit field contains an invalid value",
	StatusFailed:              "unspecified error",
	StatusDeviceNotConnected:  "device is not connected",
	StatusTimeout:             "timeout violation",
	StatusInvalidMsg:          "message is invalid",
	StatusInvalidTimeInterval: "time interval value is outside the specified range",
	StatusExceededLimit:       "limit of filters exceeded",
	StatusInvalidMsgID:        "message identifier is not recognized",
	StatusDeviceInUse:         "device already in use",
	StatusInvalidIoctlID:      "ioctl identifier is not recognized",
	StatusBufferEmpty:         "no messages available",
	StatusBufferFull:          "transmit queue full",
	StatusBufferOverflow:      "receive buffer overflow",
	StatusPinInvalid:          "unknown pin number",
	StatusChannelInUse:        "channel already in use",
	StatusMsgProtocolID:       "message protocol differs from channel protocol",
	StatusInvalidFilterID:     "filter identifier is not recognized",
	StatusNoFlowControl:       "no flow control filter matches",
	StatusNotUnique:           "filter already matches an existing one",
	StatusInvalidBaudrate:     "unable to honour requested baud rate",
	StatusInvalidDeviceID:     "device identifier is not recognized",
}
