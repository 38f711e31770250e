package channel

import (
	"github.com/macchina-m2/j2534fw/pkg/canbus"
	"github.com/macchina-m2/j2534fw/pkg/proto"
)

// fakeHost records every reply/log/channel-data call a channel makes,
// standing in for the dispatcher's framing.Framer in tests.
type fakeHost struct {
	oks    []okCall
	errs   []errCall
	logs   []string
	rxData []rxCall
}

type okCall struct {
	op    byte
	extra []byte
}

type errCall struct {
	op   byte
	code proto.Status
	text string
}

type rxCall struct {
	channelID byte
	status    uint32
	payload   []byte
}

func (h *fakeHost) RespondOK(op byte, extra []byte) error {
	h.oks = append(h.oks, okCall{op, append([]byte(nil), extra...)})
	return nil
}

func (h *fakeHost) RespondErr(op byte, code proto.Status, text string) error {
	h.errs = append(h.errs, errCall{op, code, text})
	return nil
}

func (h *fakeHost) Log(text string) error {
	h.logs = append(h.logs, text)
	return nil
}

func (h *fakeHost) SendChannelData(channelID byte, status uint32, payload []byte) error {
	h.rxData = append(h.rxData, rxCall{channelID, status, append([]byte(nil), payload...)})
	return nil
}

func newTestChannelEnv() (*canbus.Manager, *canbus.VirtualController, *fakeHost) {
	ctrl := canbus.NewVirtualController()
	mgr := canbus.NewManager(ctrl)
	return mgr, ctrl, &fakeHost{}
}
