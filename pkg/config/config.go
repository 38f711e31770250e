// Package config loads the firmware process's startup configuration:
// which host transport and CAN backend to wire up, the argument-buffer
// profile, and the default ISO-TP separation time / block size. This
// is process wiring only, read once at boot; the registry, channel and
// canbus packages never import it and take plain constructor arguments
// instead.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Profile names the argument-buffer size profile: 2 KiB on constrained
// hardware, 4 KiB where the host driver negotiates larger transfers. It
// is reported through Config.ArgBufferSize; the framer's cap is
// proto.ArgBufferSize whatever the profile says.
type Profile string

const (
	Profile2KiB Profile = "2k"
	Profile4KiB Profile = "4k"
)

// HostTransport selects how the firmware reaches the host PC.
type HostTransport string

const (
	HostTransportSerial HostTransport = "serial"
	HostTransportMemory HostTransport = "memory"
)

// CANBackend selects the Controller implementation the registry's
// canbus.Manager is built around.
type CANBackend string

const (
	CANBackendSocketCAN CANBackend = "socketcan"
	CANBackendVirtual   CANBackend = "virtual"
)

// Config is the fully-resolved startup configuration.
type Config struct {
	Profile Profile

	HostTransport HostTransport
	SerialDevice  string
	SerialBaud    int

	CANBackend         CANBackend
	SocketCANInterface string

	DefaultSTmin     uint32
	DefaultBlockSize uint32
}

// Default returns the configuration the firmware boots with if no ini
// file is supplied: the in-memory transport and the virtual CAN
// backend, suitable for bench testing without hardware.
func Default() Config {
	return Config{
		Profile:          Profile2KiB,
		HostTransport:    HostTransportMemory,
		SerialDevice:     "/dev/ttyACM0",
		SerialBaud:       115200,
		CANBackend:       CANBackendVirtual,
		DefaultSTmin:     2,
		DefaultBlockSize: 8,
	}
}

// Load reads an ini-format configuration file (the same library and
// section/key style the teacher uses for its EDS loader) and overlays
// it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config: load %q: %w", path, err)
	}

	if sec := f.Section("buffer"); sec != nil {
		if key := sec.Key("profile"); key.String() != "" {
			switch Profile(key.String()) {
			case Profile2KiB, Profile4KiB:
				cfg.Profile = Profile(key.String())
			default:
				return cfg, fmt.Errorf("config: unrecognised buffer profile %q", key.String())
			}
		}
	}

	if sec := f.Section("host"); sec != nil {
		if v := sec.Key("transport").String(); v != "" {
			cfg.HostTransport = HostTransport(v)
		}
		if v := sec.Key("serial_device").String(); v != "" {
			cfg.SerialDevice = v
		}
		if v, err := sec.Key("serial_baud").Int(); err == nil && v != 0 {
			cfg.SerialBaud = v
		}
	}

	if sec := f.Section("can"); sec != nil {
		if v := sec.Key("backend").String(); v != "" {
			cfg.CANBackend = CANBackend(v)
		}
		if v := sec.Key("socketcan_interface").String(); v != "" {
			cfg.SocketCANInterface = v
		}
	}

	if sec := f.Section("isotp"); sec != nil {
		if v, err := sec.Key("stmin").Int(); err == nil && v != 0 {
			cfg.DefaultSTmin = uint32(v)
		}
		if v, err := sec.Key("block_size").Int(); err == nil && v != 0 {
			cfg.DefaultBlockSize = uint32(v)
		}
	}

	return cfg, nil
}

// ArgBufferSize resolves the profile to its byte count: 4096 for the
// 4 KiB profile, 2048 otherwise. pkg/proto.ArgBufferSize is a separate
// constant (2048) and does not follow this value.
func (c Config) ArgBufferSize() int {
	if c.Profile == Profile4KiB {
		return 4096
	}
	return 2048
}
