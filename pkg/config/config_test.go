package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsMemoryAndVirtual(t *testing.T) {
	cfg := Default()
	assert.Equal(t, HostTransportMemory, cfg.HostTransport)
	assert.Equal(t, CANBackendVirtual, cfg.CANBackend)
	assert.Equal(t, Profile2KiB, cfg.Profile)
	assert.EqualValues(t, 2048, cfg.ArgBufferSize())
}

func TestLoadOverlaysSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "j2534fw.ini")
	contents := `
[buffer]
profile = 4k

[host]
transport = serial
serial_device = /dev/ttyUSB0
serial_baud = 230400

[can]
backend = socketcan
socketcan_interface = can0

[isotp]
stmin = 5
block_size = 4
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Profile4KiB, cfg.Profile)
	assert.EqualValues(t, 4096, cfg.ArgBufferSize())
	assert.Equal(t, HostTransportSerial, cfg.HostTransport)
	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialDevice)
	assert.Equal(t, 230400, cfg.SerialBaud)
	assert.Equal(t, CANBackendSocketCAN, cfg.CANBackend)
	assert.Equal(t, "can0", cfg.SocketCANInterface)
	assert.EqualValues(t, 5, cfg.DefaultSTmin)
	assert.EqualValues(t, 4, cfg.DefaultBlockSize)
}

func TestLoadRejectsUnrecognisedProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ini")
	require.NoError(t, os.WriteFile(path, []byte("[buffer]\nprofile = 8k\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}
