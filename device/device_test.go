package device_test

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbipd/device"
	"usbipd/usb"
	"usbipd/usbip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEchoDevice(t *testing.T, bus *device.Bus) *device.Device {
	t.Helper()
	desc := usb.DeviceDescriptor{
		BcdUSB: 0x0200, IDVendor: 0x1209, IDProduct: 0x0001, BcdDevice: 0x0100,
		BMaxPacketSize0: 0x40, BNumConfigurations: 1,
	}
	dev, err := bus.AddDevice(device.Config{
		Descriptor: desc,
		Interfaces: []device.InterfaceInfo{{Class: 3}},
		OnInputRequest: func(req *device.Request, endpoint uint32, requestType, request uint8, value, index, length uint16) error {
			return req.SendReply([]byte{0x42})
		},
	})
	require.NoError(t, err)
	return dev
}

func TestBusIDAndDeviceID(t *testing.T) {
	ins, err := device.Create(device.Config{Logger: discardLogger()})
	require.NoError(t, err)
	defer ins.Close()

	bus := ins.NewBus()
	dev := newEchoDevice(t, bus)
	assert.Equal(t, "1-1", dev.BusID())
	assert.Equal(t, uint32(1<<16|1), dev.DeviceID())
}

func TestInstanceRunDevlist(t *testing.T) {
	ins, err := device.Create(device.Config{Logger: discardLogger()})
	require.NoError(t, err)
	defer ins.Close()

	bus := ins.NewBus()
	newEchoDevice(t, bus)

	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ins.Port()))
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	// OP_REQ_DEVLIST: 4-byte opcode word + 4-byte status.
	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req, usbip.Version<<16|usbip.OpReqDevlist)
	_, err = conn.Write(req)
	require.NoError(t, err)

	hdr := make([]byte, 8)
	require.NoError(t, usbip.ReadExactly(conn, hdr))
	assert.Equal(t, uint16(usbip.Version), binary.BigEndian.Uint16(hdr[0:2]))
	assert.Equal(t, uint16(usbip.OpRepDevlist), binary.BigEndian.Uint16(hdr[2:4]))

	ndevBuf := make([]byte, 4)
	require.NoError(t, usbip.ReadExactly(conn, ndevBuf))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(ndevBuf))
}

func TestInstanceRunSubmitEcho(t *testing.T) {
	ins, err := device.Create(device.Config{Logger: discardLogger()})
	require.NoError(t, err)
	defer ins.Close()

	bus := ins.NewBus()
	newEchoDevice(t, bus)

	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ins.Port()))
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	writeU32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		_, err := conn.Write(b[:])
		require.NoError(t, err)
	}

	// USBIP_CMD_SUBMIT basic header + body, for devid 1<<16|1, endpoint 0, dir in.
	writeU32(usbip.CmdSubmitCode)
	writeU32(1)                         // seqnum
	writeU32(usbip.DeviceID(1, 1))      // devid
	writeU32(usbip.DirIn)               // dir
	writeU32(0)                         // ep
	writeU32(0)                         // transfer_flags
	writeU32(1)                         // transfer_buffer_length
	writeU32(0)                         // start_frame
	writeU32(0)                         // number_of_packets
	writeU32(0)                         // interval
	// 8-byte SETUP packet, contents don't matter for the echo device.
	_, err = conn.Write(make([]byte, 8))
	require.NoError(t, err)

	retHdr := make([]byte, 20)
	require.NoError(t, usbip.ReadExactly(conn, retHdr))
	assert.Equal(t, uint32(usbip.RetSubmitCode), binary.BigEndian.Uint32(retHdr[0:4]))

	rest := make([]byte, 28)
	require.NoError(t, usbip.ReadExactly(conn, rest))
	status := int32(binary.BigEndian.Uint32(rest[0:4]))
	actualLength := binary.BigEndian.Uint32(rest[4:8])
	assert.Equal(t, int32(0), status)
	assert.Equal(t, uint32(1), actualLength)

	payload := make([]byte, actualLength)
	require.NoError(t, usbip.ReadExactly(conn, payload))
	assert.Equal(t, []byte{0x42}, payload)
}
