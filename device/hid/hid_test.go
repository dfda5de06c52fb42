package hid_test

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
	"usbipd/device/hid"
	"usbipd/usb"
	"usbipd/usbip"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestMouse(t *testing.T) (*device.Instance, *hid.Device) {
	t.Helper()
	ins, err := device.Create(device.Config{Logger: discardLogger()})
	require.NoError(t, err)

	reportDescriptor := []byte{0x05, 0x01, 0x09, 0x02, 0xA1, 0x01, 0xC0}
	h, err := hid.New(ins.NewBus(), hid.Config{
		VendorID:      0x1209,
		ProductID:     0x0001,
		DeviceVersion: 0x0100,
		Manufacturer:  "usbipd",
		Product:       "Test Mouse",
		Interface:     "Test Mouse",
		SerialNumber:  "1234",
		ReportDescriptors: []hid.ReportDescriptor{
			{Data: reportDescriptor},
		},
		OnGetInputReport: func(req *device.Request, _ uint8, _ uint16) error {
			return req.SendReply([]byte{0x01, 0x02, 0x03})
		},
	})
	require.NoError(t, err)
	return ins, h
}

type wireClient struct {
	t    *testing.T
	conn net.Conn
	seq  uint32
}

func dialInstance(t *testing.T, ins *device.Instance) *wireClient {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ins.Port()))
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	return &wireClient{t: t, conn: conn}
}

func (c *wireClient) writeU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := c.conn.Write(b[:])
	require.NoError(c.t, err)
}

// controlIn sends a USBIP_CMD_SUBMIT for endpoint 0, direction in, with the
// given SETUP packet, and returns (status, payload).
func (c *wireClient) controlIn(requestType, request byte, value, index, length uint16) (int32, []byte) {
	return c.submitIn(0, requestType, request, value, index, length)
}

func (c *wireClient) submitIn(ep uint32, requestType, request byte, value, index, length uint16) (int32, []byte) {
	c.seq++
	c.writeU32(usbip.CmdSubmitCode)
	c.writeU32(c.seq)
	c.writeU32(usbip.DeviceID(1, 1))
	c.writeU32(usbip.DirIn)
	c.writeU32(ep)
	c.writeU32(0) // transfer_flags
	c.writeU32(uint32(length))
	c.writeU32(0) // start_frame
	c.writeU32(0) // number_of_packets
	c.writeU32(0) // interval
	setup := [8]byte{requestType, request}
	binary.LittleEndian.PutUint16(setup[2:4], value)
	binary.LittleEndian.PutUint16(setup[4:6], index)
	binary.LittleEndian.PutUint16(setup[6:8], length)
	_, err := c.conn.Write(setup[:])
	require.NoError(c.t, err)

	retHdr := make([]byte, 20)
	require.NoError(c.t, usbip.ReadExactly(c.conn, retHdr))
	rest := make([]byte, 28)
	require.NoError(c.t, usbip.ReadExactly(c.conn, rest))
	status := int32(binary.BigEndian.Uint32(rest[0:4]))
	actual := binary.BigEndian.Uint32(rest[4:8])
	payload := make([]byte, actual)
	if actual > 0 {
		require.NoError(c.t, usbip.ReadExactly(c.conn, payload))
	}
	return status, payload
}

func TestGetDeviceDescriptor(t *testing.T) {
	ins, _ := newTestMouse(t)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	status, payload := c.controlIn(0x80, 0x06, uint16(usb.TypeDevice)<<8, 0, 64)
	assert.Equal(t, int32(0), status)
	assert.Len(t, payload, usb.DeviceDescLen)
	assert.Equal(t, []byte{0x09, 0x12}, payload[8:10]) // idVendor 0x1209 LE
}

func TestGetConfigurationDescriptor(t *testing.T) {
	ins, _ := newTestMouse(t)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	status, payload := c.controlIn(0x80, 0x06, uint16(usb.TypeConfiguration)<<8, 0, 255)
	assert.Equal(t, int32(0), status)
	// ConfigHeader + Interface + HID(9) + 2 endpoints
	wantLen := usb.ConfigDescLen + usb.InterfaceDescLen + usb.HIDDescLen + usb.EndpointDescLen*2
	assert.Len(t, payload, wantLen)
	assert.Equal(t, byte(usb.TypeConfiguration), payload[1])
}

func TestGetProductString(t *testing.T) {
	ins, _ := newTestMouse(t)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	status, payload := c.controlIn(0x80, 0x06, uint16(usb.TypeString)<<8|2, 0, 255)
	assert.Equal(t, int32(0), status)
	assert.Equal(t, byte(usb.TypeString), payload[1])
}

func TestUnsupportedMSExtendedCompatIDStalls(t *testing.T) {
	ins, _ := newTestMouse(t)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	status, _ := c.controlIn(0xC0, 0x04, 0, 0x04, 255)
	assert.Equal(t, device.StatusStall, status)
}

func TestMarkDirtyDeliversQueuedInterruptIn(t *testing.T) {
	ins, h := newTestMouse(t)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	resultCh := make(chan []byte, 1)
	go func() {
		_, payload := c.submitIn(1, 0, 0, 0, 0, 8)
		resultCh <- payload
	}()

	// Give the server a moment to queue the interrupt-IN request before flushing.
	time.Sleep(50 * time.Millisecond)
	h.MarkDirty()

	select {
	case payload := <-resultCh:
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deferred interrupt-IN reply")
	}
}
