package xpad_test

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
	"usbipd/device/xpad"
	"usbipd/usb"
	"usbipd/usbip"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestPad(t *testing.T, onRumble func(big, small uint8)) (*device.Instance, *xpad.Device) {
	t.Helper()
	ins, err := device.Create(device.Config{Logger: discardLogger()})
	require.NoError(t, err)
	pad, err := xpad.New(ins.NewBus(), xpad.Config{OnRumble: onRumble})
	require.NoError(t, err)
	return ins, pad
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

func (c *wireClient) submit(ep, dir uint32, requestType, request byte, value, index, length uint16, payload []byte) (int32, []byte) {
	c.seq++
	c.writeU32(usbip.CmdSubmitCode)
	c.writeU32(c.seq)
	c.writeU32(usbip.DeviceID(1, 1))
	c.writeU32(dir)
	c.writeU32(ep)
	c.writeU32(0)
	if dir == usbip.DirOut {
		c.writeU32(uint32(len(payload)))
	} else {
		c.writeU32(uint32(length))
	}
	c.writeU32(0)
	c.writeU32(0)
	c.writeU32(0)
	setup := [8]byte{requestType, request}
	binary.LittleEndian.PutUint16(setup[2:4], value)
	binary.LittleEndian.PutUint16(setup[4:6], index)
	binary.LittleEndian.PutUint16(setup[6:8], length)
	_, err := c.conn.Write(setup[:])
	require.NoError(c.t, err)
	if dir == usbip.DirOut && len(payload) > 0 {
		_, err := c.conn.Write(payload)
		require.NoError(c.t, err)
	}

	retHdr := make([]byte, 20)
	require.NoError(c.t, usbip.ReadExactly(c.conn, retHdr))
	rest := make([]byte, 28)
	require.NoError(c.t, usbip.ReadExactly(c.conn, rest))
	status := int32(binary.BigEndian.Uint32(rest[0:4]))
	actual := binary.BigEndian.Uint32(rest[4:8])
	out := make([]byte, actual)
	if actual > 0 {
		require.NoError(c.t, usbip.ReadExactly(c.conn, out))
	}
	return status, out
}

func TestVendorSerialNumberReply(t *testing.T) {
	ins, _ := newTestPad(t, nil)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	status, payload := c.submit(0, usbip.DirIn, 0x40, 0x01, 0, 0, 4, nil)
	assert.Equal(t, int32(0), status)
	assert.Len(t, payload, 4)
}

func TestMSExtendedCompatIDReply(t *testing.T) {
	ins, _ := newTestPad(t, nil)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	status, payload := c.submit(0, usbip.DirIn, 0x40, 0x04, 0, 0x04, 0x28, nil)
	assert.Equal(t, int32(0), status)
	require.Len(t, payload, 0x28)
	assert.Equal(t, uint32(0x28), binary.LittleEndian.Uint32(payload[0:4]))
	assert.Equal(t, "XUSB10", string(payload[18:24]))
}

func TestMSOSStringDescriptor(t *testing.T) {
	ins, _ := newTestPad(t, nil)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	status, payload := c.submit(0, usbip.DirIn, 0x80, 0x06, uint16(usb.TypeString)<<8|0xEE, 0, 0x12, nil)
	assert.Equal(t, int32(0), status)
	require.Len(t, payload, 0x12)
	assert.Equal(t, byte(0x04), payload[16]) // bVendorCode
}

func TestGamepadOutputRumble(t *testing.T) {
	var gotBig, gotSmall uint8
	rumbled := make(chan struct{}, 1)
	ins, _ := newTestPad(t, func(big, small uint8) {
		gotBig, gotSmall = big, small
		rumbled <- struct{}{}
	})
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	status, _ := c.submit(2, usbip.DirOut, 0, 0, 0, 0, 0, []byte{0x00, 0x80, 0x40})
	assert.Equal(t, int32(0), status)

	select {
	case <-rumbled:
	case <-time.After(time.Second):
		t.Fatal("OnRumble was not invoked")
	}
	assert.Equal(t, uint8(0x80), gotBig)
	assert.Equal(t, uint8(0x40), gotSmall)
}

func TestSetStateFlushesGamepadIn(t *testing.T) {
	ins, pad := newTestPad(t, nil)
	defer ins.Close()
	go func() { _ = ins.Run() }()
	defer ins.RequestStop()

	c := dialInstance(t, ins)
	defer c.conn.Close()

	resultCh := make(chan []byte, 1)
	go func() {
		_, payload := c.submit(1, usbip.DirIn, 0, 0, 0, 0, 32, nil)
		resultCh <- payload
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pad.SetState(xpad.State{Buttons: xpad.ButtonA, LeftTrigger: 0xFF}))

	select {
	case payload := <-resultCh:
		require.Len(t, payload, 26)
		assert.Equal(t, xpad.ButtonA, binary.LittleEndian.Uint16(payload[2:4]))
		assert.Equal(t, byte(0xFF), payload[4])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed GamepadIn reply")
	}
}
