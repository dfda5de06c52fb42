package usbip_test

import (
	"bytes"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbipd/usbip"
)

func TestMgmtHeaderWrite(t *testing.T) {
	var buf bytes.Buffer
	h := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, []byte{0x01, 0x11, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00}, buf.Bytes())
}

func TestDeviceSetBusID(t *testing.T) {
	var d usbip.Device
	d.SetBusID(1, 2)
	assert.Equal(t, uint32(1), d.BusId)
	assert.Equal(t, uint32(2), d.DevId)
	assert.Equal(t, "1-2\x00", string(d.USBBusId[:4]))
}

func TestDeviceID(t *testing.T) {
	assert.Equal(t, uint32(1<<16|2), usbip.DeviceID(1, 2))
}

func TestWriteDevlistAndImport(t *testing.T) {
	var d usbip.Device
	d.SetBusID(1, 1)
	d.Speed = usbip.SpeedFull
	d.IDVendor = 0x1209
	d.IDProduct = 0x0001
	d.BNumInterfaces = 1
	d.Interfaces = []usbip.Interface{{Class: 3, SubClass: 0, Protocol: 0}}

	var buf bytes.Buffer
	require.NoError(t, d.WriteDevlist(&buf))
	// Path(256) + USBBusId(32) + BusId/DevId/Speed(12) + vendor/product/bcd(6) + 6 class bytes + 4 interface bytes
	assert.Equal(t, 256+32+12+6+6+4, buf.Len())

	var buf2 bytes.Buffer
	require.NoError(t, d.WriteImport(&buf2))
	assert.Equal(t, 256+32+12+6+6, buf2.Len())
}

func TestCmdSubmitReadBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})             // TransferFlags
	buf.Write([]byte{0, 0, 0, 8})             // TransferBufferLen = 8
	buf.Write([]byte{0, 0, 0, 0})             // StartFrame
	buf.Write([]byte{0, 0, 0, 0})             // NumberOfPackets
	buf.Write([]byte{0, 0, 0, 0})             // Interval
	buf.Write([]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}) // GET_DESCRIPTOR(DEVICE), wLength=0x12

	var cs usbip.CmdSubmit
	require.NoError(t, cs.ReadBody(&buf))
	assert.Equal(t, uint32(8), cs.TransferBufferLen)
	assert.Equal(t, uint8(0x80), cs.Setup.RequestType)
	assert.Equal(t, uint8(0x06), cs.Setup.Request)
	assert.Equal(t, uint16(0x0100), cs.Setup.Value)
	assert.Equal(t, uint16(0x0012), cs.Setup.Length)
}

func TestRetSubmitWrite(t *testing.T) {
	ret := usbip.RetSubmit{
		Basic:           usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 1, Devid: usbip.DeviceID(1, 1), Dir: usbip.DirIn, Ep: 0},
		Status:          0,
		ActualLength:    3,
		NumberOfPackets: usbip.NumberOfPacketsNonISO,
	}
	var buf bytes.Buffer
	require.NoError(t, ret.Write(&buf))
	assert.Equal(t, 48, buf.Len())
}

func TestReadExactlyShortReads(t *testing.T) {
	r := iotest.OneByteReader(bytes.NewReader([]byte{1, 2, 3, 4}))
	buf := make([]byte, 4)
	require.NoError(t, usbip.ReadExactly(r, buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}
