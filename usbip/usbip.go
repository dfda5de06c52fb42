// Package usbip implements the wire-level records of the USB/IP protocol:
// the management opcodes (OP_REQ_DEVLIST / OP_REQ_IMPORT and their replies)
// and the URB stream opcodes (USBIP_CMD_SUBMIT / USBIP_CMD_UNLINK and their
// replies). All multi-byte header fields are big-endian on the wire; the
// SETUP packet embedded in CmdSubmit is the literal USB SETUP byte layout
// and is never byte-swapped.
package usbip

import (
	"encoding/binary"
	"io"
)

// Wire constants (network byte order / big-endian).
const (
	Version = 0x0111

	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// Speed encodes USBIP_DEVICE speed values used in Device records.
const (
	SpeedUnknown   = 0
	SpeedLow       = 1
	SpeedFull      = 2
	SpeedWireless  = 3
	SpeedSuper     = 4
	SpeedSuperPlus = 5
)

// NumberOfPacketsNonISO is the magic "not an isochronous transfer" value.
const NumberOfPacketsNonISO = 0xFFFFFFFF

// ReadExactly loops on short reads until buf is full or an error occurs.
func ReadExactly(r io.Reader, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// MgmtHeader is the 8-byte setup header shared by OP_REQ_* / OP_REP_*.
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// ReadStatus reads the 4 status bytes that follow a command word the caller
// has already consumed, and fills in Status; Version and Command are left
// unchanged.
func (h *MgmtHeader) ReadStatus(r io.Reader) error {
	var buf [4]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	h.Status = binary.BigEndian.Uint32(buf[:])
	return nil
}

// DevListReplyHeader follows MgmtHeader in OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries the bus/device identity of one exported device:
// Path (sysfs-style, informational), USBBusId (the "{bus}-{dev}" string,
// NUL-padded), and the numeric BusId/DevId pair.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// Device is the 312-byte USB/IP device record (§8: sizeof(Device) == 312).
type Device struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []Interface
}

// Interface is the 4-byte USB/IP interface record (§8: sizeof(Interface) == 4).
type Interface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, []byte(s))
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// SetBusID fills Path and USBBusId from the numeric bus/dev pair using the
// canonical "{bus}-{dev}" addressing scheme (§3, §8).
func (d *Device) SetBusID(bus, dev uint32) {
	d.BusId = bus
	d.DevId = dev
	id := busIDString(bus, dev)
	putFixedString(d.USBBusId[:], id)
	putFixedString(d.Path[:], "/sys/devices/virtual/usbip/"+id)
}

func busIDString(bus, dev uint32) string {
	return uitoa(bus) + "-" + uitoa(dev)
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// DeviceID packs (bus, dev) into the 32-bit USB/IP device-ID.
func DeviceID(bus, dev uint32) uint32 { return (bus << 16) | dev }

func writeBE(w io.Writer, v any) error { return binary.Write(w, binary.BigEndian, v) }

func (d *Device) writeCommon(w io.Writer) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.USBBusId[:]); err != nil {
		return err
	}
	for _, v := range []uint32{d.BusId, d.DevId, d.Speed} {
		if err := writeBE(w, v); err != nil {
			return err
		}
	}
	for _, v := range []uint16{d.IDVendor, d.IDProduct, d.BcdDevice} {
		if err := writeBE(w, v); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	return err
}

// WriteDevlist writes the Device record followed by its Interface records,
// as used in OP_REP_DEVLIST (§6.1).
func (d *Device) WriteDevlist(w io.Writer) error {
	if err := d.writeCommon(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes just the Device record (no interface records), as used
// in OP_REP_IMPORT (§6.1).
func (d *Device) WriteImport(w io.Writer) error {
	return d.writeCommon(w)
}

// HeaderBasic is the common 20-byte prefix of every URB command/reply
// (§8: sizeof(BasicHeader) == 20).
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (b *HeaderBasic) write(w io.Writer) error {
	for _, v := range []uint32{b.Command, b.Seqnum, b.Devid, b.Dir, b.Ep} {
		if err := writeBE(w, v); err != nil {
			return err
		}
	}
	return nil
}

func (b *HeaderBasic) read(r io.Reader) error {
	var buf [20]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	b.Command = binary.BigEndian.Uint32(buf[0:4])
	b.Seqnum = binary.BigEndian.Uint32(buf[4:8])
	b.Devid = binary.BigEndian.Uint32(buf[8:12])
	b.Dir = binary.BigEndian.Uint32(buf[12:16])
	b.Ep = binary.BigEndian.Uint32(buf[16:20])
	return nil
}

// Setup is the 8-byte USB SETUP packet, carried verbatim (host/little-endian
// byte order, never byte-swapped) inside CmdSubmit (§6.1).
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

func (s *Setup) decode(buf [8]byte) {
	s.RequestType = buf[0]
	s.Request = buf[1]
	s.Value = binary.LittleEndian.Uint16(buf[2:4])
	s.Index = binary.LittleEndian.Uint16(buf[4:6])
	s.Length = binary.LittleEndian.Uint16(buf[6:8])
}

// CmdSubmit is USBIP_CMD_SUBMIT (§8: sizeof == 48, including the 20-byte
// HeaderBasic already read by the dispatcher).
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             Setup
}

// ReadBody reads the portion of CmdSubmit after HeaderBasic (28 bytes).
func (c *CmdSubmit) ReadBody(r io.Reader) error {
	var buf [28]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	c.TransferFlags = binary.BigEndian.Uint32(buf[0:4])
	c.TransferBufferLen = binary.BigEndian.Uint32(buf[4:8])
	c.StartFrame = binary.BigEndian.Uint32(buf[8:12])
	c.NumberOfPackets = binary.BigEndian.Uint32(buf[12:16])
	c.Interval = binary.BigEndian.Uint32(buf[16:20])
	var setup [8]byte
	copy(setup[:], buf[20:28])
	c.Setup.decode(setup)
	return nil
}

// RetSubmit is USBIP_RET_SUBMIT (§8: sizeof == 48).
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	if err := r.Basic.write(w); err != nil {
		return err
	}
	if err := writeBE(w, r.Status); err != nil {
		return err
	}
	for _, v := range []uint32{r.ActualLength, r.StartFrame, r.NumberOfPackets, r.ErrorCount} {
		if err := writeBE(w, v); err != nil {
			return err
		}
	}
	_, err := w.Write(r.Padding[:])
	return err
}

// CmdUnlink is USBIP_CMD_UNLINK (§8: sizeof == 48).
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

// ReadBody reads the portion of CmdUnlink after HeaderBasic (28 bytes).
func (c *CmdUnlink) ReadBody(r io.Reader) error {
	var buf [28]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	c.UnlinkSeqnum = binary.BigEndian.Uint32(buf[0:4])
	copy(c.Padding[:], buf[4:28])
	return nil
}

// RetUnlink is USBIP_RET_UNLINK (§8: sizeof == 48).
type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) Write(w io.Writer) error {
	if err := r.Basic.write(w); err != nil {
		return err
	}
	if err := writeBE(w, r.Status); err != nil {
		return err
	}
	_, err := w.Write(r.Padding[:])
	return err
}

// ReadHeaderBasic reads the 20-byte basic header; used by the dispatcher
// once it has classified the command code from the first 4 bytes.
func ReadHeaderBasic(r io.Reader, commandAlreadyRead uint32) (HeaderBasic, error) {
	var b HeaderBasic
	b.Command = commandAlreadyRead
	var buf [16]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return b, err
	}
	b.Seqnum = binary.BigEndian.Uint32(buf[0:4])
	b.Devid = binary.BigEndian.Uint32(buf[4:8])
	b.Dir = binary.BigEndian.Uint32(buf[8:12])
	b.Ep = binary.BigEndian.Uint32(buf[12:16])
	return b, nil
}
