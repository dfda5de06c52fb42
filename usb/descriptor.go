// Package usb builds the packed, little-endian USB descriptor records a
// virtual device advertises to its host: DEVICE, CONFIGURATION, INTERFACE,
// ENDPOINT, HID, HID REPORT and STRING (§6.2). Every Bytes method returns
// exactly the descriptor's fixed wire size; callers compose them in the
// order the USB spec expects.
package usb

import (
	"bytes"
	"encoding/binary"
)

// Descriptor type codes (bDescriptorType).
const (
	TypeDevice        = 0x01
	TypeConfiguration = 0x02
	TypeString        = 0x03
	TypeInterface     = 0x04
	TypeEndpoint      = 0x05
	TypeHID           = 0x21
	TypeHIDReport     = 0x22
)

// Fixed descriptor sizes (§6.2, §8).
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	HIDDescLen       = 9
	HIDReportEntryLen = 3
)

// DeviceDescriptor is the 18-byte standard USB DEVICE descriptor.
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// Bytes returns the 18-byte wire encoding of the DEVICE descriptor.
func (d DeviceDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(TypeDevice)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
	return b.Bytes()
}

// ConfigHeader is the 9-byte CONFIGURATION descriptor header. WTotalLength
// must be patched in by the caller once the whole blob is assembled.
type ConfigHeader struct {
	WTotalLength        uint16
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(ConfigDescLen)
	b.WriteByte(TypeConfiguration)
	_ = binary.Write(&b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
	return b.Bytes()
}

// InterfaceDescriptor is the 9-byte INTERFACE descriptor.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Bytes() []byte {
	return []byte{
		InterfaceDescLen, TypeInterface,
		i.BInterfaceNumber, i.BAlternateSetting, i.BNumEndpoints,
		i.BInterfaceClass, i.BInterfaceSubClass, i.BInterfaceProtocol,
		i.IInterface,
	}
}

// EndpointDescriptor is the 7-byte ENDPOINT descriptor.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

func (e EndpointDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(EndpointDescLen)
	b.WriteByte(TypeEndpoint)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(&b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
	return b.Bytes()
}

// HIDDescriptor is the 9-byte fixed part of the HID class descriptor. Its
// first subordinate HID REPORT entry (type+ReportLength) is encoded inline;
// NumDescriptors must equal 1 plus however many extra HIDReportEntry values
// the caller appends after Bytes() in the CONFIGURATION blob.
type HIDDescriptor struct {
	BcdHID         uint16
	BCountryCode   uint8
	NumDescriptors uint8
	ReportLength   uint16
}

func (h HIDDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(HIDDescLen)
	b.WriteByte(TypeHID)
	_ = binary.Write(&b, binary.LittleEndian, h.BcdHID)
	b.WriteByte(h.BCountryCode)
	b.WriteByte(h.NumDescriptors)
	b.WriteByte(TypeHIDReport)
	_ = binary.Write(&b, binary.LittleEndian, h.ReportLength)
	return b.Bytes()
}

// HIDReportEntry is a HID-descriptor subordinate entry (§6.2: 3 bytes,
// type=0x22, length). Used when more than one report descriptor must be
// advertised within a single HID descriptor's variable tail.
type HIDReportEntry struct {
	Length uint16
}

func (r HIDReportEntry) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(TypeHIDReport)
	_ = binary.Write(&b, binary.LittleEndian, r.Length)
	return b.Bytes()
}

// EncodeString builds a USB STRING descriptor: 1-byte length, 1-byte type
// (0x03), then the UTF-16LE payload (§4.4, §6.2).
func EncodeString(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf))
	buf[1] = TypeString
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}

// LangIDDescriptor builds STRING index 0 (the language-ID list): header
// followed by one little-endian language code (commonly 0x0409, US English).
func LangIDDescriptor(langID uint16) []byte {
	buf := make([]byte, 4)
	buf[0] = 4
	buf[1] = TypeString
	binary.LittleEndian.PutUint16(buf[2:], langID)
	return buf
}
