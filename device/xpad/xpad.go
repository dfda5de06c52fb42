// Package xpad implements the XPad profile (§4.6): a vendor-specific XUSB
// gamepad (class 0xFF/sub 0x5D/proto 0x01) that Windows' built-in xusb22.sys
// binds to without any extra driver install. It wraps a device.Device the
// same way device/hid does, but answers its own descriptor set and its own
// two-endpoint (GamepadIn/GamepadOut) state protocol instead of a HID report
// descriptor.
package xpad

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"usbipd/device"
	"usbipd/internal/errs"
	"usbipd/usb"
)

const (
	epControl    = 0
	epGamepadIn  = 1
	epGamepadOut = 2
)

// Button bits for State.Buttons (§4.6).
const (
	ButtonDPadUp        uint16 = 1 << 0
	ButtonDPadDown      uint16 = 1 << 1
	ButtonDPadLeft      uint16 = 1 << 2
	ButtonDPadRight     uint16 = 1 << 3
	ButtonStart         uint16 = 1 << 4
	ButtonBack          uint16 = 1 << 5
	ButtonLeftThumb     uint16 = 1 << 6
	ButtonRightThumb    uint16 = 1 << 7
	ButtonLeftShoulder  uint16 = 1 << 8
	ButtonRightShoulder uint16 = 1 << 9
	ButtonGuide         uint16 = 1 << 10
	ButtonBinding       uint16 = 1 << 11
	ButtonA             uint16 = 1 << 12
	ButtonB             uint16 = 1 << 13
	ButtonX             uint16 = 1 << 14
	ButtonY             uint16 = 1 << 15
)

// State is the 12-byte XUSB gamepad state block.
type State struct {
	Buttons                   uint16
	LeftTrigger, RightTrigger uint8
	ThumbLeftX, ThumbLeftY    int16
	ThumbRightX, ThumbRightY  int16
}

// request type helpers, mirrored from the chapter-9 bmRequestType layout.
const (
	reqTypeTypeMask = 0x60
	reqTypeStandard = 0x00
	reqTypeVendor   = 0x40
	reqTypeRecipientMask = 0x1F
	reqRecipientDevice   = 0x00
)

// Config describes an XPad instance (§6.3, §4.6).
type Config struct {
	AutoAttach bool
	UserData   any
	// OnRumble is invoked when the host writes a rumble-motor control
	// report (report ID 0) to the GamepadOut endpoint.
	OnRumble func(big, small uint8)
}

var serialCounter atomic.Uint32

// Device is an XPad virtual gamepad.
type Device struct {
	cfg Config
	dev *device.Device

	deviceDescBytes []byte
	configBlob      []byte
	serial          uint32

	mu       sync.Mutex
	state    State
	ledState uint8
	rumbleLevel uint8

	queueMu sync.Mutex
	queue   []*device.Request
}

// New creates an XPad on bus.
func New(bus *device.Bus, cfg Config) (*Device, error) {
	h := &Device{cfg: cfg, serial: nextSerial()}

	desc := usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BDeviceClass:       0xFF,
		BDeviceSubClass:    0xFF,
		BDeviceProtocol:    0xFF,
		BMaxPacketSize0:    0x08,
		IDVendor:           0x1209, // pid.codes open source
		IDProduct:          0x0003,
		BcdDevice:          0x0100,
		IManufacturer:      1,
		IProduct:           2,
		ISerialNumber:      3,
		BNumConfigurations: 1,
	}
	h.deviceDescBytes = desc.Bytes()
	h.buildConfigBlob()

	dev, err := bus.AddDevice(device.Config{
		Descriptor: desc,
		Interfaces: []device.InterfaceInfo{
			{Class: 0xFF, SubClass: 0x5D, Protocol: 0x01}, // XUSB gamepad
		},
		AutoAttach:      cfg.AutoAttach,
		UserData:        cfg.UserData,
		OnInputRequest:  h.onInput,
		OnOutputRequest: h.onOutput,
	})
	if err != nil {
		return nil, err
	}
	h.dev = dev
	return h, nil
}

func nextSerial() uint32 {
	n := serialCounter.Add(1)
	return (0x1209_0003 ^ n) & 0xffff_ff0f
}

// Device returns the wrapped device.Device.
func (h *Device) Device() *device.Device { return h.dev }

// xusbInterfaceDescriptor is the vendor-specific XUSB capability descriptor
// following the standard INTERFACE descriptor (§4.6): bcdXUSB, subtype,
// input/output report tables. Not a generic usb package type since it is
// specific to this one device class.
func xusbInterfaceDescriptorBytes() []byte {
	const (
		inputReportCount  = 3
		outputReportCount = 3
		gamepadInputReportLen        = 20 // bReportID+bSize+State(12)+padding(6)
		gamepadLEDStatusReportLen    = 3
		gamepadRumbleLevelStatusLen  = 3
		gamepadRumbleMotorControlLen = 8
		gamepadLEDControlLen         = 3
		gamepadRumbleLevelControlLen = 3
	)
	var b bytes.Buffer
	b.WriteByte(15) // bLength: the 15 bytes written below
	b.WriteByte(0x21) // bDescriptorType
	_ = binary.Write(&b, binary.LittleEndian, uint16(0x0100)) // bcdXUSB
	b.WriteByte(0x01)                                         // bDeviceSubtype: wired controller
	_ = binary.Write(&b, binary.LittleEndian, uint16(0x8100|0x20|inputReportCount))
	b.WriteByte(gamepadInputReportLen)
	b.WriteByte(gamepadLEDStatusReportLen)
	b.WriteByte(gamepadRumbleLevelStatusLen)
	_ = binary.Write(&b, binary.LittleEndian, uint16(0x0200|0x10|outputReportCount))
	b.WriteByte(gamepadRumbleMotorControlLen)
	b.WriteByte(gamepadLEDControlLen)
	b.WriteByte(gamepadRumbleLevelControlLen)
	return b.Bytes()
}

func (h *Device) buildConfigBlob() {
	xusb := xusbInterfaceDescriptorBytes()
	total := usb.ConfigDescLen + usb.InterfaceDescLen + len(xusb) + usb.EndpointDescLen*2

	var blob []byte
	blob = append(blob, usb.ConfigHeader{
		WTotalLength:        uint16(total),
		BNumInterfaces:      1,
		BConfigurationValue: 1,
		BMAttributes:        0x80 | 0x20, // bus-powered, remote wake
		BMaxPower:           0x32,
	}.Bytes()...)
	blob = append(blob, usb.InterfaceDescriptor{
		BNumEndpoints:      2,
		BInterfaceClass:    0xFF,
		BInterfaceSubClass: 0x5D,
		BInterfaceProtocol: 0x01,
	}.Bytes()...)
	blob = append(blob, xusb...)
	blob = append(blob, usb.EndpointDescriptor{
		BEndpointAddress: 0x80 | epGamepadIn,
		BMAttributes:     0x03,
		WMaxPacketSize:   0x0020,
		BInterval:        0x04,
	}.Bytes()...)
	blob = append(blob, usb.EndpointDescriptor{
		BEndpointAddress: epGamepadOut,
		BMAttributes:     0x03,
		WMaxPacketSize:   0x0020,
		BInterval:        0x08,
	}.Bytes()...)
	h.configBlob = blob
}

// SetState replaces the gamepad's reported state and flushes any pending
// GamepadIn requests with it (§4.6, supplemented convenience wrapper).
func (h *Device) SetState(s State) error {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.flush()
	return nil
}

// UpdateInPlace lets the caller mutate the current state under lock without
// a full copy, then flushes pending GamepadIn requests (§4.6).
func (h *Device) UpdateInPlace(fn func(*State)) error {
	if fn == nil {
		return errs.New(errs.KindArgumentValidation, "UpdateInPlace requires a callback")
	}
	h.mu.Lock()
	fn(&h.state)
	h.mu.Unlock()
	h.flush()
	return nil
}

func (h *Device) flush() {
	h.queueMu.Lock()
	pending := h.queue
	h.queue = nil
	h.queueMu.Unlock()

	report := h.buildInputReport()
	for _, req := range pending {
		_ = req.SendReply(report)
	}
}

func (h *Device) buildInputReport() []byte {
	h.mu.Lock()
	state := h.state
	led := h.ledState
	rumbleLevel := h.rumbleLevel
	h.mu.Unlock()

	var b bytes.Buffer
	b.WriteByte(0x00) // bReportID
	b.WriteByte(20)   // bSize
	_ = binary.Write(&b, binary.LittleEndian, state.Buttons)
	b.WriteByte(state.LeftTrigger)
	b.WriteByte(state.RightTrigger)
	_ = binary.Write(&b, binary.LittleEndian, state.ThumbLeftX)
	_ = binary.Write(&b, binary.LittleEndian, state.ThumbLeftY)
	_ = binary.Write(&b, binary.LittleEndian, state.ThumbRightX)
	_ = binary.Write(&b, binary.LittleEndian, state.ThumbRightY)
	b.Write(make([]byte, 6)) // padding
	b.WriteByte(0x01)        // LED report ID
	b.WriteByte(3)           // LED report size
	b.WriteByte(led)
	b.WriteByte(0x03) // rumble-level report ID
	b.WriteByte(3)    // rumble-level report size
	b.WriteByte(rumbleLevel)
	return b.Bytes()
}

func (h *Device) onInput(req *device.Request, endpoint uint32, requestType, request uint8, value, index, length uint16) error {
	switch endpoint {
	case epControl:
		return h.onControlInput(req, requestType, request, value, index, length)
	case epGamepadIn:
		if requestType != 0 || request != 0 {
			return req.SendErrorReply(device.StatusStall)
		}
		h.queueMu.Lock()
		h.queue = append(h.queue, req.Clone())
		h.queueMu.Unlock()
		return nil
	}
	return req.SendErrorReply(device.StatusStall)
}

func (h *Device) onControlInput(req *device.Request, requestType, request uint8, value, index, _ uint16) error {
	typeBits := requestType & reqTypeTypeMask
	recipient := requestType & reqTypeRecipientMask

	if typeBits == reqTypeStandard {
		switch request {
		case 0x00: // GET_STATUS
			return req.SendReply([]byte{0, 0})
		case 0x06: // GET_DESCRIPTOR
			descType := uint8(value >> 8)
			descIndex := uint8(value)
			switch descType {
			case usb.TypeDevice:
				return req.SendReply(h.deviceDescBytes)
			case usb.TypeConfiguration:
				return req.SendReply(h.configBlob)
			case usb.TypeString:
				return h.sendString(req, descIndex)
			}
			return req.SendErrorReply(device.StatusStall)
		}
		return req.SendErrorReply(device.StatusStall)
	}

	if typeBits == reqTypeVendor {
		if request == 0x04 && index == 0x04 {
			return req.SendReply(msExtendedCompatIDReply())
		}
		if recipient == reqRecipientDevice && request == 0x01 {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, h.serial)
			return req.SendReply(buf)
		}
		return req.SendErrorReply(device.StatusStall)
	}

	return req.SendErrorReply(device.StatusStall)
}

// stringIndex mapping is fixed by the XUSB spec (§4.6): 1=Manufacturer,
// 2=Product, 3=SerialNumber, 0xEE=Microsoft OS string.
func (h *Device) sendString(req *device.Request, index uint8) error {
	switch index {
	case 0:
		return req.SendReply(usb.LangIDDescriptor(0x0409))
	case 1:
		return req.SendStringReply("USB/IP virtual gamepad")
	case 2:
		return req.SendStringReply("XBOX 360 For Windows")
	case 3:
		return req.SendStringReply("1234")
	case 0xEE:
		return req.SendReply(msOSStringReply())
	default:
		return req.SendErrorReply(device.StatusStall)
	}
}

// msOSStringReply is the fixed "MSFT100" OS string descriptor (§4.6) that
// tells Windows to probe for the Extended Compatible ID with vendor code 4.
func msOSStringReply() []byte {
	b := make([]byte, 0x12)
	b[0] = 0x12
	b[1] = usb.TypeString
	copy(b[2:], []byte{'M', 0, 'S', 0, 'F', 0, 'T', 0, '1', 0, '0', 0, '0', 0})
	b[16] = 0x04 // bVendorCode
	b[17] = 0x00 // bPad
	return b
}

// msExtendedCompatIDReply advertises the XUSB10 compatible ID so Windows
// binds xusb22.sys without a driver prompt (§4.6).
func msExtendedCompatIDReply() []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, uint32(0x28)) // dwLength
	_ = binary.Write(&b, binary.LittleEndian, uint16(0x0100))
	_ = binary.Write(&b, binary.LittleEndian, uint16(0x0004))
	b.WriteByte(0x01)             // bCount
	b.Write(make([]byte, 7))      // reserved
	b.WriteByte(0x00)             // bFirstInterfaceNumber
	b.WriteByte(0x01)             // bNumInterfaces
	b.WriteString("XUSB10\x00\x00")
	b.Write(make([]byte, 8))  // subCompatibleID
	b.Write(make([]byte, 6))  // reserved
	return b.Bytes()
}

func (h *Device) onOutput(req *device.Request, endpoint uint32, requestType, request uint8, _, _, _ uint16, payload []byte) error {
	switch endpoint {
	case epControl:
		if requestType&reqTypeTypeMask == reqTypeStandard && (request == 0x09 || request == 0x0A) {
			return req.SendReply(nil)
		}
		return req.SendErrorReply(device.StatusStall)
	case epGamepadOut:
		return h.onGamepadOutput(req, payload)
	}
	return req.SendErrorReply(device.StatusStall)
}

func (h *Device) onGamepadOutput(req *device.Request, payload []byte) error {
	if len(payload) < 3 {
		return req.SendErrorReply(device.StatusStall)
	}
	switch payload[0] {
	case 0x00: // rumble motors
		if h.cfg.OnRumble != nil {
			h.cfg.OnRumble(payload[1], payload[2])
		}
		return req.SendReply(nil)
	case 0x01: // LEDs
		h.mu.Lock()
		h.ledState = payload[2]
		h.mu.Unlock()
		return req.SendReply(nil)
	case 0x02: // rumble level
		h.mu.Lock()
		h.rumbleLevel = payload[2]
		h.mu.Unlock()
		return req.SendReply(nil)
	}
	return req.SendErrorReply(device.StatusStall)
}
