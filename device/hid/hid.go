// Package hid implements the HIDDevice layer (§4.5): it wraps a
// device.Device and synthesises the chapter-9 + HID-class responses a real
// HID peripheral would give, from a declared DEVICE descriptor, an
// aggregated CONFIGURATION blob, and a set of HID REPORT descriptor blobs.
// It also owns the deferred interrupt-IN queue described in §4.5.3.
package hid

import (
	"sync"

	"usbipd/device"
	"usbipd/internal/errs"
	"usbipd/usb"
)

// Fixed endpoint/interval choices from §4.5.1.
const (
	interruptInEndpoint  = 1
	interruptOutEndpoint = 2
	interruptInPacket    = 8
	interruptOutPacket   = 4
	pollIntervalMs       = 10
)

// Standard request codes used at EP0.
const (
	reqGetStatus     = 0x00
	reqGetDescriptor = 0x06
	reqSetConfig     = 0x09
	reqSetIdle       = 0x0A
)

const (
	bmRequestTypeDeviceToHost = 0x80
	bmRequestTypeStandard     = 0x00
	bmRequestTypeClass        = 0x20
	bmRequestTypeTypeMask     = 0x60
)

// ReportDescriptor is one caller-provided HID REPORT descriptor blob.
type ReportDescriptor struct {
	Data []byte
}

// Config describes a HIDDevice (§6.3).
type Config struct {
	VendorID, ProductID, DeviceVersion uint16
	LanguageID                         uint16 // defaults to 0x0409 (US English)
	Manufacturer, Product, Interface, SerialNumber string

	ReportDescriptors []ReportDescriptor // required, len > 0

	AutoAttach bool
	UserData   any

	// OnGetInputReport is invoked by MarkDirty once per dequeued interrupt-IN
	// request; it must call req.SendReply with the current report (§4.5.3).
	// Class GET_REPORT control requests are not routed to it; they STALL.
	OnGetInputReport func(req *device.Request, reportID uint8, expectedLength uint16) error
	// OnSetOutputReport answers the interrupt-OUT endpoint (0x02). Optional;
	// when nil, output reports are accepted and acknowledged without effect.
	OnSetOutputReport func(req *device.Request, payload []byte) error
}

// Device is a HIDDevice (§3).
type Device struct {
	cfg Config

	deviceDescBytes []byte
	configBlob      []byte
	reportBytes     [][]byte

	dev *device.Device

	queueMu sync.Mutex
	queue   []pendingInput
}

type pendingInput struct {
	req    *device.Request
	length uint16
}

// New builds the descriptors, creates the wrapped device.Device on bus, and
// returns the HIDDevice. Returns ArgumentValidation when required fields are
// missing (§7).
func New(bus *device.Bus, cfg Config) (*Device, error) {
	if len(cfg.ReportDescriptors) == 0 {
		return nil, errs.New(errs.KindArgumentValidation, "hid device requires at least one report descriptor")
	}
	if cfg.OnGetInputReport == nil {
		return nil, errs.New(errs.KindArgumentValidation, "hid device requires OnGetInputReport")
	}
	if cfg.LanguageID == 0 {
		cfg.LanguageID = 0x0409
	}

	h := &Device{cfg: cfg}
	for _, rd := range cfg.ReportDescriptors {
		h.reportBytes = append(h.reportBytes, rd.Data)
	}

	desc := usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BDeviceClass:       0, // per-interface
		BMaxPacketSize0:    0x40,
		IDVendor:           cfg.VendorID,
		IDProduct:          cfg.ProductID,
		BcdDevice:          cfg.DeviceVersion,
		IManufacturer:      1,
		IProduct:           2,
		ISerialNumber:      3,
		BNumConfigurations: 1,
	}
	h.deviceDescBytes = desc.Bytes()
	h.buildDescriptors()

	dev, err := bus.AddDevice(device.Config{
		Descriptor:      desc,
		Interfaces:      []device.InterfaceInfo{{Class: 3 /* HID */}},
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

// Device returns the wrapped device.Device (for bus/bus-ID/attach queries).
func (h *Device) Device() *device.Device { return h.dev }

func (h *Device) buildDescriptors() {
	hidDescLen := usb.HIDDescLen + usb.HIDReportEntryLen*(len(h.reportBytes)-1)
	total := usb.ConfigDescLen + usb.InterfaceDescLen + hidDescLen + usb.EndpointDescLen*2

	var blob []byte
	blob = append(blob, usb.ConfigHeader{
		WTotalLength:        uint16(total),
		BNumInterfaces:      1,
		BConfigurationValue: 1,
		BMAttributes:        0x80 | 0x20, // bus-powered, remote wake
		BMaxPower:           0x32,        // 100mA
	}.Bytes()...)
	blob = append(blob, usb.InterfaceDescriptor{
		BNumEndpoints:      2,
		BInterfaceClass:    3, // HID
		IInterface:         4,
	}.Bytes()...)

	firstReportLen := uint16(len(h.reportBytes[0]))
	blob = append(blob, usb.HIDDescriptor{
		BcdHID:         0x0111,
		NumDescriptors: uint8(len(h.reportBytes)),
		ReportLength:   firstReportLen,
	}.Bytes()...)
	for _, rb := range h.reportBytes[1:] {
		blob = append(blob, usb.HIDReportEntry{Length: uint16(len(rb))}.Bytes()...)
	}

	blob = append(blob, usb.EndpointDescriptor{
		BEndpointAddress: 0x80 | interruptInEndpoint,
		BMAttributes:     0x03, // Interrupt
		WMaxPacketSize:   interruptInPacket,
		BInterval:        pollIntervalMs,
	}.Bytes()...)
	blob = append(blob, usb.EndpointDescriptor{
		BEndpointAddress: interruptOutEndpoint,
		BMAttributes:     0x03,
		WMaxPacketSize:   interruptOutPacket,
		BInterval:        pollIntervalMs,
	}.Bytes()...)

	h.configBlob = blob
}

// MarkDirty consumes the oldest pending interrupt-IN request, if any, and
// invokes OnGetInputReport for it (§4.5.3, §8). A no-op on an empty queue.
// The request is removed from the queue before the callback runs so a
// re-entrant MarkDirty from inside the callback cannot redeliver it.
func (h *Device) MarkDirty() {
	h.queueMu.Lock()
	if len(h.queue) == 0 {
		h.queueMu.Unlock()
		return
	}
	next := h.queue[0]
	h.queue = h.queue[1:]
	h.queueMu.Unlock()

	if err := h.cfg.OnGetInputReport(next.req, 0, next.length); err != nil {
		_ = next.req.SendErrorReply(device.StatusStall)
	}
}

func (h *Device) onInput(req *device.Request, endpoint uint32, requestType, request uint8, value, index, length uint16) error {
	if endpoint == 0 {
		return h.onControlInput(req, requestType, request, value, index, length)
	}
	if endpoint == interruptInEndpoint {
		h.queueMu.Lock()
		h.queue = append(h.queue, pendingInput{req: req.Clone(), length: length})
		h.queueMu.Unlock()
		return nil
	}
	return req.SendErrorReply(device.StatusStall)
}

func (h *Device) onControlInput(req *device.Request, requestType, request uint8, value, index, length uint16) error {
	if requestType == bmRequestTypeDeviceToHost && request == reqGetStatus {
		return req.SendReply([]byte{0})
	}

	if requestType == bmRequestTypeDeviceToHost && request == reqGetDescriptor {
		descType := uint8(value >> 8)
		descIndex := uint8(value)
		switch descType {
		case usb.TypeDevice:
			return req.SendReply(h.deviceDescBytes)
		case usb.TypeConfiguration:
			return req.SendReply(h.configBlob)
		case usb.TypeString:
			return h.sendString(req, descIndex)
		case usb.TypeHIDReport:
			if int(descIndex) >= len(h.reportBytes) {
				return req.SendErrorReply(device.StatusStall)
			}
			return req.SendReply(h.reportBytes[descIndex])
		}
		return req.SendErrorReply(device.StatusStall)
	}

	// Microsoft Extended Compat ID probe: unsupported on generic HID (§4.5.2).
	if requestType == 0xC0 && request == 0x04 {
		return req.SendErrorReply(device.StatusStall)
	}

	return req.SendErrorReply(device.StatusStall)
}

func (h *Device) sendString(req *device.Request, index uint8) error {
	switch index {
	case 0:
		return req.SendReply(usb.LangIDDescriptor(h.cfg.LanguageID))
	case 1:
		return req.SendStringReply(h.cfg.Manufacturer)
	case 2:
		return req.SendStringReply(h.cfg.Product)
	case 3:
		return req.SendStringReply(h.cfg.SerialNumber)
	case 4:
		return req.SendStringReply(h.cfg.Interface)
	default:
		return req.SendErrorReply(device.StatusStall)
	}
}

func (h *Device) onOutput(req *device.Request, endpoint uint32, requestType, request uint8, value, index, length uint16, payload []byte) error {
	if endpoint == 0 {
		typeBits := requestType & bmRequestTypeTypeMask
		if typeBits == bmRequestTypeStandard && request == reqSetConfig {
			return req.SendReply(nil)
		}
		if typeBits == bmRequestTypeClass && request == reqSetIdle {
			if value>>8 == 0 { // infinite duration
				return req.SendReply(nil)
			}
			return req.SendErrorReply(device.StatusStall)
		}
		return req.SendErrorReply(device.StatusStall)
	}

	if endpoint == interruptOutEndpoint {
		if h.cfg.OnSetOutputReport != nil {
			return h.cfg.OnSetOutputReport(req, payload)
		}
		return req.SendReply(nil)
	}

	return req.SendErrorReply(device.StatusStall)
}
