// Package device implements the virtual USB device model: Instance (the
// USB/IP server), Bus and Device (the registry), and Request (the per-URB
// reply handle). See usb.DeviceDescriptor and usb package for the wire
// descriptors a Device advertises.
//
// Per the "tagged descriptors vs inheritance" design note, a Device is
// plain state plus a pair of callback closures, not a base type other
// profiles subclass: HIDDevice and XPad (in sibling packages) build a
// Device via Bus.AddDevice and close over their own state in the callbacks
// they hand it.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"usbipd/internal/errs"
	"usbipd/usb"
	"usbipd/usbip"
)

// InputHandler answers a direction=In URB (§4.3).
type InputHandler func(req *Request, endpoint uint32, requestType, request uint8, value, index, length uint16) error

// OutputHandler answers a direction=Out URB (§4.3). payload is nil when
// transferBufferLength was 0.
type OutputHandler func(req *Request, endpoint uint32, requestType, request uint8, value, index, length uint16, payload []byte) error

// Config describes a Device to be created (§6.3).
type Config struct {
	Descriptor usb.DeviceDescriptor
	Interfaces []InterfaceInfo
	// Speed is the USB/IP speed code for the Device record (§6.1). Zero
	// defaults to usbip.SpeedFull.
	Speed           uint32
	AutoAttach      bool
	UserData        any
	OnInputRequest  InputHandler  // required
	OnOutputRequest OutputHandler // optional; defaults to defaultOutputHandler
}

// InterfaceInfo is the class/subclass/protocol triplet for one USB/IP
// Interface record (§6.1: 4 bytes on the wire, last byte padding).
type InterfaceInfo struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// Device is a virtual USB device attached to a Bus (§3).
type Device struct {
	descriptor usb.DeviceDescriptor
	interfaces []InterfaceInfo
	speed      uint32
	onInput    InputHandler
	onOutput   OutputHandler
	autoAttach bool
	userData   any

	bus    *Bus
	busNum uint32
	devNum uint32
}

// New validates cfg and constructs a standalone Device. Most callers use
// Bus.AddDevice, which also assigns the device its bus address.
func New(cfg Config) (*Device, error) {
	if cfg.OnInputRequest == nil {
		return nil, errs.New(errs.KindArgumentValidation, "device requires OnInputRequest")
	}
	if len(cfg.Interfaces) == 0 {
		return nil, errs.New(errs.KindArgumentValidation, "device requires at least one interface")
	}
	onOutput := cfg.OnOutputRequest
	if onOutput == nil {
		onOutput = defaultOutputHandler
	}
	speed := cfg.Speed
	if speed == 0 {
		speed = usbip.SpeedFull
	}
	return &Device{
		descriptor: cfg.Descriptor,
		interfaces: append([]InterfaceInfo(nil), cfg.Interfaces...),
		speed:      speed,
		onInput:    cfg.OnInputRequest,
		onOutput:   onOutput,
		autoAttach: cfg.AutoAttach,
		userData:   cfg.UserData,
	}, nil
}

// defaultOutputHandler implements §4.3's default OnOutputRequest: succeed
// silently on a Standard SET_CONFIGURATION, STALL everything else.
func defaultOutputHandler(req *Request, _ uint32, requestType, request uint8, _, _, _ uint16, _ []byte) error {
	const (
		reqTypeTypeMask = 0x60
		reqTypeStandard = 0x00
		setConfiguration = 0x09
	)
	if requestType&reqTypeTypeMask == reqTypeStandard && request == setConfiguration {
		return req.SendReply(nil)
	}
	return req.SendErrorReply(StatusStall)
}

// StatusStall is the Linux -EPIPE convention USB/IP uses to signal STALL.
const StatusStall int32 = -32

func (d *Device) UserData() any { return d.userData }

// AutoAttach reports whether Run should local-attach this device on startup
// (§4.1).
func (d *Device) AutoAttach() bool { return d.autoAttach }

// BusID returns the canonical "{bus}-{dev}" address (§3). Valid only once
// the device has been appended to a Bus.
func (d *Device) BusID() string { return fmt.Sprintf("%d-%d", d.busNum, d.devNum) }

// DeviceID returns the packed (bus<<16)|dev USB/IP device-ID (§3, §6.1).
func (d *Device) DeviceID() uint32 { return usbip.DeviceID(d.busNum, d.devNum) }

func (d *Device) exportDevice() usbip.Device {
	desc := d.descriptor
	rec := usbip.Device{
		Speed:               d.speed,
		IDVendor:            desc.IDVendor,
		IDProduct:           desc.IDProduct,
		BcdDevice:           desc.BcdDevice,
		BDeviceClass:        desc.BDeviceClass,
		BDeviceSubClass:     desc.BDeviceSubClass,
		BDeviceProtocol:     desc.BDeviceProtocol,
		BConfigurationValue: 1,
		BNumConfigurations:  desc.BNumConfigurations,
		BNumInterfaces:      uint8(len(d.interfaces)),
	}
	rec.SetBusID(d.busNum, d.devNum)
	for _, i := range d.interfaces {
		rec.Interfaces = append(rec.Interfaces, usbip.Interface{Class: i.Class, SubClass: i.SubClass, Protocol: i.Protocol})
	}
	return rec
}

// Bus is an ordered sequence of Device handles; its number is its 1-based
// index within the owning Instance (§3).
type Bus struct {
	instance *Instance
	num      uint32

	mu      sync.Mutex
	devices []*Device
}

// AddDevice validates cfg, appends a new Device to the bus, and returns it.
// Per §5, buses/devices are meant to be built before Run and are
// append-only afterwards; callers must not call AddDevice concurrently with
// Run.
func (b *Bus) AddDevice(cfg Config) (*Device, error) {
	dev, err := New(cfg)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dev.bus = b
	dev.busNum = b.num
	dev.devNum = uint32(len(b.devices)) + 1
	b.devices = append(b.devices, dev)
	return dev, nil
}

// Devices returns the devices currently on the bus, in address order.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Device(nil), b.devices...)
}

// Num is the bus's 1-based index.
func (b *Bus) Num() uint32 { return b.num }

// Request is the opaque handle passed to a Device's callbacks for one URB
// (§4.4). Exactly one of SendReply/SendStringReply/SendErrorReply must be
// called on it, unless it is deferred via Clone for a later reply.
type Request struct {
	device            *Device
	conn              *connWriter
	seqnum            uint32
	devid             uint32
	dir               uint32
	ep                uint32
	transferBufferLen uint32
	replied           atomic.Bool
}

// TransferBufferLength is the length the client reserved for the reply.
func (r *Request) TransferBufferLength() uint32 { return r.transferBufferLen }

// Device returns the device this request was dispatched to.
func (r *Request) Device() *Device { return r.device }

// SendReply builds and sends USBIP_RET_SUBMIT followed by
// min(len(data), TransferBufferLength) payload bytes (§4.4).
func (r *Request) SendReply(data []byte) error {
	n := uint32(len(data))
	if n > r.transferBufferLen {
		n = r.transferBufferLen
	}
	return r.sendRetSubmit(0, data[:n])
}

// SendStringReply packages s as a USB STRING descriptor (header + UTF-16LE
// payload) and sends it via SendReply (§4.4).
func (r *Request) SendStringReply(s string) error {
	return r.SendReply(usb.EncodeString(s))
}

// SendErrorReply sends USBIP_RET_SUBMIT with the given status and zero
// actualLength. Convention: status = -32 (StatusStall) signals STALL.
func (r *Request) SendErrorReply(status int32) error {
	return r.sendRetSubmit(status, nil)
}

func (r *Request) sendRetSubmit(status int32, payload []byte) error {
	if !r.replied.CompareAndSwap(false, true) {
		return errs.New(errs.KindProtocol, "request already replied to")
	}
	ret := usbip.RetSubmit{
		Basic: usbip.HeaderBasic{
			Command: usbip.RetSubmitCode,
			Seqnum:  r.seqnum,
			Devid:   r.devid,
			Dir:     r.dir,
			Ep:      r.ep,
		},
		Status:          status,
		ActualLength:    uint32(len(payload)),
		NumberOfPackets: usbip.NumberOfPacketsNonISO,
	}
	return r.conn.writeReply(&ret, payload)
}

// Clone returns a copy of the Request that can outlive the callback's
// dynamic extent, for deferring an interrupt-IN reply (§4.4). Go's garbage
// collector keeps the clone alive on its own; Destroy exists for API
// parity with the original ownership-transfer contract and is a no-op.
func (r *Request) Clone() *Request {
	clone := &Request{
		device:            r.device,
		conn:              r.conn,
		seqnum:            r.seqnum,
		devid:             r.devid,
		dir:               r.dir,
		ep:                r.ep,
		transferBufferLen: r.transferBufferLen,
	}
	clone.replied.Store(r.replied.Load())
	return clone
}

// Destroy releases a cloned Request. The Go implementation has nothing to
// free; kept so callers following the original API still compile cleanly.
func (r *Request) Destroy() {}
