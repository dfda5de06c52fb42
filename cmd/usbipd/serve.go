package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"usbipd/device"
	"usbipd/device/hid"
	"usbipd/device/xpad"
	applog "usbipd/internal/log"
	"usbipd/localattach"
)

// ServeCmd runs one built-in device profile's Instance until interrupted.
type ServeCmd struct {
	Port        uint16 `help:"TCP port to listen on (0 picks an ephemeral port)" default:"3240"`
	AllowRemote bool   `help:"listen on all interfaces instead of loopback only"`
	AutoAttach  bool   `help:"auto-attach the device to this host on startup" default:"true"`
	NativeIOCTL bool   `help:"use the usbip-win2 IOCTL path instead of shelling out to usbip.exe (Windows only)"`
	Profile     string `help:"device profile to expose" enum:"mouse,xpad,hidpad" default:"mouse"`
}

// Run is called by Kong when "serve" is selected.
func (c *ServeCmd) Run(logger *slog.Logger, rawLogger applog.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.AutoAttach {
		logger.Info("checking auto-attach prerequisites")
		if !localattach.CheckPrerequisites(c.NativeIOCTL, logger) {
			logger.Warn("auto-attach prerequisites not met; the device will not attach automatically")
		}
	}

	ins, err := device.Create(device.Config{
		Port:        c.Port,
		AllowRemote: c.AllowRemote,
		Logger:      logger,
		RawLogger:   rawLogger,
		OnAttach:    localattach.NewAttachFunc(logger, c.NativeIOCTL),
	})
	if err != nil {
		return err
	}
	defer ins.Close()

	bus := ins.NewBus()
	if err := addProfile(bus, c.Profile, c.AutoAttach); err != nil {
		return err
	}

	logger.Info("usbipd serving", "profile", c.Profile, "port", ins.Port())

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- ins.Run() }()

	select {
	case <-ctx.Done():
		ins.RequestStop()
		return <-runErrCh
	case err := <-runErrCh:
		return err
	}
}

func addProfile(bus *device.Bus, profile string, autoAttach bool) error {
	switch profile {
	case "mouse":
		_, err := hid.New(bus, hid.Config{
			VendorID:      0x1209,
			ProductID:     0x0001,
			DeviceVersion: 0x0100,
			Manufacturer:  "usbipd",
			Product:       "Virtual Mouse",
			Interface:     "Virtual Mouse",
			SerialNumber:  "1234",
			ReportDescriptors: []hid.ReportDescriptor{
				{Data: builtinMouseReportDescriptor},
			},
			AutoAttach:       autoAttach,
			OnGetInputReport: func(req *device.Request, _ uint8, _ uint16) error { return req.SendReply([]byte{0, 0, 0}) },
		})
		return err
	case "xpad":
		_, err := xpad.New(bus, xpad.Config{AutoAttach: autoAttach})
		return err
	case "hidpad":
		_, err := hid.New(bus, hid.Config{
			VendorID:      0x1209,
			ProductID:     0x0002,
			DeviceVersion: 0x0100,
			Manufacturer:  "usbipd",
			Product:       "Virtual HID Gamepad",
			Interface:     "Virtual HID Gamepad",
			SerialNumber:  "1234",
			ReportDescriptors: []hid.ReportDescriptor{
				{Data: builtinHIDPadReportDescriptor},
			},
			AutoAttach:       autoAttach,
			OnGetInputReport: func(req *device.Request, _ uint8, _ uint16) error { return req.SendReply([]byte{0, 0, 0}) },
		})
		return err
	default:
		return fmt.Errorf("unknown profile %q", profile)
	}
}

// builtinMouseReportDescriptor describes a 3-byte relative mouse report
// (buttons, X, Y).
var builtinMouseReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x02, 0xA1, 0x01, 0x09, 0x01, 0xA1, 0x00,
	0x05, 0x09, 0x19, 0x01, 0x29, 0x03, 0x15, 0x00, 0x25, 0x01,
	0x95, 0x03, 0x75, 0x01, 0x81, 0x02, 0x95, 0x05, 0x81, 0x03,
	0x05, 0x01, 0x09, 0x30, 0x09, 0x31, 0x15, 0x81, 0x25, 0x7F,
	0x75, 0x08, 0x95, 0x02, 0x81, 0x06, 0xC0, 0xC0,
}

// builtinHIDPadReportDescriptor describes a 3-byte two-axis, four-button
// generic gamepad report (4 button bits, 4 padding bits, X, Y).
var builtinHIDPadReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x05, 0xA1, 0x01,
	0x05, 0x09, 0x19, 0x01, 0x29, 0x04, 0x15, 0x00, 0x25, 0x01,
	0x95, 0x04, 0x75, 0x01, 0x81, 0x02,
	0x75, 0x04, 0x95, 0x01, 0x81, 0x03,
	0x05, 0x01, 0x09, 0x30, 0x09, 0x31, 0x15, 0x81, 0x25, 0x7F,
	0x75, 0x08, 0x95, 0x02, 0x81, 0x02,
	0xC0,
}

// AttachCmd drives the local-attach client standalone, e.g. for scripting
// against a server already running elsewhere.
type AttachCmd struct {
	BusID       string `arg:"" help:"bus-ID to attach, e.g. 1-1"`
	Port        uint16 `arg:"" help:"TCP port the server is listening on"`
	NativeIOCTL bool   `help:"use the usbip-win2 IOCTL path instead of shelling out to usbip.exe (Windows only)"`
}

// Run is called by Kong when "attach" is selected.
func (c *AttachCmd) Run(logger *slog.Logger) error {
	attach := localattach.NewAttachFunc(logger, c.NativeIOCTL)
	return attach(context.Background(), c.BusID, c.Port)
}
