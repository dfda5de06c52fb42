//go:build windows

package localattach

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"usbipd/internal/errs"
)

var (
	setupapi                             = windows.NewLazySystemDLL("setupapi.dll")
	procSetupDiGetClassDevsW             = setupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInterfaces      = setupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDeviceInterfaceDetailW = setupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiDestroyDeviceInfoList     = setupapi.NewProc("SetupDiDestroyDeviceInfoList")
)

const (
	digcfPresent         = 0x00000002
	digcfDeviceInterface = 0x00000010
)

type spDeviceInterfaceData struct {
	CbSize             uint32
	InterfaceClassGUID windows.GUID
	Flags              uint32
	Reserved           uintptr
}

type spDeviceInterfaceDetailData struct {
	CbSize     uint32
	DevicePath [1]uint16
}

// deviceGUID is the device interface GUID exposed by the usbip-win2 driver.
var deviceGUID = windows.GUID{
	Data1: 0xB4030C06,
	Data2: 0xDC5F,
	Data3: 0x4FCC,
	Data4: [8]byte{0x87, 0xEB, 0xE5, 0x51, 0x5A, 0x09, 0x35, 0xC0},
}

const (
	niMaxHost = 1025
	niMaxServ = 32
)

// attachIOCTL mirrors usbip-win2's PLUGIN_HARDWARE structure.
type attachIOCTL struct {
	Size       uint32
	PortOutput int32
	BusID      [32]byte
	Service    [niMaxServ]byte
	Host       [niMaxHost]byte
}

const (
	fileDeviceUnknown   = 0x00000022
	methodBuffered      = 0
	fileReadData        = 0x0001
	fileWriteData       = 0x0002
	ioctlPluginHardware = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x800 << 2) | methodBuffered
)

func attachLocalhostClient(ctx context.Context, busID string, port uint16, useNativeIOCTL bool, logger *slog.Logger) error {
	if useNativeIOCTL {
		return attachViaIOCTL(busID, port, logger)
	}
	return attachViaCommand(ctx, busID, port, logger)
}

func attachViaIOCTL(busID string, port uint16, logger *slog.Logger) error {
	logger.Info("auto-attaching localhost client via native IOCTL", "busID", busID, "port", port)

	if port == 0 {
		return errs.Attach(errs.StageArgumentValidation, "invalid TCP port number (0)", nil)
	}

	devicePath, err := getDeviceInterfacePath(&deviceGUID)
	if err != nil {
		return errs.Attach(errs.StageDiscovery, "usbip-win2 device not found", err)
	}
	logger.Debug("found usbip-win2 device", "path", devicePath)

	var ioctlData attachIOCTL
	ioctlData.Size = uint32(unsafe.Sizeof(ioctlData))

	if len(busID) >= len(ioctlData.BusID) {
		return errs.Attach(errs.StageArgumentValidation, fmt.Sprintf("bus ID too long: %s", busID), nil)
	}
	copy(ioctlData.BusID[:], busID)

	service := strconv.FormatUint(uint64(port), 10)
	if len(service) >= len(ioctlData.Service) {
		return errs.Attach(errs.StageArgumentValidation, fmt.Sprintf("service string too long: %s", service), nil)
	}
	copy(ioctlData.Service[:], service)
	copy(ioctlData.Host[:], "localhost")

	devicePathUTF16, err := windows.UTF16PtrFromString(devicePath)
	if err != nil {
		return errs.Attach(errs.StageOpen, "failed to convert device path", err)
	}

	handle, err := windows.CreateFile(
		devicePathUTF16,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return errs.Attach(errs.StageOpen, "failed to open usbip-win2 device", err)
	}
	defer windows.CloseHandle(handle)
	logger.Debug("opened device handle")

	var bytesReturned uint32
	err = windows.DeviceIoControl(
		handle,
		ioctlPluginHardware,
		(*byte)(unsafe.Pointer(&ioctlData)),
		uint32(unsafe.Sizeof(ioctlData)),
		(*byte)(unsafe.Pointer(&ioctlData)),
		uint32(unsafe.Sizeof(ioctlData)),
		&bytesReturned,
		nil,
	)
	if err != nil {
		return errs.Attach(errs.StageIOControl, "DeviceIoControl failed", err)
	}
	logger.Debug("IOCTL completed", "bytesReturned", bytesReturned, "portOutput", ioctlData.PortOutput)

	if ioctlData.PortOutput <= 0 {
		return errs.Attach(errs.StageResponseValidation, fmt.Sprintf("invalid USB port returned: %d", ioctlData.PortOutput), nil)
	}

	logger.Info("attached device via IOCTL", "busID", busID, "usbPort", ioctlData.PortOutput)
	return nil
}

func attachViaCommand(ctx context.Context, busID string, port uint16, logger *slog.Logger) error {
	logger.Info("auto-attaching localhost client", "busID", busID, "port", port)

	cmd := exec.CommandContext(ctx, "usbip",
		"--tcp-port", strconv.FormatUint(uint64(port), 10),
		"attach",
		"-r", "localhost",
		"-b", busID,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("usbip attach failed", "error", err, "port", port, "output", string(output))
		return errs.Attach(errs.StageIOControl, "usbip attach failed", err)
	}
	logger.Debug("usbip attach output", "output", string(output))
	return nil
}

func getDeviceInterfacePath(guid *windows.GUID) (string, error) {
	r0, _, e1 := syscall.SyscallN(procSetupDiGetClassDevsW.Addr(),
		uintptr(unsafe.Pointer(guid)),
		0,
		0,
		uintptr(digcfPresent|digcfDeviceInterface))

	devInfo := windows.Handle(r0)
	if devInfo == windows.InvalidHandle {
		if e1 != 0 {
			return "", fmt.Errorf("SetupDiGetClassDevsW failed: %w", e1)
		}
		return "", fmt.Errorf("SetupDiGetClassDevsW failed with invalid handle")
	}
	defer func() {
		syscall.SyscallN(procSetupDiDestroyDeviceInfoList.Addr(), uintptr(devInfo))
	}()

	var interfaceData spDeviceInterfaceData
	interfaceData.CbSize = uint32(unsafe.Sizeof(interfaceData))

	r1, _, e2 := syscall.SyscallN(procSetupDiEnumDeviceInterfaces.Addr(),
		uintptr(devInfo),
		0,
		uintptr(unsafe.Pointer(guid)),
		0,
		uintptr(unsafe.Pointer(&interfaceData)))
	if r1 == 0 {
		if e2 != 0 {
			return "", fmt.Errorf("usbip-win2 driver not found: %w", e2)
		}
		return "", fmt.Errorf("usbip-win2 driver not found")
	}

	var requiredSize uint32
	syscall.SyscallN(procSetupDiGetDeviceInterfaceDetailW.Addr(),
		uintptr(devInfo),
		uintptr(unsafe.Pointer(&interfaceData)),
		0,
		0,
		uintptr(unsafe.Pointer(&requiredSize)),
		0)

	detailData := make([]byte, requiredSize)
	detailHeader := (*spDeviceInterfaceDetailData)(unsafe.Pointer(&detailData[0]))
	detailHeader.CbSize = uint32(unsafe.Sizeof(spDeviceInterfaceDetailData{}))

	r2, _, e3 := syscall.SyscallN(procSetupDiGetDeviceInterfaceDetailW.Addr(),
		uintptr(devInfo),
		uintptr(unsafe.Pointer(&interfaceData)),
		uintptr(unsafe.Pointer(detailHeader)),
		uintptr(requiredSize),
		0,
		0)
	if r2 == 0 {
		if e3 != 0 {
			return "", fmt.Errorf("SetupDiGetDeviceInterfaceDetailW failed: %w", e3)
		}
		return "", fmt.Errorf("SetupDiGetDeviceInterfaceDetailW failed")
	}

	return windows.UTF16PtrToString(&detailHeader.DevicePath[0]), nil
}

func checkPrerequisites(useNativeIOCTL bool, logger *slog.Logger) bool {
	if useNativeIOCTL {
		if _, err := getDeviceInterfacePath(&deviceGUID); err != nil {
			logger.Warn("usbip-win2 driver not found or not installed")
			logger.Info("download and install usbip-win2: https://github.com/vadimgrn/usbip-win2")
			return false
		}
		logger.Debug("usbip-win2 driver found")
		return true
	}

	if _, err := exec.LookPath("usbip.exe"); err != nil {
		logger.Warn("usbip.exe not found in PATH")
		logger.Info("download and install usbip-win2: https://github.com/vadimgrn/usbip-win2")
		return false
	}
	logger.Debug("usbip.exe found in PATH")
	return true
}
