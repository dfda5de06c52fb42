//go:build linux

package localattach

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"usbipd/internal/errs"
)

func attachLocalhostClient(ctx context.Context, busID string, port uint16, _ bool, logger *slog.Logger) error {
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

// checkPrerequisites verifies the usbip client tool is installed and the
// vhci-hcd kernel module is loaded.
func checkPrerequisites(_ bool, logger *slog.Logger) bool {
	allOK := true

	if _, err := exec.LookPath("usbip"); err != nil {
		logger.Warn("usbip tool not found in PATH")
		logger.Info("install it, e.g. 'sudo apt install linux-tools-generic' or 'sudo pacman -S usbip'")
		allOK = false
	} else {
		logger.Debug("usbip tool found in PATH")
	}

	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		logger.Debug("could not read /proc/modules", "error", err)
	} else if !bytes.Contains(data, []byte("vhci_hcd")) {
		logger.Warn("vhci-hcd kernel module is not loaded")
		logger.Info("load it with: sudo modprobe vhci-hcd")
		allOK = false
	} else {
		logger.Debug("vhci-hcd kernel module is loaded")
	}

	return allOK
}
