// Package localattach drives the host's own USB/IP client against the
// Instance listening on 127.0.0.1, so a device created in-process shows up
// as a real USB device without a separate "usbip attach" step (§4.7).
package localattach

import (
	"context"
	"log/slog"

	"usbipd/device"
)

// NewAttachFunc returns a device.AttachFunc that locally attaches busID on
// the given port. useNativeIOCTL only affects Windows: when true, it talks
// to the usbip-win2 driver directly instead of shelling out to usbip.exe.
func NewAttachFunc(logger *slog.Logger, useNativeIOCTL bool) device.AttachFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, busID string, port uint16) error {
		return attachLocalhostClient(ctx, busID, port, useNativeIOCTL, logger)
	}
}

// CheckPrerequisites reports whether the local system has what auto-attach
// needs (the usbip client tool, or on Windows optionally the usbip-win2
// driver), logging actionable guidance when something is missing.
func CheckPrerequisites(useNativeIOCTL bool, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	return checkPrerequisites(useNativeIOCTL, logger)
}
