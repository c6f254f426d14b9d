// Package tdx provides functionality to interact with the Intel TDX guest device.
package tdx

import (
	"fmt"
	"os"

	"github.com/edgelesssys/go-tdx-evidence/eventlog"
	"github.com/edgelesssys/go-tdx-evidence/rtmr"
)

const (
	// GuestDevice is the path to the TDX guest device.
	GuestDevice = "/dev/tdx-guest"

	// reportSize is the size of a TDREPORT.
	reportSize = 1024
	// mrtdOffset is the offset of MRTD in a TDREPORT.
	mrtdOffset = 528
	// rtmrOffset is the offset of RTMR0 in a TDREPORT. RTMR1 to RTMR3 follow.
	rtmrOffset = 720
	// firstExtendableRTMR is the lowest RTMR a guest can extend. RTMR0 and RTMR1 are extended by the firmware.
	firstExtendableRTMR = 2
)

// device is a handle to the TDX guest device.
type device interface {
	Fd() uintptr
}

// Measurements are the measurement registers of a TD.
type Measurements struct {
	MRTD [rtmr.DigestSize]byte
	RTMR rtmr.Registers
}

// Open opens the TDX guest device at path. Use GuestDevice for the default location.
func Open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening TDX guest device: %w", err)
	}
	return f, nil
}

// ExtendRuntimeEvent extends RTMR3 with the runtime event digest of name and payload
// and returns the matching event log entry.
func ExtendRuntimeEvent(tdx device, name string, payload []byte) (eventlog.Entry, error) {
	entry := eventlog.NewRuntimeEvent(name, payload)
	if err := ExtendRTMR(tdx, entry.Digest, eventlog.RuntimeRegister); err != nil {
		return eventlog.Entry{}, err
	}
	return entry, nil
}

func checkExtendIndex(index uint8) error {
	if index < firstExtendableRTMR || index >= rtmr.Count {
		return fmt.Errorf("RTMR%d can not be extended by the guest, only RTMR%d to RTMR%d", index, firstExtendableRTMR, rtmr.Count-1)
	}
	return nil
}

// parseReport reads the MRTD and RTMRs from a TDREPORT.
// All measurements are 48 bytes long.
func parseReport(report [reportSize]byte) Measurements {
	var m Measurements
	copy(m.MRTD[:], report[mrtdOffset:])
	for i := range m.RTMR {
		start := rtmrOffset + i*rtmr.DigestSize
		copy(m.RTMR[i][:], report[start:start+rtmr.DigestSize])
	}
	return m
}
