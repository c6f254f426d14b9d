//go:build !linux
// +build !linux

package tdx

import (
	"errors"

	"github.com/edgelesssys/go-tdx-evidence/rtmr"
)

var errUnsupported = errors.New("the TDX guest device is only available on linux")

// ExtendRTMR extends the RTMR at index with digest.
func ExtendRTMR(_ device, _ rtmr.Digest, index uint8) error {
	if err := checkExtendIndex(index); err != nil {
		return err
	}
	return errUnsupported
}

// ReadMeasurements reads the MRTD and RTMRs of the guest.
func ReadMeasurements(_ device) (Measurements, error) {
	return Measurements{}, errUnsupported
}
