//go:build linux
// +build linux

package tdx

import (
	"fmt"
	"unsafe"

	"github.com/edgelesssys/go-tdx-evidence/rtmr"
	"github.com/vtolstov/go-ioctl"
	"golang.org/x/sys/unix"
)

// HASH_ALGO_SHA384 of linux/include/uapi/linux/hash_info.h.
const hashAlgoSHA384 = 5

// Request codes of the guest device, as used by tdx_attest.c of Intel's DCAP library.
var (
	ioctlGetReport  = ioctl.IOWR('T', 0x01, 8)
	ioctlExtendRTMR = ioctl.IOWR('T', 0x03, 8)
)

// ExtendRTMR extends the RTMR at index with digest.
// Only RTMR2 and RTMR3 are writable by the guest.
func ExtendRTMR(tdx device, digest rtmr.Digest, index uint8) error {
	if err := checkExtendIndex(index); err != nil {
		return err
	}
	value := [rtmr.DigestSize]byte(digest)
	req := extendRequest{
		index:  index,
		algo:   hashAlgoSHA384,
		digest: &value,
		size:   rtmr.DigestSize,
	}
	if err := call(tdx, ioctlExtendRTMR, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("extending RTMR%d: %w", index, err)
	}
	return nil
}

// ReadMeasurements reads the MRTD and RTMRs of the guest.
// The registers are taken from a TDREPORT with empty report data.
func ReadMeasurements(tdx device) (Measurements, error) {
	var reportData [64]byte
	var report [reportSize]byte
	req := reportRequest{
		reportData:     &reportData,
		reportDataSize: uint32(len(reportData)),
		report:         &report,
		reportSize:     reportSize,
	}
	if err := call(tdx, ioctlGetReport, unsafe.Pointer(&req)); err != nil {
		return Measurements{}, fmt.Errorf("requesting TDREPORT: %w", err)
	}
	return parseReport(report), nil
}

func call(tdx device, request uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, tdx.Fd(), request, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// extendRequest mirrors struct tdx_extend_rtmr_req of the 5.19 guest driver patches.
type extendRequest struct {
	index  uint8
	algo   uint8
	digest *[rtmr.DigestSize]byte
	size   uint32
}

// reportRequest mirrors struct tdx_report_req:
//
//	struct tdx_report_req {
//		__u8  subtype;
//		__u64 reportdata;
//		__u32 rpd_len;
//		__u64 tdreport;
//		__u32 tdr_len;
//	};
type reportRequest struct {
	subtype        uint8
	reportData     *[64]byte
	reportDataSize uint32
	report         *[reportSize]byte
	reportSize     uint32
}
