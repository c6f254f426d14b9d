package evidence

import (
	"bytes"
	"fmt"

	"github.com/edgelesssys/go-tdx-evidence/eventlog"
	"github.com/edgelesssys/go-tdx-evidence/rtmr"
	"github.com/edgelesssys/go-tdx-evidence/verification"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
)

// reportDataKeySize is the size of the key committed to in the lower half of the report data.
const reportDataKeySize = 32

// NamedEvents are the names of the event log entries whose payloads are committed to.
type NamedEvents struct {
	BuildHash string
	AppID     string
}

// DefaultNamedEvents are the event names used by dstack guests.
var DefaultNamedEvents = NamedEvents{
	BuildHash: eventlog.ComposeHashEvent,
	AppID:     eventlog.AppIDEvent,
}

// CrossCheckOptions configure CrossCheck.
type CrossCheckOptions struct {
	Binding BindingPolicy
	Events  NamedEvents
}

// CrossCheckResult holds the facts established by CrossCheck.
type CrossCheckResult struct {
	Registers rtmr.Registers
	// Key is the lower half of the report data.
	Key       [reportDataKeySize]byte
	BuildHash []byte
	AppID     []byte
}

// CrossCheck checks that the registers replayed from the event log match the quoted report,
// that the report data is zero padded, and extracts the payloads of the named events.
// If verified is not nil, its report must equal the decoded report.
func CrossCheck(report types.TD10Report, replayed rtmr.Registers, log eventlog.Log, verified *verification.VerifiedReport, opts CrossCheckOptions) (CrossCheckResult, error) {
	for i := range replayed {
		quoted := rtmr.Digest(report.RTMR[i])
		if replayed[i] != quoted {
			return CrossCheckResult{}, &RegisterMismatchError{Index: i, Replayed: replayed[i], Quoted: quoted}
		}
	}

	for i, b := range report.ReportData[reportDataKeySize:] {
		if b != 0 {
			return CrossCheckResult{}, fmt.Errorf("%w: non-zero byte at offset %d", ErrReportDataPadding, reportDataKeySize+i)
		}
	}

	buildHash, err := namedPayload(log, opts.Events.BuildHash, opts.Binding)
	if err != nil {
		return CrossCheckResult{}, err
	}
	appID, err := namedPayload(log, opts.Events.AppID, opts.Binding)
	if err != nil {
		return CrossCheckResult{}, err
	}

	if verified != nil && verified.Report != report {
		return CrossCheckResult{}, ErrReportMismatch
	}

	return CrossCheckResult{
		Registers: replayed,
		Key:       [reportDataKeySize]byte(report.ReportData[:reportDataKeySize]),
		BuildHash: buildHash,
		AppID:     appID,
	}, nil
}

// namedPayload returns the payload of the first event called name.
// With BindByDigest the entry must be a runtime event whose digest covers its payload.
func namedPayload(log eventlog.Log, name string, policy BindingPolicy) ([]byte, error) {
	entry, ok := log.Find(name)
	if !ok {
		return nil, &MissingNamedEventError{Name: name}
	}
	if policy == BindByDigest {
		if entry.IMR != eventlog.RuntimeRegister {
			return nil, fmt.Errorf("%w: %q event extends RTMR%d, expected RTMR%d", ErrNamedEventBinding, name, entry.IMR, eventlog.RuntimeRegister)
		}
		if !entry.BindsPayload() {
			return nil, fmt.Errorf("%w: digest of %q event does not cover its payload", ErrNamedEventBinding, name)
		}
	}
	return bytes.Clone(entry.Payload), nil
}
