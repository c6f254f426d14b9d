package evidence

import (
	"errors"
	"fmt"

	"github.com/edgelesssys/go-tdx-evidence/rtmr"
)

var (
	// ErrRegisterMismatch is returned if a replayed register differs from the quoted one.
	ErrRegisterMismatch = errors.New("register mismatch")
	// ErrReportDataPadding is returned if the upper half of the report data is not zero.
	ErrReportDataPadding = errors.New("report data padding violation")
	// ErrMissingNamedEvent is returned if an expected named event is absent from the event log.
	ErrMissingNamedEvent = errors.New("missing named event")
	// ErrNamedEventBinding is returned if a named event's payload is not bound to its digest.
	ErrNamedEventBinding = errors.New("named event payload is not bound to the event log")
	// ErrReportMismatch is returned if the verified report differs from the decoded one.
	ErrReportMismatch = errors.New("verified report does not match the quote")

	// ErrMissingCollateral is returned if authenticated verification is requested without collateral.
	ErrMissingCollateral = errors.New("authenticated verification requires collateral")
	// ErrNoQuoteVerifier is returned if authenticated verification is requested from a Verifier without quote verifier.
	ErrNoQuoteVerifier = errors.New("authenticated verification requires a quote verifier")
	// ErrInvalidEvidence is returned if the evidence document can not be decoded.
	ErrInvalidEvidence = errors.New("invalid evidence")
)

// RegisterMismatchError is returned if the register replayed from the event log differs from the quoted register.
type RegisterMismatchError struct {
	Index    int
	Replayed rtmr.Digest
	Quoted   rtmr.Digest
}

func (e *RegisterMismatchError) Error() string {
	return fmt.Sprintf("RTMR%d mismatch: replayed %x, quoted %x", e.Index, e.Replayed, e.Quoted)
}

// Is makes RegisterMismatchError match ErrRegisterMismatch.
func (e *RegisterMismatchError) Is(target error) bool {
	return target == ErrRegisterMismatch
}

// MissingNamedEventError is returned if the event log has no entry with the expected name.
type MissingNamedEventError struct {
	Name string
}

func (e *MissingNamedEventError) Error() string {
	return fmt.Sprintf("event log has no %q event", e.Name)
}

// Is makes MissingNamedEventError match ErrMissingNamedEvent.
func (e *MissingNamedEventError) Is(target error) bool {
	return target == ErrMissingNamedEvent
}
