package types

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/verification/status"
)

// Identifiers and versions of PCS collateral.
const (
	TCBInfoTDXID      = "TDX"
	TCBInfoSGXID      = "SGX"
	TCBInfoMinVersion = 3

	QEIdentityVersion = 2
	QEIdentityTDXID   = "TD_QE"
)

// Issuer common names of PCK certificates.
const (
	PlatformIssuer  = "Intel SGX PCK Platform CA"
	ProcessorIssuer = "Intel SGX PCK Processor CA"
)

// TCBInfo is the TCB Info of a platform, identified by its FMSPC.
// Levels are ordered from newest to oldest.
type TCBInfo struct {
	ID                      string     `json:"id"`
	Version                 uint32     `json:"version"`
	IssueDate               time.Time  `json:"issueDate"`
	NextUpdate              time.Time  `json:"nextUpdate"`
	FMSPC                   [6]byte    `json:"fmspc"`
	PCEID                   [2]byte    `json:"pceid"`
	TCBType                 int        `json:"tcbType"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	TDXModule               TDXModule  `json:"tdxModule"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

// UnmarshalJSON decodes the tcbInfo object of a PCS response.
func (t *TCBInfo) UnmarshalJSON(data []byte) error {
	type plain TCBInfo
	raw := struct {
		*plain
		IssueDate  string `json:"issueDate"`
		NextUpdate string `json:"nextUpdate"`
		FMSPC      string `json:"fmspc"`
		PCEID      string `json:"pceid"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling TCB Info: %w", err)
	}

	var err error
	if t.IssueDate, err = parseDate("TCB Info issue date", raw.IssueDate); err != nil {
		return err
	}
	if t.NextUpdate, err = parseDate("TCB Info next update", raw.NextUpdate); err != nil {
		return err
	}
	return decodeFields(
		hexField{"FMSPC", raw.FMSPC, t.FMSPC[:]},
		hexField{"PCEID", raw.PCEID, t.PCEID[:]},
	)
}

// ValidAt checks that the TCB Info was issued before and expires after the given time.
func (t *TCBInfo) ValidAt(ts time.Time) error {
	return checkValidity("TCB Info", t.IssueDate, t.NextUpdate, ts)
}

// GetTCBLevel returns the first TCB level satisfied by the SVNs of a PCK certificate and the TEE TCB SVN of a TD report.
func (t *TCBInfo) GetTCBLevel(pckTCB PCKTCB, teeTCBSVN [16]byte) (TCBLevel, error) {
	for _, level := range t.TCBLevels {
		if level.matches(pckTCB, teeTCBSVN) {
			return level, nil
		}
	}
	return TCBLevel{}, errors.New("no TCB level matches the platform")
}

// QEIdentity is the identity of the TDX Quoting Enclave.
type QEIdentity struct {
	ID                      string     `json:"id"`
	Version                 uint32     `json:"version"`
	IssueDate               time.Time  `json:"issueDate"`
	NextUpdate              time.Time  `json:"nextUpdate"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	MiscSelect              uint32     `json:"miscselect"`
	MiscSelectMask          uint32     `json:"miscselectMask"`
	Attributes              [16]byte   `json:"attributes"`
	AttributesMask          [16]byte   `json:"attributesMask"`
	MRSIGNER                [32]byte   `json:"mrSigner"`
	ISVProdID               uint16     `json:"isvprodid"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

// UnmarshalJSON decodes the enclaveIdentity object of a PCS response.
func (q *QEIdentity) UnmarshalJSON(data []byte) error {
	type plain QEIdentity
	raw := struct {
		*plain
		IssueDate      string `json:"issueDate"`
		NextUpdate     string `json:"nextUpdate"`
		MiscSelect     string `json:"miscselect"`
		MiscSelectMask string `json:"miscselectMask"`
		Attributes     string `json:"attributes"`
		AttributesMask string `json:"attributesMask"`
		MRSIGNER       string `json:"mrSigner"`
	}{plain: (*plain)(q)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling QE Identity: %w", err)
	}

	var err error
	if q.IssueDate, err = parseDate("QE Identity issue date", raw.IssueDate); err != nil {
		return err
	}
	if q.NextUpdate, err = parseDate("QE Identity next update", raw.NextUpdate); err != nil {
		return err
	}
	var miscSelect, miscSelectMask [4]byte
	if err := decodeFields(
		hexField{"MISCSELECT", raw.MiscSelect, miscSelect[:]},
		hexField{"MISCSELECT mask", raw.MiscSelectMask, miscSelectMask[:]},
		hexField{"attributes", raw.Attributes, q.Attributes[:]},
		hexField{"attributes mask", raw.AttributesMask, q.AttributesMask[:]},
		hexField{"MRSIGNER", raw.MRSIGNER, q.MRSIGNER[:]},
	); err != nil {
		return err
	}
	q.MiscSelect = binary.LittleEndian.Uint32(miscSelect[:])
	q.MiscSelectMask = binary.LittleEndian.Uint32(miscSelectMask[:])
	return nil
}

// ValidAt checks that the QE Identity was issued before and expires after the given time.
func (q *QEIdentity) ValidAt(ts time.Time) error {
	return checkValidity("QE Identity", q.IssueDate, q.NextUpdate, ts)
}

// GetTCBStatus returns the first level whose ISV SVN is satisfied by isvSVN.
// A QE below every level is revoked.
func (q *QEIdentity) GetTCBStatus(isvSVN uint16) TCBLevel {
	for _, level := range q.TCBLevels {
		if isvSVN >= level.TCB.ISVSVN {
			return level
		}
	}
	return TCBLevel{TCBStatus: status.Revoked}
}

// TDXModule holds the expected signer and attributes of the TDX module.
type TDXModule struct {
	MRSIGNERSEAM       [48]byte `json:"mrSigner"`
	SEAMAttributes     uint64   `json:"attributes"`
	SEAMAttributesMask uint64   `json:"attributesMask"`
}

// UnmarshalJSON decodes the hex encoded fields of the tdxModule object.
func (t *TDXModule) UnmarshalJSON(data []byte) error {
	var raw struct {
		MRSIGNERSEAM       string `json:"mrSigner"`
		SEAMAttributes     string `json:"attributes"`
		SEAMAttributesMask string `json:"attributesMask"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling TDX module: %w", err)
	}

	var attributes, attributesMask [8]byte
	if err := decodeFields(
		hexField{"TDX module MRSIGNER", raw.MRSIGNERSEAM, t.MRSIGNERSEAM[:]},
		hexField{"TDX module attributes", raw.SEAMAttributes, attributes[:]},
		hexField{"TDX module attributes mask", raw.SEAMAttributesMask, attributesMask[:]},
	); err != nil {
		return err
	}
	t.SEAMAttributes = binary.LittleEndian.Uint64(attributes[:])
	t.SEAMAttributesMask = binary.LittleEndian.Uint64(attributesMask[:])
	return nil
}

// TCBLevel is one entry of the tcbLevels list of TCB Info or QE Identity.
type TCBLevel struct {
	TCB         TCB              `json:"tcb"`
	TCBDate     time.Time        `json:"tcbDate"`
	TCBStatus   status.TCBStatus `json:"tcbStatus"`
	AdvisoryIDs []string         `json:"advisoryIDs"`
}

// UnmarshalJSON decodes a TCB level and rejects unknown statuses.
func (l *TCBLevel) UnmarshalJSON(data []byte) error {
	type plain TCBLevel
	raw := struct {
		*plain
		TCBDate   string `json:"tcbDate"`
		TCBStatus string `json:"tcbStatus"`
	}{plain: (*plain)(l)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling TCB level: %w", err)
	}

	var err error
	if l.TCBDate, err = parseDate("TCB date", raw.TCBDate); err != nil {
		return err
	}
	if l.TCBStatus, err = status.Parse(raw.TCBStatus); err != nil {
		return fmt.Errorf("parsing TCB status: %w", err)
	}
	return nil
}

func (l *TCBLevel) matches(pckTCB PCKTCB, teeTCBSVN [16]byte) bool {
	if pckTCB.PCESVN < uint32(l.TCB.PCESVN) {
		return false
	}
	for i := range l.TCB.SGXTCBComponents {
		if pckTCB.TCBSVN[i] < int(l.TCB.SGXTCBComponents[i].SVN) ||
			teeTCBSVN[i] < l.TCB.TDXTCBComponents[i].SVN {
			return false
		}
	}
	return true
}

// TCB holds the component SVNs of a TCB level.
type TCB struct {
	SGXTCBComponents [16]TCBComponent `json:"sgxtcbcomponents"`
	TDXTCBComponents [16]TCBComponent `json:"tdxtcbcomponents"`
	PCESVN           uint16           `json:"pcesvn"`
	ISVSVN           uint16           `json:"isvsvn"`
}

// TCBComponent is the SVN of a single SGX or TDX TCB component.
type TCBComponent struct {
	SVN      uint8  `json:"svn"`
	Category string `json:"category"`
	Type     string `json:"type"`
}

func checkValidity(what string, issueDate, nextUpdate, ts time.Time) error {
	if ts.Before(issueDate) {
		return fmt.Errorf("%w: %s is not yet valid (issued at %s, reference time %s)", ErrCollateralExpired, what, issueDate.Format(time.RFC3339), ts.Format(time.RFC3339))
	}
	if ts.After(nextUpdate) {
		return fmt.Errorf("%w: %s has expired (next update %s, reference time %s)", ErrCollateralExpired, what, nextUpdate.Format(time.RFC3339), ts.Format(time.RFC3339))
	}
	return nil
}

func parseDate(name, s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", name, err)
	}
	return ts, nil
}

// hexField is a hex string decoded into a fixed size destination.
type hexField struct {
	name string
	src  string
	dst  []byte
}

func decodeFields(fields ...hexField) error {
	for _, f := range fields {
		if hex.DecodedLen(len(f.src)) != len(f.dst) {
			return fmt.Errorf("decoding %s: expected %d bytes, got %d hex characters", f.name, len(f.dst), len(f.src))
		}
		if _, err := hex.Decode(f.dst, []byte(f.src)); err != nil {
			return fmt.Errorf("decoding %s: %w", f.name, err)
		}
	}
	return nil
}
