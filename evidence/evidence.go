/*
Package evidence verifies TDX attestation evidence: a quote, the event log of the TD, and optionally collateral.

Verification runs in one of two explicit modes:

  - ModeStructural decodes the quote, replays the registers from the event log, and cross-checks them against the quote.
    It does not establish that the quote was produced by a genuine TDX platform.

  - ModeAuthenticated additionally verifies the quote signature and the platform's TCB state using collateral.

There is no fallback from one mode to the other. On success both modes produce the commitment of the verified facts.
*/
package evidence

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/eventlog"
)

// Mode selects how evidence is verified.
type Mode int

const (
	// ModeStructural checks the consistency of quote and event log only.
	ModeStructural Mode = iota + 1
	// ModeAuthenticated additionally verifies the quote against collateral.
	ModeAuthenticated
)

func (m Mode) String() string {
	switch m {
	case ModeStructural:
		return "structural"
	case ModeAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the name of a verification mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "structural":
		return ModeStructural, nil
	case "authenticated":
		return ModeAuthenticated, nil
	default:
		return 0, fmt.Errorf("unknown verification mode %q", s)
	}
}

// BindingPolicy decides how the payloads of named events are tied to the event log.
type BindingPolicy int

const (
	// BindByName takes the payload of the first event with the expected name.
	// The payload is not checked against the digest that was replayed.
	BindByName BindingPolicy = iota
	// BindByDigest additionally requires the named event to be a runtime event of RTMR3
	// whose digest is the runtime event digest of its type, name, and payload.
	BindByDigest
)

func (p BindingPolicy) String() string {
	switch p {
	case BindByName:
		return "name"
	case BindByDigest:
		return "digest"
	default:
		return fmt.Sprintf("BindingPolicy(%d)", int(p))
	}
}

// ParseBindingPolicy parses the name of a binding policy.
func ParseBindingPolicy(s string) (BindingPolicy, error) {
	switch strings.ToLower(s) {
	case "name":
		return BindByName, nil
	case "digest":
		return BindByDigest, nil
	default:
		return 0, fmt.Errorf("unknown binding policy %q", s)
	}
}

// Evidence is attestation evidence as supplied by the TD.
type Evidence struct {
	Quote    []byte
	EventLog eventlog.Log
	// Collateral is CBOR encoded collateral, required for ModeAuthenticated.
	Collateral []byte
	// ReferenceTime is the time collateral is evaluated at. If zero, the verifier's clock is used.
	ReferenceTime time.Time
}

// evidenceJSON is the JSON representation of Evidence.
// Byte fields are hex or base64 encoded, the reference time is given in Unix seconds.
type evidenceJSON struct {
	Quote         string       `json:"quote"`
	EventLog      eventlog.Log `json:"event_log"`
	Collateral    string       `json:"collateral,omitempty"`
	ReferenceTime *int64       `json:"reference_time,omitempty"`
}

// Parse decodes JSON encoded evidence.
func Parse(data []byte) (Evidence, error) {
	var ev Evidence
	if err := ev.UnmarshalJSON(data); err != nil {
		return Evidence{}, err
	}
	return ev, nil
}

// UnmarshalJSON parses a JSON representation of evidence into an Evidence.
func (e *Evidence) UnmarshalJSON(data []byte) error {
	var ev evidenceJSON
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: unmarshaling evidence JSON: %w", ErrInvalidEvidence, err)
	}

	quote, err := decodeBytes(ev.Quote)
	if err != nil {
		return fmt.Errorf("%w: decoding quote: %w", ErrInvalidEvidence, err)
	}
	if len(quote) == 0 {
		return fmt.Errorf("%w: missing quote", ErrInvalidEvidence)
	}
	collateral, err := decodeBytes(ev.Collateral)
	if err != nil {
		return fmt.Errorf("%w: decoding collateral: %w", ErrInvalidEvidence, err)
	}

	*e = Evidence{
		Quote:      quote,
		EventLog:   ev.EventLog,
		Collateral: collateral,
	}
	if ev.ReferenceTime != nil {
		e.ReferenceTime = time.Unix(*ev.ReferenceTime, 0).UTC()
	}
	return nil
}

// MarshalJSON encodes the evidence using hex for byte fields.
func (e Evidence) MarshalJSON() ([]byte, error) {
	ev := evidenceJSON{
		Quote:      hex.EncodeToString(e.Quote),
		EventLog:   e.EventLog,
		Collateral: hex.EncodeToString(e.Collateral),
	}
	if ev.EventLog == nil {
		ev.EventLog = eventlog.Log{}
	}
	if !e.ReferenceTime.IsZero() {
		ts := e.ReferenceTime.Unix()
		ev.ReferenceTime = &ts
	}
	return json.Marshal(ev)
}

// decodeBytes decodes hex with an optional 0x prefix, falling back to standard base64.
// A string that is valid hex is always decoded as hex.
func decodeBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("neither hex nor base64: %w", err)
	}
	return b, nil
}
