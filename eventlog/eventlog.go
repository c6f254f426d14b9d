// Package eventlog decodes the measurement event log of a TD.
//
// Each entry names the register (IMR) it was extended into and the 48 byte digest that was extended.
// Runtime events additionally carry a name and a payload, which are not part of the hash chain themselves.
package eventlog

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/edgelesssys/go-tdx-evidence/rtmr"
)

const (
	// RuntimeEventType is the event type of events extended into RTMR3 at runtime by a dstack guest.
	RuntimeEventType = 0x08000001

	// ComposeHashEvent is the name of the runtime event carrying the build (compose) hash of an application.
	ComposeHashEvent = "compose-hash"
	// AppIDEvent is the name of the runtime event carrying the application ID.
	AppIDEvent = "app-id"

	// RuntimeRegister is the register runtime events are extended into.
	RuntimeRegister = 3
)

// ErrInvalidIMR is returned if an entry targets a register other than RTMR0 to RTMR3.
var ErrInvalidIMR = errors.New("invalid IMR index")

// Entry is a single event of the event log.
type Entry struct {
	IMR       uint32
	EventType uint32
	Digest    rtmr.Digest
	Event     string
	Payload   []byte
}

// entryJSON is the JSON representation of an Entry using basic strings and ints.
type entryJSON struct {
	IMR          uint32 `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`
	Event        string `json:"event"`
	EventPayload string `json:"event_payload"`
}

// UnmarshalJSON parses a JSON representation of an event log entry into an Entry.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var entry entryJSON
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("unmarshaling event log entry JSON: %w", err)
	}
	if entry.IMR >= rtmr.Count {
		return fmt.Errorf("%w: %d", ErrInvalidIMR, entry.IMR)
	}

	digest, err := hex.DecodeString(entry.Digest)
	if err != nil {
		return fmt.Errorf("decoding digest: %w", err)
	}
	if len(digest) != rtmr.DigestSize {
		return fmt.Errorf("%w: event %q has a %d byte digest", rtmr.ErrInvalidDigestLength, entry.Event, len(digest))
	}
	payload, err := hex.DecodeString(entry.EventPayload)
	if err != nil {
		return fmt.Errorf("decoding payload of event %q: %w", entry.Event, err)
	}

	*e = Entry{
		IMR:       entry.IMR,
		EventType: entry.EventType,
		Digest:    rtmr.Digest(digest),
		Event:     entry.Event,
		Payload:   payload,
	}
	return nil
}

// MarshalJSON encodes an Entry in the event log JSON representation.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		IMR:          e.IMR,
		EventType:    e.EventType,
		Digest:       hex.EncodeToString(e.Digest[:]),
		Event:        e.Event,
		EventPayload: hex.EncodeToString(e.Payload),
	})
}

// BindsPayload reports whether the entry's digest is the runtime event digest of its own type, name, and payload.
func (e Entry) BindsPayload() bool {
	return e.Digest == RuntimeEventDigest(e.EventType, e.Event, e.Payload)
}

// Log is an event log in the order the events were measured.
type Log []Entry

// Parse decodes a JSON encoded event log.
func Parse(data []byte) (Log, error) {
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parsing event log: %w", err)
	}
	return log, nil
}

// Validate checks that every entry targets one of RTMR0 to RTMR3.
func (l Log) Validate() error {
	for i := range l {
		if l[i].IMR >= rtmr.Count {
			return fmt.Errorf("%w: entry %d targets IMR %d", ErrInvalidIMR, i, l[i].IMR)
		}
	}
	return nil
}

// Digests groups the digests of the log by register, keeping the measurement order within each register,
// and returns them together with the partition describing the grouping.
// The log must be valid.
func (l Log) Digests() ([][]byte, rtmr.Partition) {
	sorted := make(Log, len(l))
	copy(sorted, l)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].IMR < sorted[j].IMR
	})

	var counts [rtmr.Count]int
	digests := make([][]byte, 0, len(sorted))
	for i := range sorted {
		counts[sorted[i].IMR]++
		digests = append(digests, sorted[i].Digest[:])
	}
	return digests, rtmr.PartitionFromCounts(counts)
}

// Replay replays the registers described by the log.
func (l Log) Replay() (rtmr.Registers, error) {
	if err := l.Validate(); err != nil {
		return rtmr.Registers{}, err
	}
	digests, partition := l.Digests()
	return rtmr.Replay(digests, partition)
}

// Find returns the first entry with the given event name.
func (l Log) Find(name string) (Entry, bool) {
	for _, e := range l {
		if e.Event == name {
			return e, true
		}
	}
	return Entry{}, false
}

// RuntimeEventDigest computes the digest a dstack guest extends into RTMR3 for a named runtime event:
//
//	SHA384(le32(eventType) || ":" || name || ":" || payload)
func RuntimeEventDigest(eventType uint32, name string, payload []byte) rtmr.Digest {
	h := sha512.New384()
	_ = binary.Write(h, binary.LittleEndian, eventType)
	h.Write([]byte(":"))
	h.Write([]byte(name))
	h.Write([]byte(":"))
	h.Write(payload)
	return rtmr.Digest(h.Sum(nil))
}

// NewRuntimeEvent creates an RTMR3 entry for a named runtime event.
func NewRuntimeEvent(name string, payload []byte) Entry {
	return Entry{
		IMR:       RuntimeRegister,
		EventType: RuntimeEventType,
		Digest:    RuntimeEventDigest(RuntimeEventType, name, payload),
		Event:     name,
		Payload:   payload,
	}
}
