package evidence

import (
	"fmt"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/commitment"
	"github.com/edgelesssys/go-tdx-evidence/eventlog"
	"github.com/edgelesssys/go-tdx-evidence/rtmr"
	"github.com/edgelesssys/go-tdx-evidence/verification"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// QuoteVerifier verifies a quote against collateral.
type QuoteVerifier interface {
	Verify(quote types.Quote, collateral types.Collateral, referenceTime time.Time) (verification.VerifiedReport, error)
}

// Result is the outcome of a successful verification.
type Result struct {
	Mode       Mode
	Report     types.TD10Report
	CrossCheck CrossCheckResult
	Commitment commitment.Commitment
	// Verified is set in ModeAuthenticated.
	Verified *verification.VerifiedReport
}

// Verifier verifies evidence. It is safe for concurrent use.
type Verifier struct {
	log     *zap.Logger
	clock   clock.PassiveClock
	quotes  QuoteVerifier
	binding BindingPolicy
	pinned  *rtmr.Partition
	events  NamedEvents
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger. Verification stages are logged at debug level.
func WithLogger(log *zap.Logger) Option {
	return func(v *Verifier) {
		v.log = log
	}
}

// WithClock sets the clock used when evidence carries no reference time.
func WithClock(c clock.PassiveClock) Option {
	return func(v *Verifier) {
		v.clock = c
	}
}

// WithQuoteVerifier enables ModeAuthenticated.
func WithQuoteVerifier(q QuoteVerifier) Option {
	return func(v *Verifier) {
		v.quotes = q
	}
}

// WithBindingPolicy sets how named event payloads are bound to the event log.
func WithBindingPolicy(p BindingPolicy) Option {
	return func(v *Verifier) {
		v.binding = p
	}
}

// WithPinnedPartition requires the event log to group into exactly the given partition,
// for example rtmr.DstackPartition.
func WithPinnedPartition(p rtmr.Partition) Option {
	return func(v *Verifier) {
		v.pinned = &p
	}
}

// WithEventNames overrides the names of the build hash and app ID events.
func WithEventNames(events NamedEvents) Option {
	return func(v *Verifier) {
		v.events = events
	}
}

// NewVerifier creates a Verifier. Without WithQuoteVerifier, only ModeStructural is available.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		log:     zap.NewNop(),
		clock:   clock.RealClock{},
		binding: BindByName,
		events:  DefaultNamedEvents,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify verifies the evidence in the given mode.
func (v *Verifier) Verify(mode Mode, ev Evidence) (Result, error) {
	switch mode {
	case ModeStructural:
		return v.VerifyStructural(ev.Quote, ev.EventLog)
	case ModeAuthenticated:
		return v.VerifyAuthenticated(ev.Quote, ev.EventLog, ev.Collateral, ev.ReferenceTime)
	default:
		return Result{}, fmt.Errorf("unsupported verification mode %s", mode)
	}
}

// VerifyStructural decodes the quote, replays the event log, and cross-checks both.
// The result is not evidence that the quote was produced by a TDX platform.
func (v *Verifier) VerifyStructural(rawQuote []byte, log eventlog.Log) (Result, error) {
	_, report, err := v.decode(ModeStructural, rawQuote)
	if err != nil {
		return Result{}, err
	}
	return v.check(ModeStructural, report, log, nil)
}

// VerifyAuthenticated verifies the quote against the CBOR encoded collateral at referenceTime
// before performing the structural checks. A zero referenceTime uses the verifier's clock.
func (v *Verifier) VerifyAuthenticated(rawQuote []byte, log eventlog.Log, rawCollateral []byte, referenceTime time.Time) (Result, error) {
	if v.quotes == nil {
		return Result{}, ErrNoQuoteVerifier
	}
	if len(rawCollateral) == 0 {
		return Result{}, ErrMissingCollateral
	}

	quote, report, err := v.decode(ModeAuthenticated, rawQuote)
	if err != nil {
		return Result{}, err
	}
	collateral, err := types.ParseCollateral(rawCollateral)
	if err != nil {
		return Result{}, fmt.Errorf("parsing collateral: %w", err)
	}
	if referenceTime.IsZero() {
		referenceTime = v.clock.Now()
	}

	v.log.Debug("Verifying quote against collateral", zap.Time("referenceTime", referenceTime))
	verified, err := v.quotes.Verify(quote, collateral, referenceTime)
	if err != nil {
		return Result{}, fmt.Errorf("verifying quote: %w", err)
	}
	v.log.Debug("Quote verified",
		zap.String("status", string(verified.Status())),
		zap.String("tcbStatus", string(verified.TCBStatus)),
		zap.String("qeStatus", string(verified.QEStatus)),
		zap.Strings("advisoryIDs", verified.AdvisoryIDs),
	)

	return v.check(ModeAuthenticated, report, log, &verified)
}

func (v *Verifier) decode(mode Mode, rawQuote []byte) (types.Quote, types.TD10Report, error) {
	v.log.Debug("Decoding quote", zap.Stringer("mode", mode), zap.Int("size", len(rawQuote)))
	quote, err := types.ParseQuote(rawQuote)
	if err != nil {
		return types.Quote{}, types.TD10Report{}, fmt.Errorf("parsing quote: %w", err)
	}
	report, err := quote.TD10()
	if err != nil {
		return types.Quote{}, types.TD10Report{}, err
	}
	return quote, report, nil
}

func (v *Verifier) check(mode Mode, report types.TD10Report, log eventlog.Log, verified *verification.VerifiedReport) (Result, error) {
	registers, err := v.replay(log)
	if err != nil {
		return Result{}, err
	}

	v.log.Debug("Cross-checking report", zap.Stringer("binding", v.binding))
	cc, err := CrossCheck(report, registers, log, verified, CrossCheckOptions{Binding: v.binding, Events: v.events})
	if err != nil {
		return Result{}, err
	}

	c, err := commitment.New(cc.Registers, cc.Key, cc.BuildHash, cc.AppID)
	if err != nil {
		return Result{}, fmt.Errorf("creating commitment: %w", err)
	}
	v.log.Debug("Evidence verified", zap.Stringer("mode", mode))

	return Result{
		Mode:       mode,
		Report:     report,
		CrossCheck: cc,
		Commitment: c,
		Verified:   verified,
	}, nil
}

func (v *Verifier) replay(log eventlog.Log) (rtmr.Registers, error) {
	if err := log.Validate(); err != nil {
		return rtmr.Registers{}, err
	}
	digests, partition := log.Digests()
	counts := partition.Counts()
	v.log.Debug("Replaying event log", zap.Int("entries", len(log)), zap.Ints("partition", counts[:]))

	if v.pinned != nil && partition != *v.pinned {
		return rtmr.Registers{}, fmt.Errorf("%w: event log groups into %v digests, expected %v", rtmr.ErrInvalidPartition, counts, v.pinned.Counts())
	}
	registers, err := rtmr.Replay(digests, partition)
	if err != nil {
		return rtmr.Registers{}, fmt.Errorf("replaying event log: %w", err)
	}
	return registers, nil
}
