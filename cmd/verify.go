package cmd

import (
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/evidence"
	"github.com/edgelesssys/go-tdx-evidence/rtmr"
	"github.com/edgelesssys/go-tdx-evidence/verification"
	"github.com/edgelesssys/go-tdx-evidence/verification/crypto"
	"github.com/edgelesssys/go-tdx-evidence/verification/status"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	cfgVerifyMode           = "verify.mode"
	cfgVerifyCollateral     = "verify.collateral"
	cfgVerifyReferenceTime  = "verify.reference_time"
	cfgVerifyRootCA         = "verify.root_ca"
	cfgVerifyBinding        = "verify.binding"
	cfgVerifyPartition      = "verify.partition"
	cfgVerifyAcceptedStatus = "verify.accepted_status"
)

func (a *app) newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <evidence.json>",
		Short: "Verify evidence and print its commitment",
		Long: `Verify evidence and print its commitment.

The evidence is a JSON document with the quote, the event log, and optionally collateral.
Use "-" to read it from stdin. In structural mode only the consistency of quote and event log
is checked. Authenticated mode additionally verifies the quote against the collateral.`,
		Args: cobra.ExactArgs(1),
	}
	cmd.RunE = a.run(a.runVerify)

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String(cfgVerifyMode, evidence.ModeAuthenticated.String(), "verification mode (structural, authenticated)")
	fs.String(cfgVerifyCollateral, "", "path to CBOR encoded collateral, overrides the collateral of the evidence")
	fs.String(cfgVerifyReferenceTime, "", "time to evaluate collateral at, as RFC 3339 or Unix seconds (default: evidence or now)")
	fs.String(cfgVerifyRootCA, "", "path to a PEM encoded root CA (default: Intel SGX Root CA)")
	fs.String(cfgVerifyBinding, evidence.BindByName.String(), "binding of named events to the event log (name, digest)")
	fs.String(cfgVerifyPartition, "", `required grouping of the event log, "dstack" or four comma separated counts`)
	fs.StringSlice(cfgVerifyAcceptedStatus, statusStrings(status.Default()), "accepted TCB statuses")
	cmd.Flags().AddFlagSet(fs)
	_ = a.cfg.BindPFlags(fs)

	return cmd
}

// verifyOutput is the JSON output of the verify command.
type verifyOutput struct {
	Mode               string                `json:"mode"`
	Commitment         hexBytes              `json:"commitment"`
	PublicValuesDigest hexBytes              `json:"public_values_digest"`
	RTMR               [rtmr.Count]hexBytes  `json:"rtmr"`
	Key                hexBytes              `json:"key"`
	BuildHash          hexBytes              `json:"build_hash"`
	AppID              hexBytes              `json:"app_id"`
	Platform           *verifiedPlatformJSON `json:"platform,omitempty"`
}

type verifiedPlatformJSON struct {
	Status      string    `json:"status"`
	TCBStatus   string    `json:"tcb_status"`
	QEStatus    string    `json:"qe_status"`
	AdvisoryIDs []string  `json:"advisory_ids,omitempty"`
	FMSPC       hexBytes  `json:"fmspc"`
	TCBDate     time.Time `json:"tcb_date"`
	NextUpdate  time.Time `json:"next_update"`
}

func (a *app) runVerify(cmd *cobra.Command, args []string) error {
	mode, err := evidence.ParseMode(a.cfg.GetString(cfgVerifyMode))
	if err != nil {
		return err
	}

	data, err := readInput(cmd, args[0])
	if err != nil {
		return fmt.Errorf("reading evidence: %w", err)
	}
	ev, err := evidence.Parse(data)
	if err != nil {
		return err
	}
	if path := a.cfg.GetString(cfgVerifyCollateral); path != "" {
		collateral, err := readInput(cmd, path)
		if err != nil {
			return fmt.Errorf("reading collateral: %w", err)
		}
		ev.Collateral = decodeMaybeHex(collateral)
	}
	if ts := a.cfg.GetString(cfgVerifyReferenceTime); ts != "" {
		if ev.ReferenceTime, err = parseReferenceTime(ts); err != nil {
			return err
		}
	}

	opts, err := a.verifierOptions(mode)
	if err != nil {
		return err
	}
	a.log.Info("Verifying evidence", zap.Stringer("mode", mode), zap.Int("entries", len(ev.EventLog)))
	res, err := evidence.NewVerifier(opts...).Verify(mode, ev)
	if err != nil {
		return err
	}

	encoded := res.Commitment.Encode()
	digest := res.Commitment.PublicValuesDigest()
	out := verifyOutput{
		Mode:               res.Mode.String(),
		Commitment:         encoded[:],
		PublicValuesDigest: digest[:],
		RTMR:               registersJSON(res.Commitment.RTMR),
		Key:                res.Commitment.Key[:],
		BuildHash:          res.CrossCheck.BuildHash,
		AppID:              res.CrossCheck.AppID,
	}
	if res.Verified != nil {
		out.Platform = &verifiedPlatformJSON{
			Status:      string(res.Verified.Status()),
			TCBStatus:   string(res.Verified.TCBStatus),
			QEStatus:    string(res.Verified.QEStatus),
			AdvisoryIDs: res.Verified.AdvisoryIDs,
			FMSPC:       res.Verified.FMSPC[:],
			TCBDate:     res.Verified.TCBDate,
			NextUpdate:  res.Verified.NextUpdate,
		}
	}
	a.log.Info("Evidence verified", zap.String("commitment", fmt.Sprintf("%x", digest)))
	return a.write(cmd, out, func() []byte { return encoded[:] })
}

func (a *app) verifierOptions(mode evidence.Mode) ([]evidence.Option, error) {
	binding, err := evidence.ParseBindingPolicy(a.cfg.GetString(cfgVerifyBinding))
	if err != nil {
		return nil, err
	}
	opts := []evidence.Option{
		evidence.WithLogger(a.log),
		evidence.WithBindingPolicy(binding),
	}

	if p := a.cfg.GetString(cfgVerifyPartition); p != "" {
		partition, err := parsePartition(p)
		if err != nil {
			return nil, err
		}
		opts = append(opts, evidence.WithPinnedPartition(partition))
	}

	if mode != evidence.ModeAuthenticated {
		return opts, nil
	}

	rootCA := crypto.IntelRootCA()
	if path := a.cfg.GetString(cfgVerifyRootCA); path != "" {
		if rootCA, err = readRootCA(path); err != nil {
			return nil, err
		}
	}
	var accepted []status.TCBStatus
	for _, s := range a.cfg.GetStringSlice(cfgVerifyAcceptedStatus) {
		tcbStatus, err := status.Parse(s)
		if err != nil {
			return nil, err
		}
		accepted = append(accepted, tcbStatus)
	}
	var quoteOpts []verification.Option
	if len(accepted) > 0 {
		quoteOpts = append(quoteOpts, verification.WithAcceptedStatuses(accepted...))
	}

	return append(opts, evidence.WithQuoteVerifier(verification.NewWithRootCA(rootCA, quoteOpts...))), nil
}

func readRootCA(path string) (*x509.Certificate, error) {
	certs, err := readPEMChain(path)
	if err != nil {
		return nil, fmt.Errorf("reading root CA: %w", err)
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("reading root CA: expected one certificate, got %d", len(certs))
	}
	return certs[0], nil
}

// parseReferenceTime parses an RFC 3339 timestamp or Unix seconds.
func parseReferenceTime(s string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing reference time: %w", err)
	}
	return ts, nil
}

// parsePartition parses "dstack" or the number of digests of each register, e.g. "17,5,2,9".
func parsePartition(s string) (rtmr.Partition, error) {
	if strings.EqualFold(s, "dstack") {
		return rtmr.DstackPartition, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != rtmr.Count {
		return rtmr.Partition{}, fmt.Errorf("%w: expected %d counts, got %q", rtmr.ErrInvalidPartition, rtmr.Count, s)
	}
	var counts [rtmr.Count]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return rtmr.Partition{}, fmt.Errorf("%w: invalid count %q for RTMR%d", rtmr.ErrInvalidPartition, part, i)
		}
		counts[i] = n
	}
	return rtmr.PartitionFromCounts(counts), nil
}

func statusStrings(statuses []status.TCBStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func readPEMChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return crypto.ParsePEMCertificateChain(data)
}
