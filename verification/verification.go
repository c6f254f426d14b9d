/*
# Intel TDX Quote Verification

This package verifies Intel TDX quotes offline, using collateral supplied by the caller and a reference time.

Attestation of a TDX attestation statement follows these steps:

  - Verify the collateral at the reference time.

    This includes the PCK CRL chain, TCB Info, QE Identity information, and Intel's Root CA CRL.

  - Verify the PCK cert chain embedded in the quote using PCK CRL chain, Root CA CRL, and trusted Root CA.

  - Verify the quote using PCK Cert, TCB Info, and QE Identity.

  - Determine the TCB level of the platform and the QE, and check it against the accepted statuses.

Every failure wraps one of the error kinds exported by this package, which callers should match using [errors.Is].
*/
package verification

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/verification/crypto"
	"github.com/edgelesssys/go-tdx-evidence/verification/pcs"
	"github.com/edgelesssys/go-tdx-evidence/verification/status"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
)

// Error kinds returned by [Verifier.Verify].
var (
	ErrMalformedQuote           = types.ErrMalformedQuote
	ErrUnsupportedReportVariant = types.ErrUnsupportedReportVariant
	ErrMalformedCollateral      = types.ErrMalformedCollateral
	ErrCollateralMismatch       = types.ErrCollateralMismatch
	ErrSignatureInvalid         = types.ErrSignatureInvalid
	ErrCertChainInvalid         = types.ErrCertChainInvalid
	ErrCollateralExpired        = types.ErrCollateralExpired
	ErrPlatformNotTrusted       = types.ErrPlatformNotTrusted
)

// StatusError is returned if the platform or the QE is in a TCB state that is not accepted.
type StatusError struct {
	// Component is either "platform" or "QE".
	Component   string
	Status      status.TCBStatus
	AdvisoryIDs []string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s TCB status %s is not accepted", e.Component, e.Status)
	if len(e.AdvisoryIDs) > 0 {
		msg += fmt.Sprintf(" (advisories: %s)", strings.Join(e.AdvisoryIDs, ", "))
	}
	return msg
}

// Is makes StatusError match ErrPlatformNotTrusted.
func (e *StatusError) Is(target error) bool {
	return target == ErrPlatformNotTrusted
}

// VerifiedReport is the result of a successful quote verification.
type VerifiedReport struct {
	Report      types.TD10Report
	TCBStatus   status.TCBStatus
	QEStatus    status.TCBStatus
	AdvisoryIDs []string
	FMSPC       [6]byte
	PCEID       [2]byte
	TCBDate     time.Time
	// IssueDate and NextUpdate bound the validity of the TCB Info the report was verified with.
	IssueDate  time.Time
	NextUpdate time.Time
}

// Status returns the less trusted of the platform and QE status.
func (r VerifiedReport) Status() status.TCBStatus {
	return status.Worst(r.TCBStatus, r.QEStatus)
}

// Verifier is used to verify TDX quotes.
type Verifier struct {
	collateral *pcs.Verifier
	accepted   map[status.TCBStatus]struct{}
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithAcceptedStatuses sets the TCB statuses accepted for the platform and the QE.
// By default UpToDate and SWHardeningNeeded are accepted.
func WithAcceptedStatuses(statuses ...status.TCBStatus) Option {
	return func(v *Verifier) {
		v.accepted = make(map[status.TCBStatus]struct{}, len(statuses))
		for _, s := range statuses {
			v.accepted[s] = struct{}{}
		}
	}
}

// New creates a Verifier trusting the Intel SGX/TDX Root CA.
func New(opts ...Option) *Verifier {
	return newVerifier(pcs.New(), opts)
}

// NewWithRootCA creates a Verifier trusting the given root CA.
func NewWithRootCA(rootCA *x509.Certificate, opts ...Option) *Verifier {
	return newVerifier(pcs.NewWithRootCA(rootCA), opts)
}

func newVerifier(collateral *pcs.Verifier, opts []Option) *Verifier {
	v := &Verifier{collateral: collateral}
	WithAcceptedStatuses(status.Default()...)(v)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify verifies a TDX quote using the given collateral at referenceTime.
func (v *Verifier) Verify(quote types.Quote, collateral types.Collateral, referenceTime time.Time) (VerifiedReport, error) {
	report, err := quote.TD10()
	if err != nil {
		return VerifiedReport{}, err
	}

	bundle, err := v.collateral.VerifyCollateral(collateral, referenceTime)
	if err != nil {
		return VerifiedReport{}, fmt.Errorf("verifying collateral: %w", err)
	}

	pckCert, err := v.VerifyPCKCert(quote, bundle, referenceTime)
	if err != nil {
		return VerifiedReport{}, fmt.Errorf("verifying PCK certificate: %w", err)
	}

	result, err := verifyQuote(quote, report, pckCert, bundle.TCBInfo, bundle.QEIdentity)
	if err != nil {
		return VerifiedReport{}, fmt.Errorf("verifying TDX quote: %w", err)
	}

	if !v.accepts(result.platform.TCBStatus) {
		return VerifiedReport{}, &StatusError{Component: "platform", Status: result.platform.TCBStatus, AdvisoryIDs: result.platform.AdvisoryIDs}
	}
	if !v.accepts(result.qe.TCBStatus) {
		return VerifiedReport{}, &StatusError{Component: "QE", Status: result.qe.TCBStatus, AdvisoryIDs: result.qe.AdvisoryIDs}
	}

	return VerifiedReport{
		Report:      report,
		TCBStatus:   result.platform.TCBStatus,
		QEStatus:    result.qe.TCBStatus,
		AdvisoryIDs: result.platform.AdvisoryIDs,
		FMSPC:       result.extensions.FMSPC,
		PCEID:       result.extensions.PCEID,
		TCBDate:     result.platform.TCBDate,
		IssueDate:   bundle.TCBInfo.IssueDate,
		NextUpdate:  bundle.TCBInfo.NextUpdate,
	}, nil
}

func (v *Verifier) accepts(s status.TCBStatus) bool {
	_, ok := v.accepted[s]
	return ok
}

// VerifyPCKCert verifies the PCK certificate chain embedded in the quote and returns the PCK certificate.
// The chain must be issued by the pinned root CA, valid at ts, and not revoked by the verified CRLs of the bundle.
func (v *Verifier) VerifyPCKCert(quote types.Quote, bundle pcs.Bundle, ts time.Time) (*x509.Certificate, error) {
	pckCert, pckCA, err := parsePCKCertChain(quote, v.collateral.RootCA())
	if err != nil {
		return nil, fmt.Errorf("parsing PCK certificate chain: %w", err)
	}

	if _, err := v.collateral.VerifyChain([]*x509.Certificate{pckCA, v.collateral.RootCA()}, bundle.RootCACRL, ts); err != nil {
		return nil, fmt.Errorf("verifying PCK CA certificate: %w", err)
	}
	if err := bundle.PCKCRL.CheckSignatureFrom(pckCA); err != nil {
		return nil, fmt.Errorf("%w: PCK CRL was not issued by the PCK CA of the quote: %w", ErrCollateralMismatch, err)
	}

	// check if PCK cert is revoked
	if pcs.IsRevoked(bundle.PCKCRL, pckCert) {
		return nil, fmt.Errorf("%w: checking PCK certificate validity: certificate revoked by CRL", ErrCertChainInvalid)
	}

	if err := v.collateral.VerifyLeaf(pckCert, pckCA, ts); err != nil {
		return nil, fmt.Errorf("verifying PCK certificate: %w", err)
	}
	return pckCert, nil
}

type quoteResult struct {
	extensions types.SGXExtensions
	platform   types.TCBLevel
	qe         types.TCBLevel
}

// verifyQuote verifies the TDX quote using the PCK certificate, TCB Info, and QE Identity.
// The numbered steps refer to Intel's quote verification library.
func verifyQuote(quote types.Quote, report types.TD10Report, pckCert *x509.Certificate, tcbInfo types.TCBInfo, qeIdentity types.QEIdentity) (quoteResult, error) {
	// 4.1.2.4.9
	if quote.Header.TEEType != types.TEETypeTDX {
		return quoteResult{}, fmt.Errorf("%w: given quote is not a TDX quote: expected TEE type %x, got %x", ErrCollateralMismatch, types.TEETypeTDX, quote.Header.TEEType)
	}

	// 4.1.2.4.10
	// get pck cert extensions and verify using TCB Info
	ext, err := types.ParsePCKSGXExtensions(pckCert)
	if err != nil {
		return quoteResult{}, fmt.Errorf("%w: getting TEE extensions from PCK certificate: %w", ErrCertChainInvalid, err)
	}
	if ext.FMSPC != tcbInfo.FMSPC {
		return quoteResult{}, fmt.Errorf("%w: FMSPC in PCK certificate (%x) does not match FMSPC in TCB Info (%x)", ErrCollateralMismatch, ext.FMSPC, tcbInfo.FMSPC)
	}
	if ext.PCEID != tcbInfo.PCEID {
		return quoteResult{}, fmt.Errorf("%w: PCEID in PCK certificate (%x) does not match PCEID in TCB Info (%x)", ErrCollateralMismatch, ext.PCEID, tcbInfo.PCEID)
	}

	// 4.1.2.4.11
	// verify TDX module
	if report.MRSIGNERSEAM != tcbInfo.TDXModule.MRSIGNERSEAM {
		return quoteResult{}, fmt.Errorf("%w: MRSIGNERSEAM of the TDX module (%x) does not match MRSIGNERSEAM in TCB Info (%x)", ErrPlatformNotTrusted, report.MRSIGNERSEAM, tcbInfo.TDXModule.MRSIGNERSEAM)
	}
	maskedAttributes := report.SEAMAttributes & tcbInfo.TDXModule.SEAMAttributesMask
	if maskedAttributes != tcbInfo.TDXModule.SEAMAttributes {
		return quoteResult{}, fmt.Errorf("%w: masked SEAMAttributes of the TDX module (%x) do not match SEAMAttributes in TCB Info (%x)", ErrPlatformNotTrusted, maskedAttributes, tcbInfo.TDXModule.SEAMAttributes)
	}

	// 4.1.2.4.12
	// verify QE Report
	qeReport := quote.Signature.QEReport
	enclaveReport := qeReport.EnclaveReport.Marshal()
	if err := crypto.VerifyECDSASignature(pckCert.PublicKey, enclaveReport[:], qeReport.Signature[:]); err != nil {
		return quoteResult{}, fmt.Errorf("%w: verifying QE report signature: %w", ErrSignatureInvalid, err)
	}

	// 4.1.2.4.13
	// the QE report data binds the attestation key to the QE
	concat := make([]byte, 0, len(quote.Signature.PublicKey)+len(qeReport.QEAuthData.Data))
	concat = append(concat, quote.Signature.PublicKey[:]...)
	concatSHA256 := sha256.Sum256(append(concat, qeReport.QEAuthData.Data...))
	if !bytes.Equal(qeReport.EnclaveReport.ReportData[:32], concatSHA256[:]) {
		return quoteResult{}, fmt.Errorf("%w: QE report data does not match QE authentication data", ErrSignatureInvalid)
	}
	if !bytes.Equal(qeReport.EnclaveReport.ReportData[32:], make([]byte, 32)) {
		return quoteResult{}, fmt.Errorf("%w: QE report data is not zero padded", ErrSignatureInvalid)
	}

	// 4.1.2.4.14
	// verify QE Identity
	if err := verifyQEIdentity(qeReport.EnclaveReport, qeIdentity); err != nil {
		return quoteResult{}, err
	}

	// 4.1.2.4.15
	qeLevel := qeIdentity.GetTCBStatus(qeReport.EnclaveReport.ISVSVN)

	// 4.1.2.4.16
	// verify quote signature
	attestKey, err := crypto.BuildECDSAPublicKey(quote.Signature.PublicKey) // This key is called attestKey in Intel's code.
	if err != nil {
		return quoteResult{}, fmt.Errorf("%w: parsing attestation key: %w", ErrSignatureInvalid, err)
	}
	toVerify, err := quote.SignedData()
	if err != nil {
		return quoteResult{}, fmt.Errorf("%w: %w", ErrMalformedQuote, err)
	}
	if err := crypto.VerifyECDSASignature(attestKey, toVerify, quote.Signature.Signature[:]); err != nil {
		return quoteResult{}, fmt.Errorf("%w: verifying quote signature: %w", ErrSignatureInvalid, err)
	}

	// 4.1.2.4.17
	// check TCB level
	platformLevel, err := tcbInfo.GetTCBLevel(ext.TCB, report.TEETCBSVN)
	if err != nil {
		return quoteResult{}, fmt.Errorf("%w: %w", ErrPlatformNotTrusted, err)
	}

	return quoteResult{
		extensions: ext,
		platform:   platformLevel,
		qe:         qeLevel,
	}, nil
}

func verifyQEIdentity(report types.EnclaveReport, qeIdentity types.QEIdentity) error {
	if report.MRSIGNER != qeIdentity.MRSIGNER {
		return fmt.Errorf("%w: MRSIGNER of the QE (%x) does not match QE Identity (%x)", ErrPlatformNotTrusted, report.MRSIGNER, qeIdentity.MRSIGNER)
	}
	if report.ISVProdID != qeIdentity.ISVProdID {
		return fmt.Errorf("%w: ISVProdID of the QE (%d) does not match QE Identity (%d)", ErrPlatformNotTrusted, report.ISVProdID, qeIdentity.ISVProdID)
	}
	if report.MiscSelect&qeIdentity.MiscSelectMask != qeIdentity.MiscSelect {
		return fmt.Errorf("%w: masked MISCSELECT of the QE (%x) does not match QE Identity (%x)", ErrPlatformNotTrusted, report.MiscSelect&qeIdentity.MiscSelectMask, qeIdentity.MiscSelect)
	}
	var maskedAttributes [16]byte
	for i := range maskedAttributes {
		maskedAttributes[i] = report.Attributes[i] & qeIdentity.AttributesMask[i]
	}
	if maskedAttributes != qeIdentity.Attributes {
		return fmt.Errorf("%w: masked attributes of the QE (%x) do not match QE Identity (%x)", ErrPlatformNotTrusted, maskedAttributes, qeIdentity.Attributes)
	}
	return nil
}

// parsePCKCertChain parses the PEM-encoded PCK certificate chain from a TDX quote.
// The Quote should contain a certificate chain with 3 certificates: PCK, PCK Intermediate, and Root CA.
// The root must be the pinned root CA.
func parsePCKCertChain(quote types.Quote, rootCA *x509.Certificate) (pckCert, pckCA *x509.Certificate, err error) {
	certChainPEM, err := quote.PCKCertChain()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedQuote, err)
	}

	certChain, err := crypto.ParsePEMCertificateChain(certChainPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCertChainInvalid, err)
	}
	if len(certChain) != 3 {
		return nil, nil, fmt.Errorf("%w: PCK certificate chain must have 3 certificates, got %d", ErrCertChainInvalid, len(certChain))
	}
	if !certChain[2].Equal(rootCA) {
		return nil, nil, fmt.Errorf("%w: PCK certificate chain does not end in the trusted root CA", ErrCertChainInvalid)
	}

	return certChain[0], certChain[1], nil
}
