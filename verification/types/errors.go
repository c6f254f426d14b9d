package types

import "errors"

// Error kinds returned by quote decoding and quote verification.
// Callers should match them using [errors.Is].
var (
	// ErrMalformedQuote is returned if a quote is truncated, has an invalid header, or uses an unsupported version.
	ErrMalformedQuote = errors.New("malformed quote")
	// ErrUnsupportedReportVariant is returned if the report body of a quote is not a TD 1.0 report.
	ErrUnsupportedReportVariant = errors.New("unsupported report variant")

	// ErrMalformedCollateral is returned if collateral can not be decoded.
	ErrMalformedCollateral = errors.New("malformed collateral")
	// ErrCollateralMismatch is returned if collateral was issued for a different platform or TEE.
	ErrCollateralMismatch = errors.New("collateral does not match platform")
	// ErrSignatureInvalid is returned if a signature over the quote, the QE report, or signed collateral does not verify.
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrCertChainInvalid is returned if a certificate chain is broken, not anchored in the trusted root, or revoked.
	ErrCertChainInvalid = errors.New("invalid certificate chain")
	// ErrCollateralExpired is returned if collateral or certificates are not valid at the reference time.
	ErrCollateralExpired = errors.New("collateral expired")
	// ErrPlatformNotTrusted is returned if the platform, TDX module, or QE is not in an accepted TCB state.
	ErrPlatformNotTrusted = errors.New("platform not trusted")
)
