/*
Package pcs verifies the collateral issued by Intel's Provisioning Certification Service (PCS).

Collateral is verified offline, against a reference time, and consists of:
  - TCB Info
  - PCK CRL and the PCK CA certificate
  - QE Identity
  - Intel Root CA CRL

Every member is verified using the Intel SGX/TDX certificate hierarchy:

	    	                 ┌───────────────┐
	    	                 │ Intel Root CA │
	    	                 └───────┬───────┘
	    	                         │
	    	                       Signs
	    	                         │
	        ┌────────────────────────┼───────────────────────┐────────────────────────┐
	        │                        │                       │                        │
	        ▼                        ▼                       ▼                        ▼
	┌───────────────┐      ┌──────────────────┐      ┌──────────────────┐       ┌───────────────────┐
	│  PCK CA Cert  │◄──┐  │ TCB Signing Cert │◄──┐  │ QE  Signing Cert │◄──┬───┤ Intel Root CA CRL │
	└───────┬───────┘   │  └──────────────────┘   │  └──────────────────┘   │   └───────────────────┘
		    │           │                         │                         │
	      Signs         └─────────────────────────└─────────────────────────┘
	        │                                                          Revokes
	        ├────────────────────┐
	        │                    │
	        ▼                    ▼
	  ┌──────────┐          ┌─────────┐
	  │ PCK Cert │◄─────────┤ PCK CRL │
	  └──────────┘  Revokes └─────────┘

The trusted root is pinned by the Verifier. It defaults to the Intel Root CA.
Issuer chains carried by the collateral must consist of exactly one intermediate and the pinned root.
*/
package pcs

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/verification/crypto"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
)

// Verifier verifies collateral against a pinned root CA.
type Verifier struct {
	rootCA *x509.Certificate
}

// New returns a Verifier trusting the Intel SGX/TDX Root CA.
func New() *Verifier {
	return &Verifier{rootCA: crypto.IntelRootCA()}
}

// NewWithRootCA returns a Verifier trusting the given root CA instead of Intel's.
func NewWithRootCA(rootCA *x509.Certificate) *Verifier {
	return &Verifier{rootCA: rootCA}
}

// RootCA returns the pinned root CA.
func (v *Verifier) RootCA() *x509.Certificate {
	return v.rootCA
}

// Bundle is verified collateral.
type Bundle struct {
	TCBInfo    types.TCBInfo
	QEIdentity types.QEIdentity
	RootCACRL  *x509.RevocationList
	PCKCRL     *x509.RevocationList
	// PCKCRLIssuer is the PCK CA certificate that issued PCKCRL.
	PCKCRLIssuer *x509.Certificate
}

// VerifyCollateral verifies every member of the collateral at the reference time ts.
func (v *Verifier) VerifyCollateral(collateral types.Collateral, ts time.Time) (Bundle, error) {
	if err := collateral.Validate(); err != nil {
		return Bundle{}, err
	}

	rootCRL, err := parseCRL(collateral.RootCACRL)
	if err != nil {
		return Bundle{}, fmt.Errorf("parsing root CA CRL: %w", err)
	}
	if err := CheckCRL(rootCRL, v.rootCA, ts); err != nil {
		return Bundle{}, fmt.Errorf("verifying root CA CRL: %w", err)
	}

	pckCA, err := v.verifyIssuerChain(collateral.PCKCRLIssuerChain, rootCRL, ts)
	if err != nil {
		return Bundle{}, fmt.Errorf("verifying PCK CRL issuer chain: %w", err)
	}
	pckCRL, err := parseCRL(collateral.PCKCRL)
	if err != nil {
		return Bundle{}, fmt.Errorf("parsing PCK CRL: %w", err)
	}
	if err := CheckCRL(pckCRL, pckCA, ts); err != nil {
		return Bundle{}, fmt.Errorf("verifying PCK CRL: %w", err)
	}

	tcbInfo, err := v.verifyTCBInfo(collateral, rootCRL, ts)
	if err != nil {
		return Bundle{}, fmt.Errorf("verifying TCB Info: %w", err)
	}
	qeIdentity, err := v.verifyQEIdentity(collateral, rootCRL, ts)
	if err != nil {
		return Bundle{}, fmt.Errorf("verifying QE Identity: %w", err)
	}

	return Bundle{
		TCBInfo:      tcbInfo,
		QEIdentity:   qeIdentity,
		RootCACRL:    rootCRL,
		PCKCRL:       pckCRL,
		PCKCRLIssuer: pckCA,
	}, nil
}

func (v *Verifier) verifyTCBInfo(collateral types.Collateral, rootCRL *x509.RevocationList, ts time.Time) (types.TCBInfo, error) {
	signingCert, err := v.verifyIssuerChain(collateral.TCBInfoIssuerChain, rootCRL, ts)
	if err != nil {
		return types.TCBInfo{}, fmt.Errorf("verifying issuer chain: %w", err)
	}
	if err := crypto.VerifyECDSASignature(signingCert.PublicKey, collateral.TCBInfo, collateral.TCBInfoSignature); err != nil {
		return types.TCBInfo{}, fmt.Errorf("%w: %w", types.ErrSignatureInvalid, err)
	}

	var tcbInfo types.TCBInfo
	if err := json.Unmarshal(collateral.TCBInfo, &tcbInfo); err != nil {
		return types.TCBInfo{}, fmt.Errorf("%w: %w", types.ErrMalformedCollateral, err)
	}

	// 4.1.2.4.9
	if tcbInfo.Version < types.TCBInfoMinVersion {
		return types.TCBInfo{}, fmt.Errorf("%w: TCB Info version %d is not valid for TDX", types.ErrCollateralMismatch, tcbInfo.Version)
	}
	if tcbInfo.ID != types.TCBInfoTDXID {
		return types.TCBInfo{}, fmt.Errorf("%w: TCB Info was generated for a different TEE: expected %s, got %s", types.ErrCollateralMismatch, types.TCBInfoTDXID, tcbInfo.ID)
	}
	if err := tcbInfo.ValidAt(ts); err != nil {
		return types.TCBInfo{}, err
	}
	return tcbInfo, nil
}

func (v *Verifier) verifyQEIdentity(collateral types.Collateral, rootCRL *x509.RevocationList, ts time.Time) (types.QEIdentity, error) {
	signingCert, err := v.verifyIssuerChain(collateral.QEIdentityIssuerChain, rootCRL, ts)
	if err != nil {
		return types.QEIdentity{}, fmt.Errorf("verifying issuer chain: %w", err)
	}
	if err := crypto.VerifyECDSASignature(signingCert.PublicKey, collateral.QEIdentity, collateral.QEIdentitySignature); err != nil {
		return types.QEIdentity{}, fmt.Errorf("%w: %w", types.ErrSignatureInvalid, err)
	}

	var qeIdentity types.QEIdentity
	if err := json.Unmarshal(collateral.QEIdentity, &qeIdentity); err != nil {
		return types.QEIdentity{}, fmt.Errorf("%w: %w", types.ErrMalformedCollateral, err)
	}

	// 4.1.2.4.14
	if qeIdentity.Version != types.QEIdentityVersion {
		return types.QEIdentity{}, fmt.Errorf("%w: QE Identity version %d is not valid for TDX", types.ErrCollateralMismatch, qeIdentity.Version)
	}
	if qeIdentity.ID != types.QEIdentityTDXID {
		return types.QEIdentity{}, fmt.Errorf("%w: QE Identity was generated for a different TEE: expected %s, got %s", types.ErrCollateralMismatch, types.QEIdentityTDXID, qeIdentity.ID)
	}
	if err := qeIdentity.ValidAt(ts); err != nil {
		return types.QEIdentity{}, err
	}
	return qeIdentity, nil
}

func (v *Verifier) verifyIssuerChain(chainPEM []byte, rootCRL *x509.RevocationList, ts time.Time) (*x509.Certificate, error) {
	chain, err := crypto.ParsePEMCertificateChain(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrMalformedCollateral, err)
	}
	return v.VerifyChain(chain, rootCRL, ts)
}

// VerifyChain checks the certificates in a given chain and returns its intermediate certificate.
// This function expects the chain to be part of Intel's SGX/TDX certificate hierarchy.
// We expect the chain to be of length 2, where one of the certificates is the pinned root CA certificate.
// We verify that the intermediate CA certificate of the chain is signed by the root, valid at ts,
// and not revoked by the root CA CRL. The CRL itself must have been checked by the caller.
func (v *Verifier) VerifyChain(chain []*x509.Certificate, rootCRL *x509.RevocationList, ts time.Time) (*x509.Certificate, error) {
	if len(chain) != 2 {
		return nil, fmt.Errorf("%w: unexpected number of certificates in chain: expected 2, got: %d", types.ErrCertChainInvalid, len(chain))
	}

	// get the intermediate CA certificate from the chain
	intermediateCACert := chain[0]
	if chain[0].Equal(v.rootCA) {
		intermediateCACert = chain[1]
	} else if !chain[1].Equal(v.rootCA) {
		return nil, fmt.Errorf("%w: certificate chain does not contain expected root CA certificate", types.ErrCertChainInvalid)
	}

	if IsRevoked(rootCRL, intermediateCACert) {
		return nil, fmt.Errorf("%w: certificate %s has been revoked by the root CRL", types.ErrCertChainInvalid, intermediateCACert.SerialNumber)
	}

	roots := x509.NewCertPool()
	roots.AddCert(v.rootCA)
	if err := verifyCert(intermediateCACert, roots, nil, ts); err != nil {
		return nil, err
	}
	return intermediateCACert, nil
}

// VerifyLeaf checks that leaf chains up to intermediate and the pinned root CA at ts.
// Revocation is not checked.
func (v *Verifier) VerifyLeaf(leaf, intermediate *x509.Certificate, ts time.Time) error {
	roots := x509.NewCertPool()
	roots.AddCert(v.rootCA)
	intermediates := x509.NewCertPool()
	intermediates.AddCert(intermediate)
	return verifyCert(leaf, roots, intermediates, ts)
}

func verifyCert(cert *x509.Certificate, roots, intermediates *x509.CertPool, ts time.Time) error {
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   ts,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		var invalidErr x509.CertificateInvalidError
		if errors.As(err, &invalidErr) && invalidErr.Reason == x509.Expired {
			return fmt.Errorf("%w: %w", types.ErrCollateralExpired, err)
		}
		return fmt.Errorf("%w: checking certificate signature: %w", types.ErrCertChainInvalid, err)
	}
	return nil
}

// CheckCRL checks that crl was signed by issuer and is valid at ts.
func CheckCRL(crl *x509.RevocationList, issuer *x509.Certificate, ts time.Time) error {
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("%w: checking CRL signature: %w", types.ErrCertChainInvalid, err)
	}
	if ts.Before(crl.ThisUpdate) {
		return fmt.Errorf("%w: CRL is not yet valid (this update %s, reference time %s)", types.ErrCollateralExpired, crl.ThisUpdate.Format(time.RFC3339), ts.Format(time.RFC3339))
	}
	if crl.NextUpdate.IsZero() || ts.After(crl.NextUpdate) {
		return fmt.Errorf("%w: CRL has expired (next update %s, reference time %s)", types.ErrCollateralExpired, crl.NextUpdate.Format(time.RFC3339), ts.Format(time.RFC3339))
	}
	return nil
}

// IsRevoked reports whether cert is listed in crl.
func IsRevoked(crl *x509.RevocationList, cert *x509.Certificate) bool {
	for _, revoked := range crl.RevokedCertificateEntries {
		if cert.SerialNumber.Cmp(revoked.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

func parseCRL(der []byte) (*x509.RevocationList, error) {
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing CRL from DER: %w", types.ErrMalformedCollateral, err)
	}
	return crl, nil
}
