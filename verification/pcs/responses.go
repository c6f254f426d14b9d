package pcs

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/edgelesssys/go-tdx-evidence/verification/crypto"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
)

// Response header names under which Intel's PCS returns issuer chains.
const (
	PCKCRLIssuerChainHeader     = "Sgx-Pck-Crl-Issuer-Chain"
	QEIdentityIssuerChainHeader = "Sgx-Enclave-Identity-Issuer-Chain"
	TCBInfoIssuerChainHeader    = "Tcb-Info-Issuer-Chain"
)

// Responses are the raw responses of Intel's PCS (or a PCCS) needed to assemble collateral.
// Fetching them is left to the caller.
type Responses struct {
	// TCBInfo is the body of GET /tdx/certification/v4/tcb.
	TCBInfo []byte
	// TCBInfoIssuerChain is the URL encoded Tcb-Info-Issuer-Chain header.
	TCBInfoIssuerChain string
	// QEIdentity is the body of GET /tdx/certification/v4/qe/identity.
	QEIdentity []byte
	// QEIdentityIssuerChain is the URL encoded Sgx-Enclave-Identity-Issuer-Chain header.
	QEIdentityIssuerChain string
	// PCKCRL is the DER encoded body of GET /sgx/certification/v4/pckcrl.
	PCKCRL []byte
	// PCKCRLIssuerChain is the URL encoded Sgx-Pck-Crl-Issuer-Chain header.
	PCKCRLIssuerChain string
	// RootCACRL is the DER encoded Intel Root CA CRL.
	RootCACRL []byte
}

// AssembleCollateral builds collateral from PCS responses.
// The signed JSON bodies are kept byte for byte so their signatures can be verified later.
// Nothing is verified here, use [Verifier.VerifyCollateral] on the result.
func AssembleCollateral(r Responses) (types.Collateral, error) {
	tcbInfo, tcbInfoSignature, err := splitSignedBody(r.TCBInfo, "tcbInfo")
	if err != nil {
		return types.Collateral{}, fmt.Errorf("splitting TCB Info response: %w", err)
	}
	qeIdentity, qeIdentitySignature, err := splitSignedBody(r.QEIdentity, "enclaveIdentity")
	if err != nil {
		return types.Collateral{}, fmt.Errorf("splitting QE Identity response: %w", err)
	}

	tcbInfoChain, err := issuerChainFromCertHeader(r.TCBInfoIssuerChain)
	if err != nil {
		return types.Collateral{}, fmt.Errorf("decoding TCB Info issuer chain: %w", err)
	}
	qeIdentityChain, err := issuerChainFromCertHeader(r.QEIdentityIssuerChain)
	if err != nil {
		return types.Collateral{}, fmt.Errorf("decoding QE Identity issuer chain: %w", err)
	}
	pckCRLChain, err := issuerChainFromCertHeader(r.PCKCRLIssuerChain)
	if err != nil {
		return types.Collateral{}, fmt.Errorf("decoding PCK CRL issuer chain: %w", err)
	}

	collateral := types.Collateral{
		PCKCRLIssuerChain:     pckCRLChain,
		RootCACRL:             r.RootCACRL,
		PCKCRL:                r.PCKCRL,
		TCBInfoIssuerChain:    tcbInfoChain,
		TCBInfo:               tcbInfo,
		TCBInfoSignature:      tcbInfoSignature,
		QEIdentityIssuerChain: qeIdentityChain,
		QEIdentity:            qeIdentity,
		QEIdentitySignature:   qeIdentitySignature,
	}
	if err := collateral.Validate(); err != nil {
		return types.Collateral{}, err
	}
	return collateral, nil
}

// splitSignedBody extracts the signed JSON body stored under key and its hex encoded signature from a PCS response.
func splitSignedBody(response []byte, key string) ([]byte, []byte, error) {
	var pcsResponse map[string]pcsJSONBody
	if err := json.Unmarshal(response, &pcsResponse); err != nil {
		return nil, nil, fmt.Errorf("%w: unmarshaling PCS response: %w", types.ErrMalformedCollateral, err)
	}
	body, ok := pcsResponse[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: PCS response has no %q member", types.ErrMalformedCollateral, key)
	}

	var signatureHex string
	if err := json.Unmarshal(pcsResponse["signature"], &signatureHex); err != nil {
		return nil, nil, fmt.Errorf("%w: reading signature: %w", types.ErrMalformedCollateral, err)
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding signature: %w", types.ErrMalformedCollateral, err)
	}
	return body, signature, nil
}

// issuerChainFromCertHeader decodes a certificate chain from a PCS response header.
// Intel's PCS returns the signing chain in the response header as a URL encoded PEM string.
// The chain contains the root certificate and one intermediate certificate.
func issuerChainFromCertHeader(header string) ([]byte, error) {
	certChain, err := url.QueryUnescape(header)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding certificate chain from PCS response header: %w", types.ErrMalformedCollateral, err)
	}
	if _, err := crypto.ParsePEMCertificateChain([]byte(certChain)); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrMalformedCollateral, err)
	}
	return []byte(certChain), nil
}

// pcsJSONBody is used to unmarshal the response body of a PCS JSON into a byte slice.
// This is necessary because we need to verify the signature of the response body.
type pcsJSONBody []byte

func (b *pcsJSONBody) UnmarshalJSON(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}
