package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Collateral is the reference material issued by Intel's PCS that is needed to verify a TDX quote offline.
// Field names follow the collateral structure of Intel's quote verification library.
type Collateral struct {
	// PCKCRLIssuerChain is the PEM encoded chain of the PCK CRL issuer (PCK CA and root CA).
	PCKCRLIssuerChain []byte `cbor:"pck_crl_issuer_chain" json:"pck_crl_issuer_chain"`
	// RootCACRL is the DER encoded CRL of the root CA.
	RootCACRL []byte `cbor:"root_ca_crl" json:"root_ca_crl"`
	// PCKCRL is the DER encoded CRL of the PCK CA.
	PCKCRL []byte `cbor:"pck_crl" json:"pck_crl"`
	// TCBInfoIssuerChain is the PEM encoded chain of the TCB Info signer (TCB signing certificate and root CA).
	TCBInfoIssuerChain []byte `cbor:"tcb_info_issuer_chain" json:"tcb_info_issuer_chain"`
	// TCBInfo is the signed "tcbInfo" JSON body.
	TCBInfo []byte `cbor:"tcb_info" json:"tcb_info"`
	// TCBInfoSignature is the raw (r || s) ECDSA signature over TCBInfo.
	TCBInfoSignature []byte `cbor:"tcb_info_signature" json:"tcb_info_signature"`
	// QEIdentityIssuerChain is the PEM encoded chain of the QE Identity signer.
	QEIdentityIssuerChain []byte `cbor:"qe_identity_issuer_chain" json:"qe_identity_issuer_chain"`
	// QEIdentity is the signed "enclaveIdentity" JSON body.
	QEIdentity []byte `cbor:"qe_identity" json:"qe_identity"`
	// QEIdentitySignature is the raw (r || s) ECDSA signature over QEIdentity.
	QEIdentitySignature []byte `cbor:"qe_identity_signature" json:"qe_identity_signature"`
}

var (
	collateralDecMode = mustDecMode(cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	})
	collateralEncMode = mustEncMode(cbor.CoreDetEncOptions())
)

// ParseCollateral decodes CBOR encoded collateral.
// Unknown or duplicate fields, and missing members, are rejected.
func ParseCollateral(raw []byte) (Collateral, error) {
	var c Collateral
	if err := collateralDecMode.Unmarshal(raw, &c); err != nil {
		return Collateral{}, fmt.Errorf("%w: decoding collateral: %w", ErrMalformedCollateral, err)
	}
	if err := c.Validate(); err != nil {
		return Collateral{}, err
	}
	return c, nil
}

// Validate checks that every member of the collateral is present.
func (c *Collateral) Validate() error {
	members := []struct {
		name  string
		value []byte
	}{
		{"pck_crl_issuer_chain", c.PCKCRLIssuerChain},
		{"root_ca_crl", c.RootCACRL},
		{"pck_crl", c.PCKCRL},
		{"tcb_info_issuer_chain", c.TCBInfoIssuerChain},
		{"tcb_info", c.TCBInfo},
		{"tcb_info_signature", c.TCBInfoSignature},
		{"qe_identity_issuer_chain", c.QEIdentityIssuerChain},
		{"qe_identity", c.QEIdentity},
		{"qe_identity_signature", c.QEIdentitySignature},
	}
	for _, m := range members {
		if len(m.value) == 0 {
			return fmt.Errorf("%w: missing %s", ErrMalformedCollateral, m.name)
		}
	}
	return nil
}

// Marshal encodes the collateral using deterministic CBOR.
func (c *Collateral) Marshal() ([]byte, error) {
	raw, err := collateralEncMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding collateral: %w", err)
	}
	return raw, nil
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	mode, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}
