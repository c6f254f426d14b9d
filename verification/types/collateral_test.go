package types_test

import (
	"testing"

	"github.com/edgelesssys/go-tdx-evidence/blobs"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCollateral(t *testing.T) {
	f := blobs.MustNew(blobs.Options{})

	members := func() map[string][]byte {
		return map[string][]byte{
			"pck_crl_issuer_chain":     f.Collateral.PCKCRLIssuerChain,
			"root_ca_crl":              f.Collateral.RootCACRL,
			"pck_crl":                  f.Collateral.PCKCRL,
			"tcb_info_issuer_chain":    f.Collateral.TCBInfoIssuerChain,
			"tcb_info":                 f.Collateral.TCBInfo,
			"tcb_info_signature":       f.Collateral.TCBInfoSignature,
			"qe_identity_issuer_chain": f.Collateral.QEIdentityIssuerChain,
			"qe_identity":              f.Collateral.QEIdentity,
			"qe_identity_signature":    f.Collateral.QEIdentitySignature,
		}
	}
	encode := func(m map[string][]byte) []byte {
		raw, err := cbor.Marshal(m)
		if err != nil {
			panic(err)
		}
		return raw
	}

	testCases := map[string]struct {
		raw     []byte
		wantErr bool
	}{
		"fixture collateral": {
			raw: f.RawCollateral,
		},
		"map encoding": {
			raw: encode(members()),
		},
		"missing member": {
			raw: func() []byte {
				m := members()
				delete(m, "tcb_info_signature")
				return encode(m)
			}(),
			wantErr: true,
		},
		"empty member": {
			raw: func() []byte {
				m := members()
				m["pck_crl"] = []byte{}
				return encode(m)
			}(),
			wantErr: true,
		},
		"unknown member": {
			raw: func() []byte {
				m := members()
				m["pck_cert"] = []byte{0x01}
				return encode(m)
			}(),
			wantErr: true,
		},
		"not CBOR": {
			raw:     []byte("collateral"),
			wantErr: true,
		},
		"empty": {
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			collateral, err := types.ParseCollateral(tc.raw)
			if tc.wantErr {
				assert.ErrorIs(err, types.ErrMalformedCollateral)
				return
			}
			assert.NoError(err)
			assert.Equal(f.Collateral, collateral)
		})
	}
}

func TestMarshalCollateralIsDeterministic(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := blobs.MustNew(blobs.Options{})
	raw, err := f.Collateral.Marshal()
	require.NoError(err)
	assert.Equal(f.RawCollateral, raw)

	parsed, err := types.ParseCollateral(raw)
	require.NoError(err)
	again, err := parsed.Marshal()
	require.NoError(err)
	assert.Equal(raw, again)
}
