package verification

import (
	"crypto/x509"
	"errors"
	"reflect"
	"testing"
	"time"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/edgelesssys/go-tdx-evidence/blobs"
	"github.com/edgelesssys/go-tdx-evidence/verification/crypto"
	"github.com/edgelesssys/go-tdx-evidence/verification/status"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestVerify(t *testing.T) {
	lowerTCB := [16]byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
	noTCB := [16]byte{}

	testCases := map[string]struct {
		opts           blobs.Options
		verifierOpts   []Option
		timeOffset     time.Duration
		otherRoot      bool
		wantErr        error
		wantTCBStatus  status.TCBStatus
		wantQEStatus   status.TCBStatus
		wantStatus     status.TCBStatus
		wantAdvisories []string
	}{
		"v4 quote": {
			wantTCBStatus: status.UpToDate,
		},
		"v5 quote": {
			opts:          blobs.Options{QuoteVersion: 5},
			wantTCBStatus: status.UpToDate,
		},
		"SW hardening needed is accepted by default": {
			opts:           blobs.Options{TCBStatus: status.SWHardeningNeeded, AdvisoryIDs: []string{"INTEL-SA-00615"}},
			wantTCBStatus:  status.SWHardeningNeeded,
			wantAdvisories: []string{"INTEL-SA-00615"},
		},
		"configuration needed is rejected by default": {
			opts:    blobs.Options{TCBStatus: status.ConfigurationNeeded},
			wantErr: ErrPlatformNotTrusted,
		},
		"configuration needed accepted when configured": {
			opts:          blobs.Options{TCBStatus: status.ConfigurationNeeded},
			verifierOpts:  []Option{WithAcceptedStatuses(status.UpToDate, status.ConfigurationNeeded)},
			wantTCBStatus: status.ConfigurationNeeded,
		},
		"older TEE TCB matches out of date level": {
			opts:    blobs.Options{TEETCBSVN: &lowerTCB},
			wantErr: ErrPlatformNotTrusted,
		},
		"older TEE TCB accepted when out of date is accepted": {
			opts:           blobs.Options{TEETCBSVN: &lowerTCB},
			verifierOpts:   []Option{WithAcceptedStatuses(status.UpToDate, status.OutOfDate)},
			wantTCBStatus:  status.OutOfDate,
			wantAdvisories: []string{"INTEL-SA-00837"},
		},
		"TEE TCB matches no level": {
			opts:    blobs.Options{TEETCBSVN: &noTCB},
			wantErr: ErrPlatformNotTrusted,
		},
		"QE out of date": {
			opts:    blobs.Options{QEStatus: status.OutOfDate},
			wantErr: ErrPlatformNotTrusted,
		},
		"QE out of date accepted when configured": {
			opts:          blobs.Options{QEStatus: status.OutOfDate},
			verifierOpts:  []Option{WithAcceptedStatuses(status.UpToDate, status.OutOfDate)},
			wantTCBStatus: status.UpToDate,
			wantQEStatus:  status.OutOfDate,
			wantStatus:    status.OutOfDate,
		},
		"revoked PCK certificate": {
			opts:    blobs.Options{RevokePCK: true},
			wantErr: ErrCertChainInvalid,
		},
		"revoked PCK CA": {
			opts:    blobs.Options{RevokePCKCA: true},
			wantErr: ErrCertChainInvalid,
		},
		"collateral expired": {
			timeOffset: blobs.CollateralLifetime + time.Hour,
			wantErr:    ErrCollateralExpired,
		},
		"collateral not yet valid": {
			timeOffset: -2 * time.Hour,
			wantErr:    ErrCollateralExpired,
		},
		"untrusted root": {
			otherRoot: true,
			wantErr:   ErrCertChainInvalid,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			f := blobs.MustNew(tc.opts)
			root := f.PKI.Root
			if tc.otherRoot {
				root = blobs.MustNew(blobs.Options{}).PKI.Root
			}

			verifier := NewWithRootCA(root, tc.verifierOpts...)
			report, err := verifier.Verify(f.Quote, f.Collateral, f.Now.Add(tc.timeOffset))
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			require.NoError(err)

			assert.Equal(f.Report(), report.Report)
			wantQEStatus := tc.wantQEStatus
			if wantQEStatus == "" {
				wantQEStatus = status.UpToDate
			}
			wantStatus := tc.wantStatus
			if wantStatus == "" {
				wantStatus = tc.wantTCBStatus
			}
			assert.Equal(tc.wantTCBStatus, report.TCBStatus)
			assert.Equal(wantQEStatus, report.QEStatus)
			assert.Equal(wantStatus, report.Status())
			assert.Equal(tc.wantAdvisories, report.AdvisoryIDs)
			assert.Equal(blobs.FMSPC, report.FMSPC)
			assert.Equal(blobs.PCEID, report.PCEID)
			assert.True(report.IssueDate.Before(f.Now))
			assert.True(report.NextUpdate.After(f.Now))
		})
	}
}

func TestVerifyStatusError(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := blobs.MustNew(blobs.Options{TCBStatus: status.OutOfDateConfigurationNeeded, AdvisoryIDs: []string{"INTEL-SA-00001", "INTEL-SA-00002"}})
	_, err := NewWithRootCA(f.PKI.Root).Verify(f.Quote, f.Collateral, f.Now)

	var statusErr *StatusError
	require.ErrorAs(err, &statusErr)
	assert.Equal("platform", statusErr.Component)
	assert.Equal(status.OutOfDateConfigurationNeeded, statusErr.Status)
	assert.Equal([]string{"INTEL-SA-00001", "INTEL-SA-00002"}, statusErr.AdvisoryIDs)
	assert.ErrorIs(err, ErrPlatformNotTrusted)
	assert.Contains(err.Error(), "INTEL-SA-00002")
}

func TestVerifyIntelRoot(t *testing.T) {
	// generated evidence does not chain to Intel's root
	f := blobs.MustNew(blobs.Options{})
	_, err := New().Verify(f.Quote, f.Collateral, f.Now)
	assert.ErrorIs(t, err, ErrCertChainInvalid)
}

func TestVerifyTamperedQuote(t *testing.T) {
	testCases := map[string]struct {
		modify  func(*types.Quote)
		wantErr error
	}{
		"RTMR modified": {
			modify: func(q *types.Quote) {
				report := q.Body.(types.TD10Report)
				report.RTMR[3][0] ^= 0xff
				q.Body = report
			},
			wantErr: ErrSignatureInvalid,
		},
		"report data modified": {
			modify: func(q *types.Quote) {
				report := q.Body.(types.TD10Report)
				report.ReportData[63] = 0x01
				q.Body = report
			},
			wantErr: ErrSignatureInvalid,
		},
		"attestation key replaced": {
			modify: func(q *types.Quote) {
				q.Signature.PublicKey[10] ^= 0x01
			},
			wantErr: ErrSignatureInvalid,
		},
		"QE report modified": {
			modify: func(q *types.Quote) {
				q.Signature.QEReport.EnclaveReport.ISVSVN++
			},
			wantErr: ErrSignatureInvalid,
		},
		"QE auth data modified": {
			modify: func(q *types.Quote) {
				q.Signature.QEReport.QEAuthData.Data = []byte("other auth data")
			},
			wantErr: ErrSignatureInvalid,
		},
		"not a TDX quote": {
			modify: func(q *types.Quote) {
				q.Header.TEEType = types.TEETypeSGX
			},
			wantErr: ErrCollateralMismatch,
		},
		"missing report body": {
			modify: func(q *types.Quote) {
				q.Body = nil
			},
			wantErr: ErrUnsupportedReportVariant,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			f := blobs.MustNew(blobs.Options{})
			quote := f.Quote
			tc.modify(&quote)

			_, err := NewWithRootCA(f.PKI.Root).Verify(quote, f.Collateral, f.Now)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestVerifyQuote(t *testing.T) {
	testCases := map[string]struct {
		modify  func(*types.TCBInfo, *types.QEIdentity)
		wantErr error
	}{
		"success": {
			modify: func(*types.TCBInfo, *types.QEIdentity) {},
		},
		"FMSPC mismatch": {
			modify: func(tcbInfo *types.TCBInfo, _ *types.QEIdentity) {
				tcbInfo.FMSPC[0] = 0xff
			},
			wantErr: ErrCollateralMismatch,
		},
		"PCEID mismatch": {
			modify: func(tcbInfo *types.TCBInfo, _ *types.QEIdentity) {
				tcbInfo.PCEID[1] = 0x01
			},
			wantErr: ErrCollateralMismatch,
		},
		"TDX module signer mismatch": {
			modify: func(tcbInfo *types.TCBInfo, _ *types.QEIdentity) {
				tcbInfo.TDXModule.MRSIGNERSEAM[0] = 0x01
			},
			wantErr: ErrPlatformNotTrusted,
		},
		"TDX module attributes mismatch": {
			modify: func(tcbInfo *types.TCBInfo, _ *types.QEIdentity) {
				tcbInfo.TDXModule.SEAMAttributes = 0x1
			},
			wantErr: ErrPlatformNotTrusted,
		},
		"QE signer mismatch": {
			modify: func(_ *types.TCBInfo, qeIdentity *types.QEIdentity) {
				qeIdentity.MRSIGNER[0] ^= 0xff
			},
			wantErr: ErrPlatformNotTrusted,
		},
		"QE product ID mismatch": {
			modify: func(_ *types.TCBInfo, qeIdentity *types.QEIdentity) {
				qeIdentity.ISVProdID = 1
			},
			wantErr: ErrPlatformNotTrusted,
		},
		"QE misc select mismatch": {
			modify: func(_ *types.TCBInfo, qeIdentity *types.QEIdentity) {
				qeIdentity.MiscSelect = 0x1
			},
			wantErr: ErrPlatformNotTrusted,
		},
		"QE attributes mismatch": {
			modify: func(_ *types.TCBInfo, qeIdentity *types.QEIdentity) {
				qeIdentity.Attributes[0] = 0x10
			},
			wantErr: ErrPlatformNotTrusted,
		},
		"QE attributes outside of mask are ignored": {
			modify: func(_ *types.TCBInfo, qeIdentity *types.QEIdentity) {
				qeIdentity.AttributesMask[0] = 0x01
				qeIdentity.Attributes[0] = 0x01
			},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			f := blobs.MustNew(blobs.Options{})
			quote, pckCert, tcbInfo, qeIdentity := setupQuote(require, f)
			tc.modify(&tcbInfo, &qeIdentity)

			result, err := verifyQuote(quote, f.Report(), pckCert, tcbInfo, qeIdentity)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			require.NoError(err)
			assert.Equal(status.UpToDate, result.platform.TCBStatus)
			assert.Equal(status.UpToDate, result.qe.TCBStatus)
			assert.Equal(f.PKI.PCKExtensions, result.extensions)
		})
	}
}

func TestVerifyPCKCert(t *testing.T) {
	testCases := map[string]struct {
		opts    blobs.Options
		modify  func(*blobs.Fixture, *types.Quote, *x509.RevocationList) *x509.RevocationList
		wantErr error
	}{
		"success": {},
		"chain without root": {
			modify: func(f *blobs.Fixture, q *types.Quote, crl *x509.RevocationList) *x509.RevocationList {
				q.Signature.QEReport.CertificationData.Data = crypto.EncodePEMCertificateChain(f.PKI.PCK, f.PKI.PCKCA)
				return crl
			},
			wantErr: ErrCertChainInvalid,
		},
		"chain with wrong root": {
			modify: func(f *blobs.Fixture, q *types.Quote, crl *x509.RevocationList) *x509.RevocationList {
				other := blobs.MustNew(blobs.Options{})
				q.Signature.QEReport.CertificationData.Data = crypto.EncodePEMCertificateChain(f.PKI.PCK, f.PKI.PCKCA, other.PKI.Root)
				return crl
			},
			wantErr: ErrCertChainInvalid,
		},
		"chain is not PEM": {
			modify: func(_ *blobs.Fixture, q *types.Quote, crl *x509.RevocationList) *x509.RevocationList {
				q.Signature.QEReport.CertificationData.Data = []byte("not a certificate")
				return crl
			},
			wantErr: ErrCertChainInvalid,
		},
		"PCK CRL of another CA": {
			modify: func(*blobs.Fixture, *types.Quote, *x509.RevocationList) *x509.RevocationList {
				other := blobs.MustNew(blobs.Options{})
				crl, err := x509.ParseRevocationList(other.PKI.PCKCRL)
				if err != nil {
					panic(err)
				}
				return crl
			},
			wantErr: ErrCollateralMismatch,
		},
		"PCK revoked": {
			opts:    blobs.Options{RevokePCK: true},
			wantErr: ErrCertChainInvalid,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			f := blobs.MustNew(tc.opts)
			verifier := NewWithRootCA(f.PKI.Root)
			bundle, err := verifier.collateral.VerifyCollateral(f.Collateral, f.Now)
			require.NoError(err)

			quote := f.Quote
			if tc.modify != nil {
				bundle.PCKCRL = tc.modify(f, &quote, bundle.PCKCRL)
			}

			pckCert, err := verifier.VerifyPCKCert(quote, bundle, f.Now)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			require.NoError(err)
			assert.True(f.PKI.PCK.Equal(pckCert))
		})
	}
}

func FuzzVerifyQuote_QuoteHeader(f *testing.F) {
	fixture, quote, pckCert, tcbInfo, qeIdentity := setupFuzz(f)
	header := quote.Header.Marshal()
	f.Add(header[:])
	f.Fuzz(func(t *testing.T, a []byte) {
		target := types.QuoteHeader{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		err := fuzzConsumer.GenerateStruct(&target)
		if err != nil {
			return
		}
		quote.Header = target

		runVerifyTest(t, fixture, quote, pckCert, tcbInfo, qeIdentity)
	})
}

func FuzzVerifyQuote_TD10Report(f *testing.F) {
	fixture, quote, pckCert, tcbInfo, qeIdentity := setupFuzz(f)
	report := fixture.Report()
	rawReport := report.Marshal()
	f.Add(rawReport[:])
	f.Fuzz(func(t *testing.T, a []byte) {
		target := types.TD10Report{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		err := fuzzConsumer.GenerateStruct(&target)
		if err != nil {
			return
		}
		quote.Body = target

		runVerifyTest(t, fixture, quote, pckCert, tcbInfo, qeIdentity)
	})
}

func FuzzVerifyQuote_ECDSASignature(f *testing.F) {
	fixture, quote, pckCert, tcbInfo, qeIdentity := setupFuzz(f)
	f.Add(quote.Signature.Signature[:])
	f.Fuzz(func(t *testing.T, a []byte) {
		target := [64]byte{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		err := fuzzConsumer.GenerateStruct(&target)
		if err != nil {
			return
		}
		quote.Signature.Signature = target

		runVerifyTest(t, fixture, quote, pckCert, tcbInfo, qeIdentity)
	})
}

func FuzzVerifyQuote_ECDSAPublicKey(f *testing.F) {
	fixture, quote, pckCert, tcbInfo, qeIdentity := setupFuzz(f)
	f.Add(quote.Signature.PublicKey[:])
	f.Fuzz(func(t *testing.T, a []byte) {
		target := [64]byte{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		err := fuzzConsumer.GenerateStruct(&target)
		if err != nil {
			return
		}
		quote.Signature.PublicKey = target

		runVerifyTest(t, fixture, quote, pckCert, tcbInfo, qeIdentity)
	})
}

func FuzzVerifyQuote_EnclaveReport(f *testing.F) {
	fixture, quote, pckCert, tcbInfo, qeIdentity := setupFuzz(f)
	enclaveReport := quote.Signature.QEReport.EnclaveReport.Marshal()
	f.Add(enclaveReport[:])
	f.Fuzz(func(t *testing.T, a []byte) {
		target := types.EnclaveReport{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		err := fuzzConsumer.GenerateStruct(&target)
		if err != nil {
			return
		}
		quote.Signature.QEReport.EnclaveReport = target

		runVerifyTest(t, fixture, quote, pckCert, tcbInfo, qeIdentity)
	})
}

func FuzzVerifyQuote_QEReportSignature(f *testing.F) {
	fixture, quote, pckCert, tcbInfo, qeIdentity := setupFuzz(f)
	f.Add(quote.Signature.QEReport.Signature[:])
	f.Fuzz(func(t *testing.T, a []byte) {
		target := [64]byte{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		err := fuzzConsumer.GenerateStruct(&target)
		if err != nil {
			return
		}
		quote.Signature.QEReport.Signature = target

		runVerifyTest(t, fixture, quote, pckCert, tcbInfo, qeIdentity)
	})
}

func FuzzVerifyQuote_QEReportAuthData(f *testing.F) {
	fixture, quote, pckCert, tcbInfo, qeIdentity := setupFuzz(f)
	f.Add(quote.Signature.QEReport.QEAuthData.Data)
	f.Fuzz(func(t *testing.T, a []byte) {
		target := types.QEAuthData{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		err := fuzzConsumer.GenerateStruct(&target)
		if err != nil {
			return
		}

		// Limit the size of the data to 65535 bytes e.g. max size of a uint16
		if len(target.Data) > 65535 {
			return
		}

		// ParsedDataSize is not used for quote verification,
		// but we want to avoid failing tests due to this field being different
		// from the expected quote, so we set it manually.
		target.ParsedDataSize = uint16(len(target.Data))
		quote.Signature.QEReport.QEAuthData = target

		runVerifyTest(t, fixture, quote, pckCert, tcbInfo, qeIdentity)
	})
}

// runVerifyTest fails if verification succeeds on a quote that differs from the fixture's quote.
func runVerifyTest(
	t *testing.T, fixture *blobs.Fixture, quote types.Quote, pckCert *x509.Certificate,
	tcbInfo types.TCBInfo, qeIdentity types.QEIdentity,
) {
	require := require.New(t)

	report, err := quote.TD10()
	require.NoError(err)

	_, err = verifyQuote(quote, report, pckCert, tcbInfo, qeIdentity)
	if err != nil {
		require.True(
			errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrPlatformNotTrusted) ||
				errors.Is(err, ErrCollateralMismatch) || errors.Is(err, ErrMalformedQuote),
			"unexpected error kind: %s", err,
		)
		return
	}

	require.True(reflect.DeepEqual(quote, fixture.Quote), "verification successful on a modified quote")
}

func setupFuzz(f *testing.F) (*blobs.Fixture, types.Quote, *x509.Certificate, types.TCBInfo, types.QEIdentity) {
	fixture := blobs.MustNew(blobs.Options{})
	quote, pckCert, tcbInfo, qeIdentity := setupQuote(require.New(f), fixture)
	return fixture, quote, pckCert, tcbInfo, qeIdentity
}

func setupQuote(require *require.Assertions, f *blobs.Fixture) (types.Quote, *x509.Certificate, types.TCBInfo, types.QEIdentity) {
	verifier := NewWithRootCA(f.PKI.Root)
	bundle, err := verifier.collateral.VerifyCollateral(f.Collateral, f.Now)
	require.NoError(err)

	pckCert, err := verifier.VerifyPCKCert(f.Quote, bundle, f.Now)
	require.NoError(err)

	return f.Quote, pckCert, bundle.TCBInfo, bundle.QEIdentity
}
