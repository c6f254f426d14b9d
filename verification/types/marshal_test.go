package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalQuoteDerivesSizes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	quote := Quote{
		Header: QuoteHeader{Version: 4, AttestationKeyType: AttestationKeyTypeECDSAP256, TEEType: TEETypeTDX},
		Body:   TD10Report{ReportData: [64]byte{0x01}},
		Signature: ECDSA256QuoteAuthData{
			// size fields are recomputed on marshal
			CertificationDataSize: 1,
			QEReport: QEReportCertificationData{
				QEAuthData:        QEAuthData{ParsedDataSize: 1, Data: []byte{1, 2, 3}},
				CertificationData: CertificationData{ParsedDataSize: 1, Data: []byte("chain\x00")},
			},
		},
	}

	raw, err := quote.Marshal()
	require.NoError(err)

	parsed, err := ParseQuote(raw)
	require.NoError(err)
	assert.Equal(quote.Body, parsed.Body)
	assert.EqualValues(PCK_ID_QE_REPORT_CERTIFICATION_DATA, parsed.Signature.CertificationDataType)
	assert.EqualValues(EnclaveReportSize+64+2+3+6+6, parsed.Signature.CertificationDataSize)
	assert.EqualValues(3, parsed.Signature.QEReport.QEAuthData.ParsedDataSize)
	assert.EqualValues(6, parsed.Signature.QEReport.CertificationData.ParsedDataSize)
	assert.EqualValues(PCK_ID_PCK_CERT_CHAIN, parsed.Signature.QEReport.CertificationData.Type)
	assert.EqualValues(len(raw)-QuoteHeaderSize-TD10ReportSize-4, parsed.SignatureLength)
}

func TestMarshalQuoteErrors(t *testing.T) {
	testCases := map[string]Quote{
		"no body": {
			Header: QuoteHeader{Version: 4},
		},
		"QE auth data too large": {
			Header: QuoteHeader{Version: 4},
			Body:   TD10Report{},
			Signature: ECDSA256QuoteAuthData{
				QEReport: QEReportCertificationData{QEAuthData: QEAuthData{Data: make([]byte, math.MaxUint16+1)}},
			},
		},
	}

	for name, quote := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := quote.Marshal()
			assert.Error(t, err)
		})
	}
}

func TestMarshalEnclaveReportFields(t *testing.T) {
	assert := assert.New(t)

	report := EnclaveReport{
		MiscSelect: 0x01020304,
		ISVProdID:  0x0506,
		ISVSVN:     0x0708,
		ReportData: [64]byte{0xff},
	}
	raw := report.Marshal()
	assert.Equal([]byte{0x04, 0x03, 0x02, 0x01}, raw[16:20])
	assert.Equal([]byte{0x06, 0x05, 0x08, 0x07}, raw[256:260])
	assert.EqualValues(0xff, raw[320])
	assert.Equal(report, parseEnclaveReport(raw[:]))
}
