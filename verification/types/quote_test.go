package types_test

import (
	"bytes"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/edgelesssys/go-tdx-evidence/blobs"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuote(t *testing.T) {
	for _, version := range []uint16{4, 5} {
		f := blobs.MustNew(blobs.Options{QuoteVersion: version})
		t.Run(fmt.Sprintf("%s in v%d quote", types.ReportKindTD10, version), func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			parsedQuote, err := types.ParseQuote(f.RawQuote)
			require.NoError(err)
			assert.Equal(f.Quote, parsedQuote)
			assert.Equal(version, parsedQuote.Header.Version)

			report, err := parsedQuote.TD10()
			require.NoError(err)
			assert.Equal(blobs.DefaultReportData(), report.ReportData)
			registers, err := f.EventLog.Replay()
			require.NoError(err)
			for i := range registers {
				assert.EqualValues(registers[i], report.RTMR[i])
			}

			// Check hard-coded MRSIGNER
			qeReport := parsedQuote.Signature.QEReport
			assert.Equal(blobs.QEMRSIGNER, qeReport.EnclaveReport.MRSIGNER)

			// Check QEAuthData
			expectedData := make([]byte, 32)
			for i := 0; i < 32; i++ {
				expectedData[i] = byte(i)
			}
			assert.Equal(expectedData, qeReport.QEAuthData.Data)
			assert.EqualValues(32, qeReport.QEAuthData.ParsedDataSize)

			// Check if PEM chain is valid
			pemChain, err := parsedQuote.PCKCertChain()
			require.NoError(err)
			block, rest := pem.Decode(pemChain)
			assert.NotEmpty(block)
			assert.NotEmpty(rest)
			block, rest = pem.Decode(rest)
			assert.NotEmpty(block)
			assert.NotEmpty(rest)
			block, rest = pem.Decode(rest)
			assert.NotEmpty(block)
			assert.Equal([]byte{0x0}, rest) // C terminated string with 0x0 byte
		})
	}
}

func TestParseQuoteErrors(t *testing.T) {
	// offsets into a v4 quote
	const (
		certDataTypeOffset      = 48 + types.TD10ReportSize + 4 + 128
		innerCertDataTypeOffset = certDataTypeOffset + 6 + types.EnclaveReportSize + 64 + 2 + 32
	)
	f := blobs.MustNew(blobs.Options{})
	f5 := blobs.MustNew(blobs.Options{QuoteVersion: 5})

	testCases := map[string]struct {
		raw     []byte
		modify  func([]byte) []byte
		wantErr error
	}{
		"empty": {
			modify:  func([]byte) []byte { return nil },
			wantErr: types.ErrMalformedQuote,
		},
		"truncated header": {
			modify:  func(b []byte) []byte { return b[:types.QuoteHeaderSize-1] },
			wantErr: types.ErrMalformedQuote,
		},
		"truncated body": {
			modify:  func(b []byte) []byte { return b[:types.QuoteHeaderSize+100] },
			wantErr: types.ErrMalformedQuote,
		},
		"truncated signature": {
			modify:  func(b []byte) []byte { return b[:len(b)-1] },
			wantErr: types.ErrMalformedQuote,
		},
		"too large": {
			modify:  func(b []byte) []byte { return append(b, make([]byte, 1<<20)...) },
			wantErr: types.ErrMalformedQuote,
		},
		"unsupported version": {
			modify:  func(b []byte) []byte { return put16(b, 0, 6) },
			wantErr: types.ErrMalformedQuote,
		},
		"version 3 with TDX TEE type": {
			modify:  func(b []byte) []byte { return put16(b, 0, 3) },
			wantErr: types.ErrMalformedQuote,
		},
		"unsupported attestation key type": {
			modify:  func(b []byte) []byte { return put16(b, 2, 3) },
			wantErr: types.ErrMalformedQuote,
		},
		"unknown TEE type": {
			modify:  func(b []byte) []byte { return put32(b, 4, 0x1) },
			wantErr: types.ErrMalformedQuote,
		},
		"SGX report": {
			modify:  func(b []byte) []byte { return put32(b, 4, types.TEETypeSGX) },
			wantErr: types.ErrUnsupportedReportVariant,
		},
		"v5 TD 1.5 report": {
			raw:     f5.RawQuote,
			modify:  func(b []byte) []byte { return put16(b, types.QuoteHeaderSize, uint16(types.ReportKindTD15)) },
			wantErr: types.ErrUnsupportedReportVariant,
		},
		"v5 unknown body type": {
			raw:     f5.RawQuote,
			modify:  func(b []byte) []byte { return put16(b, types.QuoteHeaderSize, 9) },
			wantErr: types.ErrMalformedQuote,
		},
		"v5 wrong body size": {
			raw:     f5.RawQuote,
			modify:  func(b []byte) []byte { return put32(b, types.QuoteHeaderSize+2, types.TD10ReportSize+1) },
			wantErr: types.ErrMalformedQuote,
		},
		"v5 truncated body descriptor": {
			raw:     f5.RawQuote,
			modify:  func(b []byte) []byte { return b[:types.QuoteHeaderSize+3] },
			wantErr: types.ErrMalformedQuote,
		},
		"signature length exceeds quote": {
			modify:  func(b []byte) []byte { return put32(b, types.QuoteHeaderSize+types.TD10ReportSize, 0xffffffff) },
			wantErr: types.ErrMalformedQuote,
		},
		"unexpected certification data type": {
			modify:  func(b []byte) []byte { return put16(b, certDataTypeOffset, types.PCK_ID_PCK_CERT_CHAIN) },
			wantErr: types.ErrMalformedQuote,
		},
		"certification data size exceeds signature": {
			modify:  func(b []byte) []byte { return put32(b, certDataTypeOffset+2, 0xffffffff) },
			wantErr: types.ErrMalformedQuote,
		},
		"unexpected inner certification data type": {
			modify:  func(b []byte) []byte { return put16(b, innerCertDataTypeOffset, 1) },
			wantErr: types.ErrMalformedQuote,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			raw := tc.raw
			if raw == nil {
				raw = f.RawQuote
			}
			raw = tc.modify(bytes.Clone(raw))

			_, err := types.ParseQuote(raw)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestMarshalQuote(t *testing.T) {
	for _, version := range []uint16{4, 5} {
		assert := assert.New(t)
		require := require.New(t)

		f := blobs.MustNew(blobs.Options{QuoteVersion: version})
		raw, err := f.Quote.Marshal()
		require.NoError(err)
		assert.Equal(f.RawQuote, raw)
	}
}

func TestMarshalEnclaveReport(t *testing.T) {
	f := blobs.MustNew(blobs.Options{})
	enclaveReport := f.Quote.Signature.QEReport.EnclaveReport
	assert.EqualValues(t, f.RawQuote[770:1154], enclaveReport.Marshal())
}

func TestMarshalQuotev4Header(t *testing.T) {
	f := blobs.MustNew(blobs.Options{})
	quoteHeader := f.Quote.Header
	assert.EqualValues(t, f.RawQuote[0:48], quoteHeader.Marshal())
}

func TestMarshalTD10Report(t *testing.T) {
	f := blobs.MustNew(blobs.Options{})
	report := f.Report()
	assert.EqualValues(t, f.RawQuote[48:632], report.Marshal())
}

func TestSignedData(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f4 := blobs.MustNew(blobs.Options{})
	signed, err := f4.Quote.SignedData()
	require.NoError(err)
	assert.Equal(f4.RawQuote[:types.QuoteHeaderSize+types.TD10ReportSize], signed)

	f5 := blobs.MustNew(blobs.Options{QuoteVersion: 5})
	signed, err = f5.Quote.SignedData()
	require.NoError(err)
	assert.Equal(f5.RawQuote[:types.QuoteHeaderSize+6+types.TD10ReportSize], signed)
	assert.EqualValues(types.ReportKindTD10, binary.LittleEndian.Uint16(signed[48:50]))
	assert.EqualValues(types.TD10ReportSize, binary.LittleEndian.Uint32(signed[50:54]))

	_, err = types.Quote{}.SignedData()
	assert.Error(err)
}

func TestTD10(t *testing.T) {
	assert := assert.New(t)

	_, err := types.Quote{}.TD10()
	assert.ErrorIs(err, types.ErrUnsupportedReportVariant)

	f := blobs.MustNew(blobs.Options{})
	report, err := f.Quote.TD10()
	assert.NoError(err)
	assert.Equal(types.ReportKindTD10, report.Kind())
}

func put16(b []byte, offset int, v uint16) []byte {
	binary.LittleEndian.PutUint16(b[offset:], v)
	return b
}

func put32(b []byte, offset int, v uint32) []byte {
	binary.LittleEndian.PutUint32(b[offset:], v)
	return b
}
