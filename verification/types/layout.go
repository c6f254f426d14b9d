package types

/*
   Byte layouts of the structures embedded in a quote.
   Offsets are relative to the start of the structure they describe, not to the start of the quote.
   Based on:
   https://github.com/intel/SGXDataCenterAttestationPrimitives/blob/c057b236790834cf7e547ebf90da91c53c7ed7f9/QuoteGeneration/quote_wrapper/common/inc/sgx_quote_4.h
   https://github.com/intel/SGXDataCenterAttestationPrimitives/blob/dcap_1.20_reproducible/QuoteGeneration/quote_wrapper/common/inc/sgx_quote_5.h
*/

// span is a half-open byte range [start, end).
type span struct {
	start, end int
}

func (s span) size() int {
	return s.end - s.start
}

func (s span) of(b []byte) []byte {
	return b[s.start:s.end]
}

const (
	// QuoteHeaderSize is the size of a quote header in bytes.
	QuoteHeaderSize = 48
	// TD10ReportSize is the size of a TD 1.0 report body in bytes.
	TD10ReportSize = 584
	// TD15ReportSize is the size of a TD 1.5 report body in bytes.
	TD15ReportSize = 648
	// EnclaveReportSize is the size of an SGX enclave report in bytes.
	EnclaveReportSize = 384

	// bodyDescriptorSize is the size of the body type and body size fields preceding the body of a v5 quote.
	bodyDescriptorSize = 6
	// signatureLengthSize is the size of the signature length field following the report body.
	signatureLengthSize = 4
	// maxQuoteSize is the upper bound we accept for a quote.
	maxQuoteSize = 1 << 20
)

// headerLayout is the layout of the quote header.
var headerLayout = struct {
	version, attestationKeyType, teeType, reserved, vendorID, userData span
}{
	version:            span{0, 2},
	attestationKeyType: span{2, 4},
	teeType:            span{4, 8},
	reserved:           span{8, 12},
	vendorID:           span{12, 28},
	userData:           span{28, 48},
}

// bodyDescriptorLayout is the layout of the body descriptor of a v5 quote.
var bodyDescriptorLayout = struct {
	bodyType, bodySize span
}{
	bodyType: span{0, 2},
	bodySize: span{2, 6},
}

// td10Layout is the layout of a TD 1.0 report body (sgx_report2_body_t).
var td10Layout = struct {
	teeTCBSVN, mrSEAM, mrSignerSEAM, seamAttributes, tdAttributes, xfam span
	mrTD, mrConfigID, mrOwner, mrOwnerConfig                            span
	rtmr                                                                [4]span
	reportData                                                          span
}{
	teeTCBSVN:      span{0, 16},
	mrSEAM:         span{16, 64},
	mrSignerSEAM:   span{64, 112},
	seamAttributes: span{112, 120},
	tdAttributes:   span{120, 128},
	xfam:           span{128, 136},
	mrTD:           span{136, 184},
	mrConfigID:     span{184, 232},
	mrOwner:        span{232, 280},
	mrOwnerConfig:  span{280, 328},
	rtmr:           [4]span{{328, 376}, {376, 424}, {424, 472}, {472, 520}},
	reportData:     span{520, 584},
}

// authDataLayout is the fixed prefix of the ECDSA 256 quote signature data.
var authDataLayout = struct {
	signature, attestKey, certDataType, certDataSize span
}{
	signature:    span{0, 64},
	attestKey:    span{64, 128},
	certDataType: span{128, 130},
	certDataSize: span{130, 134},
}

// qeReportCertDataLayout is the fixed prefix of the QE report certification data.
var qeReportCertDataLayout = struct {
	enclaveReport, signature, authDataSize span
}{
	enclaveReport: span{0, 384},
	signature:     span{384, 448},
	authDataSize:  span{448, 450},
}

// certDataLayout is the fixed prefix of a certification data structure.
var certDataLayout = struct {
	certType, size span
}{
	certType: span{0, 2},
	size:     span{2, 6},
}

// enclaveReportLayout is the layout of an SGX enclave report (sgx_report_body_t).
var enclaveReportLayout = struct {
	cpuSVN, miscSelect, reserved1, attributes, mrEnclave, reserved2, mrSigner, reserved3 span
	isvProdID, isvSVN, reserved4, reportData                                             span
}{
	cpuSVN:     span{0, 16},
	miscSelect: span{16, 20},
	reserved1:  span{20, 48},
	attributes: span{48, 64},
	mrEnclave:  span{64, 96},
	reserved2:  span{96, 128},
	mrSigner:   span{128, 160},
	reserved3:  span{160, 256},
	isvProdID:  span{256, 258},
	isvSVN:     span{258, 260},
	reserved4:  span{260, 320},
	reportData: span{320, 384},
}
