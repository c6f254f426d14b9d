package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*
   TDX Quote parser
   Based on:
   https://github.com/intel/SGXDataCenterAttestationPrimitives/blob/c057b236790834cf7e547ebf90da91c53c7ed7f9/QuoteGeneration/quote_wrapper/common/inc/sgx_quote_4.h#L113
   https://github.com/intel/linux-sgx/blob/d5e10dfbd7381bcd47eb25d2dc1d2da4e9a91e70/common/inc/sgx_report2.h#L61
*/

const (
	// TEETypeSGX is the type number referenced in the Quote header for SGX quotes.
	TEETypeSGX = 0x0

	// TEETypeTDX is the type number referenced in the Quote header for TDX quotes.
	TEETypeTDX = 0x81

	// AttestationKeyTypeECDSAP256 is the attestation key type of ECDSA-256-with-P-256 signed quotes.
	AttestationKeyTypeECDSAP256 = 2

	// PCK_ID_PCK_CERT_CHAIN is the CertificationData type holding the PCK cert chain (encoded in PEM, \0 byte terminated)
	PCK_ID_PCK_CERT_CHAIN = 5

	// PCK_ID_QE_REPORT_CERTIFICATION_DATA is the CertificationData type holding QEReportCertificationData data.
	PCK_ID_QE_REPORT_CERTIFICATION_DATA = 6
)

// ReportKind identifies the variant of report body carried by a quote.
type ReportKind uint16

// Report kinds as numbered by the body type field of v5 quotes.
const (
	ReportKindSGXEnclave ReportKind = 1
	ReportKindTD10       ReportKind = 2
	ReportKindTD15       ReportKind = 3
)

func (k ReportKind) String() string {
	switch k {
	case ReportKindSGXEnclave:
		return "SGX enclave report"
	case ReportKindTD10:
		return "TD 1.0 report"
	case ReportKindTD15:
		return "TD 1.5 report"
	default:
		return fmt.Sprintf("unknown report (%d)", uint16(k))
	}
}

// ReportBody is the report body of a quote.
// The interface is sealed: TD10Report is the only implementation.
type ReportBody interface {
	Kind() ReportKind
	bytes() []byte
}

// QuoteHeader is the header of an SGX/TDX quote.
type QuoteHeader struct {
	Version            uint16
	AttestationKeyType uint16
	TEEType            uint32 // 0x0 = SGX, 0x81 = TDX
	Reserved           uint32
	VendorID           [16]byte
	UserData           [20]byte
}

// TD10Report is the TD 1.0 report body of a TDX quote, originally passed into the quote for signing.
type TD10Report struct {
	TEETCBSVN      [16]byte
	MRSEAM         [48]byte    // SHA384
	MRSIGNERSEAM   [48]byte    // SHA384
	SEAMAttributes uint64      // TEE Attributes: In C code that's a [2]uint32
	TDAttributes   uint64      // TEE Attributes: In C code that's a [2]uint32
	XFAM           uint64      // TEE Attributes: In C code that's a [2]uint32
	MRTD           [48]byte    // SHA384
	MRCONFIGID     [48]byte    // SHA384
	MROWNER        [48]byte    // SHA384
	MROWNERCONFIG  [48]byte    // SHA384
	RTMR           [4][48]byte // 4x SHA384 - runtime measurements
	ReportData     [64]byte
}

// Kind returns ReportKindTD10.
func (TD10Report) Kind() ReportKind {
	return ReportKindTD10
}

func (r TD10Report) bytes() []byte {
	b := r.Marshal()
	return b[:]
}

// Quote is an SGX/TDX quote carrying a TD 1.0 report.
type Quote struct {
	Header          QuoteHeader
	Body            ReportBody
	SignatureLength uint32
	Signature       ECDSA256QuoteAuthData
}

// TD10 returns the TD 1.0 report body of the quote.
func (q Quote) TD10() (TD10Report, error) {
	report, ok := q.Body.(TD10Report)
	if !ok {
		if q.Body == nil {
			return TD10Report{}, fmt.Errorf("%w: quote has no report body", ErrUnsupportedReportVariant)
		}
		return TD10Report{}, fmt.Errorf("%w: quote carries a %s", ErrUnsupportedReportVariant, q.Body.Kind())
	}
	return report, nil
}

// SignedData returns the bytes covered by the quote signature:
// the header, the body descriptor for v5 quotes, and the report body.
func (q Quote) SignedData() ([]byte, error) {
	if q.Body == nil {
		return nil, errors.New("quote has no report body")
	}
	header := q.Header.Marshal()
	body := q.Body.bytes()

	signed := make([]byte, 0, len(header)+bodyDescriptorSize+len(body))
	signed = append(signed, header[:]...)
	if q.Header.Version == 5 {
		signed = binary.LittleEndian.AppendUint16(signed, uint16(q.Body.Kind()))
		signed = binary.LittleEndian.AppendUint32(signed, uint32(len(body)))
	}
	return append(signed, body...), nil
}

// PCKCertChain returns the PEM encoded PCK certificate chain embedded in the quote's certification data.
func (q Quote) PCKCertChain() ([]byte, error) {
	certData := q.Signature.QEReport.CertificationData
	if certData.Type != PCK_ID_PCK_CERT_CHAIN {
		return nil, fmt.Errorf("unexpected certification data type: expected PCK_ID_PCK_CERT_CHAIN (5), got %d", certData.Type)
	}
	return certData.Data, nil
}

// ParseQuote parses an Intel TDX quote. The expected input is the complete quote.
// Only quotes carrying a TD 1.0 report are accepted.
func ParseQuote(rawQuote []byte) (Quote, error) {
	quoteLength := len(rawQuote)
	if quoteLength < QuoteHeaderSize {
		return Quote{}, fmt.Errorf("%w: quote is too short to contain a header (received: %d bytes)", ErrMalformedQuote, quoteLength)
	} else if quoteLength > maxQuoteSize {
		return Quote{}, fmt.Errorf("%w: quote is too large (over 1 MiB, received: %d bytes)", ErrMalformedQuote, quoteLength)
	}

	header := parseHeader(rawQuote[:QuoteHeaderSize])
	if header.AttestationKeyType != AttestationKeyTypeECDSAP256 {
		return Quote{}, fmt.Errorf("%w: unsupported attestation key type %d", ErrMalformedQuote, header.AttestationKeyType)
	}
	if header.TEEType != TEETypeSGX && header.TEEType != TEETypeTDX {
		return Quote{}, fmt.Errorf("%w: unknown TEE type 0x%x", ErrMalformedQuote, header.TEEType)
	}

	kind, bodyStart, err := locateBody(header, rawQuote)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrMalformedQuote, err)
	}
	if kind != ReportKindTD10 {
		return Quote{}, fmt.Errorf("%w: quote carries a %s", ErrUnsupportedReportVariant, kind)
	}
	if header.TEEType != TEETypeTDX {
		return Quote{}, fmt.Errorf("%w: %s in a quote with TEE type 0x%x", ErrMalformedQuote, kind, header.TEEType)
	}

	bodyEnd := bodyStart + TD10ReportSize
	signatureStart := bodyEnd + signatureLengthSize
	if quoteLength < signatureStart {
		return Quote{}, fmt.Errorf("%w: quote is too short to contain the report body (requires at least: %d bytes, received: %d bytes)", ErrMalformedQuote, signatureStart, quoteLength)
	}
	body := parseTD10Report(rawQuote[bodyStart:bodyEnd])

	signatureLength := binary.LittleEndian.Uint32(rawQuote[bodyEnd:signatureStart])
	// Upgrade to uint64 since we could overflow if signatureLength is close to the top of uint32.
	endSignature := uint64(signatureStart) + uint64(signatureLength)
	if endSignature > uint64(quoteLength) {
		return Quote{}, fmt.Errorf("%w: quote SignatureLength is either incorrect or data is truncated (requires: %d bytes, left: %d bytes)", ErrMalformedQuote, signatureLength, quoteLength-signatureStart)
	}

	signature, err := parseSignature(rawQuote[signatureStart:endSignature])
	if err != nil {
		return Quote{}, fmt.Errorf("%w: parsing quote signature: %w", ErrMalformedQuote, err)
	}

	return Quote{
		Header:          header,
		Body:            body,
		SignatureLength: signatureLength,
		Signature:       signature,
	}, nil
}

// locateBody determines the report kind of a quote and the offset its body starts at.
func locateBody(header QuoteHeader, rawQuote []byte) (ReportKind, int, error) {
	switch header.Version {
	case 3:
		if header.TEEType != TEETypeSGX {
			return 0, 0, fmt.Errorf("quote version 3 with TEE type 0x%x", header.TEEType)
		}
		return ReportKindSGXEnclave, QuoteHeaderSize, nil
	case 4:
		if header.TEEType == TEETypeSGX {
			return ReportKindSGXEnclave, QuoteHeaderSize, nil
		}
		return ReportKindTD10, QuoteHeaderSize, nil
	case 5:
		descriptorEnd := QuoteHeaderSize + bodyDescriptorSize
		if len(rawQuote) < descriptorEnd {
			return 0, 0, fmt.Errorf("quote is too short to contain a body descriptor (received: %d bytes)", len(rawQuote))
		}
		descriptor := rawQuote[QuoteHeaderSize:descriptorEnd]
		kind := ReportKind(binary.LittleEndian.Uint16(bodyDescriptorLayout.bodyType.of(descriptor)))
		bodySize := binary.LittleEndian.Uint32(bodyDescriptorLayout.bodySize.of(descriptor))
		switch kind {
		case ReportKindSGXEnclave, ReportKindTD15:
		case ReportKindTD10:
			if bodySize != TD10ReportSize {
				return 0, 0, fmt.Errorf("%s declares a body size of %d bytes, expected %d bytes", kind, bodySize, TD10ReportSize)
			}
		default:
			return 0, 0, fmt.Errorf("unknown body type %d", uint16(kind))
		}
		return kind, descriptorEnd, nil
	default:
		return 0, 0, fmt.Errorf("unsupported quote version %d", header.Version)
	}
}

func parseHeader(raw []byte) QuoteHeader {
	return QuoteHeader{
		Version:            binary.LittleEndian.Uint16(headerLayout.version.of(raw)),
		AttestationKeyType: binary.LittleEndian.Uint16(headerLayout.attestationKeyType.of(raw)),
		TEEType:            binary.LittleEndian.Uint32(headerLayout.teeType.of(raw)),
		Reserved:           binary.LittleEndian.Uint32(headerLayout.reserved.of(raw)),
		VendorID:           [16]byte(headerLayout.vendorID.of(raw)),
		UserData:           [20]byte(headerLayout.userData.of(raw)),
	}
}

func parseTD10Report(raw []byte) TD10Report {
	l := td10Layout
	var rtmr [4][48]byte
	for i, s := range l.rtmr {
		rtmr[i] = [48]byte(s.of(raw))
	}
	return TD10Report{
		TEETCBSVN:      [16]byte(l.teeTCBSVN.of(raw)),
		MRSEAM:         [48]byte(l.mrSEAM.of(raw)),
		MRSIGNERSEAM:   [48]byte(l.mrSignerSEAM.of(raw)),
		SEAMAttributes: binary.LittleEndian.Uint64(l.seamAttributes.of(raw)),
		TDAttributes:   binary.LittleEndian.Uint64(l.tdAttributes.of(raw)),
		XFAM:           binary.LittleEndian.Uint64(l.xfam.of(raw)),
		MRTD:           [48]byte(l.mrTD.of(raw)),
		MRCONFIGID:     [48]byte(l.mrConfigID.of(raw)),
		MROWNER:        [48]byte(l.mrOwner.of(raw)),
		MROWNERCONFIG:  [48]byte(l.mrOwnerConfig.of(raw)),
		RTMR:           rtmr,
		ReportData:     [64]byte(l.reportData.of(raw)),
	}
}

/*
   TDX Quote Signature Parsing
   Based on:
   https://github.com/intel/SGXDataCenterAttestationPrimitives/blob/c057b236790834cf7e547ebf90da91c53c7ed7f9/QuoteVerification/QVL/Src/AttestationLibrary/src/QuoteVerification/QuoteStructures.h
*/

// ECDSA256QuoteAuthData is the signature data of an ECDSA-256 signed TDX quote.
type ECDSA256QuoteAuthData struct {
	Signature             [64]byte
	PublicKey             [64]byte // attestation key, raw X || Y
	CertificationDataType uint16   // PCK_ID_QE_REPORT_CERTIFICATION_DATA
	CertificationDataSize uint32
	QEReport              QEReportCertificationData
}

// CertificationData is a generic data wrapper from Intel's library.
// Inside the QE report certification data of a TDX quote it holds
// the PEM certificate chain (type == 5: PCK_ID_PCK_CERT_CHAIN).
type CertificationData struct {
	Type           uint16
	ParsedDataSize uint32
	Data           []byte
}

// QEReportCertificationData holds the Quoting Enclave (QE) report, embedded as certification data in ECDSA256QuoteAuthData.
type QEReportCertificationData struct {
	EnclaveReport     EnclaveReport
	Signature         [64]byte // ECDSA256 signature
	QEAuthData        QEAuthData
	CertificationData CertificationData // PEM encoded PCKCertChain
}

// EnclaveReport is the report of a Quoting Enclave for SGX and TDX.
type EnclaveReport struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Reserved1  [28]byte
	Attributes [16]byte
	MRENCLAVE  [32]byte
	Reserved2  [32]byte
	MRSIGNER   [32]byte
	Reserved3  [96]byte
	ISVProdID  uint16
	ISVSVN     uint16
	Reserved4  [60]byte
	ReportData [64]byte
}

// QEAuthData holds the Quoting Enclave (QE) authentication data.
type QEAuthData struct {
	ParsedDataSize uint16
	Data           []byte
}

// parseSignature parses the signature data (ECDSA256QuoteAuthData) of a quote.
func parseSignature(signature []byte) (ECDSA256QuoteAuthData, error) {
	l := authDataLayout
	signatureLength := len(signature)
	if signatureLength < l.certDataSize.end {
		return ECDSA256QuoteAuthData{}, fmt.Errorf("signature is too short to be parsed (received: %d bytes)", signatureLength)
	}

	quoteSignature := ECDSA256QuoteAuthData{
		Signature:             [64]byte(l.signature.of(signature)),
		PublicKey:             [64]byte(l.attestKey.of(signature)),
		CertificationDataType: binary.LittleEndian.Uint16(l.certDataType.of(signature)),
		CertificationDataSize: binary.LittleEndian.Uint32(l.certDataSize.of(signature)),
	}

	if quoteSignature.CertificationDataType != PCK_ID_QE_REPORT_CERTIFICATION_DATA {
		return ECDSA256QuoteAuthData{}, fmt.Errorf("certification data type is unexpected (expected PCK_ID_QE_REPORT_CERTIFICATION_DATA (6), got %d)", quoteSignature.CertificationDataType)
	}

	// Upgrade to uint64 since we could overflow if the size is close to the top of uint32.
	endQEReportCertData := uint64(l.certDataSize.end) + uint64(quoteSignature.CertificationDataSize)
	if endQEReportCertData > uint64(signatureLength) {
		return ECDSA256QuoteAuthData{}, fmt.Errorf("certification data size is either incorrect or data is truncated (requires: %d bytes, left: %d bytes)", quoteSignature.CertificationDataSize, signatureLength-l.certDataSize.end)
	}

	qeReport, err := parseQEReportCertificationData(signature[l.certDataSize.end:endQEReportCertData])
	if err != nil {
		return ECDSA256QuoteAuthData{}, err
	}
	quoteSignature.QEReport = qeReport

	return quoteSignature, nil
}

// parseQEReportCertificationData parses a Quoting Enclave (QE) report embedded as certification data in ECDSA256QuoteAuthData.
func parseQEReportCertificationData(qeReportCertData []byte) (QEReportCertificationData, error) {
	l := qeReportCertDataLayout
	qeReportCertDataLength := len(qeReportCertData)
	if qeReportCertDataLength < l.authDataSize.end {
		return QEReportCertificationData{}, fmt.Errorf("QEReportCertificationData is too short to be parsed (received: %d bytes)", qeReportCertDataLength)
	}

	qeReport := QEReportCertificationData{
		EnclaveReport: parseEnclaveReport(l.enclaveReport.of(qeReportCertData)),
		Signature:     [64]byte(l.signature.of(qeReportCertData)),
		QEAuthData: QEAuthData{
			ParsedDataSize: binary.LittleEndian.Uint16(l.authDataSize.of(qeReportCertData)),
		},
	}

	endQEAuthData := l.authDataSize.end + int(qeReport.QEAuthData.ParsedDataSize)
	if endQEAuthData > qeReportCertDataLength {
		return QEReportCertificationData{}, fmt.Errorf("QEAuthData.ParsedDataSize is either incorrect or data is truncated (requires: %d bytes, left: %d bytes)", qeReport.QEAuthData.ParsedDataSize, qeReportCertDataLength-l.authDataSize.end)
	}
	qeReport.QEAuthData.Data = qeReportCertData[l.authDataSize.end:endQEAuthData]

	certData, err := parseQEReportInnerCertificationData(qeReportCertData[endQEAuthData:])
	if err != nil {
		return QEReportCertificationData{}, err
	}
	qeReport.CertificationData = certData

	return qeReport, nil
}

// parseQEReportInnerCertificationData parses the certification data of a Quoting Enclave (QE) report.
func parseQEReportInnerCertificationData(certData []byte) (CertificationData, error) {
	l := certDataLayout
	certDataLength := len(certData)
	if certDataLength <= l.size.end {
		return CertificationData{}, fmt.Errorf("QEReportCertificationData.CertificationData is too short to be parsed (received: %d bytes)", certDataLength)
	}

	innerCertData := CertificationData{
		Type:           binary.LittleEndian.Uint16(l.certType.of(certData)),
		ParsedDataSize: binary.LittleEndian.Uint32(l.size.of(certData)),
	}

	if innerCertData.Type != PCK_ID_PCK_CERT_CHAIN {
		return CertificationData{}, fmt.Errorf("QEReportCertificationData.CertificationData.Type is unexpected (expected PCK_ID_PCK_CERT_CHAIN (5), got %d)", innerCertData.Type)
	}

	// Upgrade to uint64 since we could overflow if ParsedDataSize is close to the top of uint32.
	endData := uint64(l.size.end) + uint64(innerCertData.ParsedDataSize)
	if endData > uint64(certDataLength) {
		return CertificationData{}, fmt.Errorf("QEReportCertificationData.CertificationData.ParsedDataSize is either incorrect or data is truncated (requires: %d bytes, left: %d bytes)", innerCertData.ParsedDataSize, certDataLength-l.size.end)
	}
	innerCertData.Data = certData[l.size.end:endData]

	return innerCertData, nil
}

func parseEnclaveReport(raw []byte) EnclaveReport {
	l := enclaveReportLayout
	return EnclaveReport{
		CPUSVN:     [16]byte(l.cpuSVN.of(raw)),
		MiscSelect: binary.LittleEndian.Uint32(l.miscSelect.of(raw)),
		Reserved1:  [28]byte(l.reserved1.of(raw)),
		Attributes: [16]byte(l.attributes.of(raw)),
		MRENCLAVE:  [32]byte(l.mrEnclave.of(raw)),
		Reserved2:  [32]byte(l.reserved2.of(raw)),
		MRSIGNER:   [32]byte(l.mrSigner.of(raw)),
		Reserved3:  [96]byte(l.reserved3.of(raw)),
		ISVProdID:  binary.LittleEndian.Uint16(l.isvProdID.of(raw)),
		ISVSVN:     binary.LittleEndian.Uint16(l.isvSVN.of(raw)),
		Reserved4:  [60]byte(l.reserved4.of(raw)),
		ReportData: [64]byte(l.reportData.of(raw)),
	}
}
