package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Marshal serializes an EnclaveReport to its binary representation found in a Quote Enclave (QE) report or quote.
func (er *EnclaveReport) Marshal() [EnclaveReportSize]byte {
	l := enclaveReportLayout
	var result [EnclaveReportSize]byte
	copy(l.cpuSVN.of(result[:]), er.CPUSVN[:])
	binary.LittleEndian.PutUint32(l.miscSelect.of(result[:]), er.MiscSelect)
	copy(l.reserved1.of(result[:]), er.Reserved1[:])
	copy(l.attributes.of(result[:]), er.Attributes[:])
	copy(l.mrEnclave.of(result[:]), er.MRENCLAVE[:])
	copy(l.reserved2.of(result[:]), er.Reserved2[:])
	copy(l.mrSigner.of(result[:]), er.MRSIGNER[:])
	copy(l.reserved3.of(result[:]), er.Reserved3[:])
	binary.LittleEndian.PutUint16(l.isvProdID.of(result[:]), er.ISVProdID)
	binary.LittleEndian.PutUint16(l.isvSVN.of(result[:]), er.ISVSVN)
	copy(l.reserved4.of(result[:]), er.Reserved4[:])
	copy(l.reportData.of(result[:]), er.ReportData[:])

	return result
}

// Marshal serializes a quote header into its binary representation typically found in a raw quote.
func (qh *QuoteHeader) Marshal() [QuoteHeaderSize]byte {
	l := headerLayout
	var result [QuoteHeaderSize]byte
	binary.LittleEndian.PutUint16(l.version.of(result[:]), qh.Version)
	binary.LittleEndian.PutUint16(l.attestationKeyType.of(result[:]), qh.AttestationKeyType)
	binary.LittleEndian.PutUint32(l.teeType.of(result[:]), qh.TEEType)
	binary.LittleEndian.PutUint32(l.reserved.of(result[:]), qh.Reserved)
	copy(l.vendorID.of(result[:]), qh.VendorID[:])
	copy(l.userData.of(result[:]), qh.UserData[:])

	return result
}

// Marshal serializes a TD 1.0 report body into its binary representation typically found in a raw quote.
func (r *TD10Report) Marshal() [TD10ReportSize]byte {
	l := td10Layout
	var result [TD10ReportSize]byte
	copy(l.teeTCBSVN.of(result[:]), r.TEETCBSVN[:])
	copy(l.mrSEAM.of(result[:]), r.MRSEAM[:])
	copy(l.mrSignerSEAM.of(result[:]), r.MRSIGNERSEAM[:])
	binary.LittleEndian.PutUint64(l.seamAttributes.of(result[:]), r.SEAMAttributes)
	binary.LittleEndian.PutUint64(l.tdAttributes.of(result[:]), r.TDAttributes)
	binary.LittleEndian.PutUint64(l.xfam.of(result[:]), r.XFAM)
	copy(l.mrTD.of(result[:]), r.MRTD[:])
	copy(l.mrConfigID.of(result[:]), r.MRCONFIGID[:])
	copy(l.mrOwner.of(result[:]), r.MROWNER[:])
	copy(l.mrOwnerConfig.of(result[:]), r.MROWNERCONFIG[:])
	for i, s := range l.rtmr {
		copy(s.of(result[:]), r.RTMR[i][:])
	}
	copy(l.reportData.of(result[:]), r.ReportData[:])

	return result
}

// Marshal serializes a complete quote.
// Size fields and certification data types are derived from the data, not taken from the struct.
func (q Quote) Marshal() ([]byte, error) {
	signed, err := q.SignedData()
	if err != nil {
		return nil, err
	}
	signature, err := q.Signature.marshal()
	if err != nil {
		return nil, err
	}
	if uint64(len(signature)) > math.MaxUint32 {
		return nil, errors.New("quote signature data is too large")
	}

	out := make([]byte, 0, len(signed)+signatureLengthSize+len(signature))
	out = append(out, signed...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(signature)))
	return append(out, signature...), nil
}

func (a *ECDSA256QuoteAuthData) marshal() ([]byte, error) {
	qeReport, err := a.QEReport.marshal()
	if err != nil {
		return nil, err
	}
	if uint64(len(qeReport)) > math.MaxUint32 {
		return nil, errors.New("QE report certification data is too large")
	}

	l := authDataLayout
	out := make([]byte, l.certDataSize.end, l.certDataSize.end+len(qeReport))
	copy(l.signature.of(out), a.Signature[:])
	copy(l.attestKey.of(out), a.PublicKey[:])
	binary.LittleEndian.PutUint16(l.certDataType.of(out), PCK_ID_QE_REPORT_CERTIFICATION_DATA)
	binary.LittleEndian.PutUint32(l.certDataSize.of(out), uint32(len(qeReport)))
	return append(out, qeReport...), nil
}

func (c *QEReportCertificationData) marshal() ([]byte, error) {
	if len(c.QEAuthData.Data) > math.MaxUint16 {
		return nil, fmt.Errorf("QE authentication data is too large: %d bytes", len(c.QEAuthData.Data))
	}
	if uint64(len(c.CertificationData.Data)) > math.MaxUint32 {
		return nil, errors.New("PCK certification data is too large")
	}

	l := qeReportCertDataLayout
	out := make([]byte, l.authDataSize.end)
	report := c.EnclaveReport.Marshal()
	copy(l.enclaveReport.of(out), report[:])
	copy(l.signature.of(out), c.Signature[:])
	binary.LittleEndian.PutUint16(l.authDataSize.of(out), uint16(len(c.QEAuthData.Data)))
	out = append(out, c.QEAuthData.Data...)

	out = binary.LittleEndian.AppendUint16(out, PCK_ID_PCK_CERT_CHAIN)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(c.CertificationData.Data)))
	return append(out, c.CertificationData.Data...), nil
}
