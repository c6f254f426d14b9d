/*
Package blobs synthesizes TDX attestation evidence for tests.

It generates a certificate hierarchy shaped like Intel's, signed collateral (TCB Info, QE Identity, and CRLs),
a dstack-like event log, and a quote whose RTMRs match that log.
Everything is signed with freshly generated keys, so verification only succeeds against [Fixture.PKI].Root.
*/
package blobs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/eventlog"
	"github.com/edgelesssys/go-tdx-evidence/rtmr"
	"github.com/edgelesssys/go-tdx-evidence/verification/crypto"
	"github.com/edgelesssys/go-tdx-evidence/verification/status"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
)

// CollateralLifetime is the time after issuance until generated collateral and CRLs expire.
const CollateralLifetime = 30 * 24 * time.Hour

var (
	// DefaultNow is the reference time fixtures are generated for, unless configured otherwise.
	DefaultNow = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	// FMSPC of the generated platform.
	FMSPC = [6]byte{0x00, 0x80, 0x6F, 0x05, 0x00, 0x00}
	// PCEID of the generated platform.
	PCEID = [2]byte{0x00, 0x00}
	// QEMRSIGNER is the MRSIGNER of the generated Quoting Enclave.
	QEMRSIGNER = [32]byte{0xdc, 0x9e, 0x2a, 0x7c, 0x6f, 0x94, 0x8f, 0x17, 0x47, 0x4e, 0x34, 0xa7, 0xfc, 0x43, 0xed, 0x03, 0x0f, 0x7c, 0x15, 0x63, 0xf1, 0xba, 0xbd, 0xdf, 0x63, 0x40, 0xc8, 0x2e, 0x0e, 0x54, 0xa8, 0xc5}
	// QEAttributes are the attributes of the generated Quoting Enclave.
	QEAttributes = [16]byte{0x11}
	// QEISVProdID is the product ID of the generated Quoting Enclave.
	QEISVProdID uint16 = 2
	// QEISVSVN is the SVN of the generated Quoting Enclave.
	QEISVSVN uint16 = 4

	// ComposeHash is the build hash measured by the default event log.
	ComposeHash = sha256.Sum256([]byte("docker-compose.yaml"))
	// AppID is the application ID measured by the default event log.
	AppID = [20]byte{0xea, 0x54, 0x9f, 0x02, 0xe1, 0xa2, 0x5f, 0xab, 0xd1, 0xcb, 0x78, 0x8d, 0x00, 0x1a, 0x71, 0x0e, 0x8e, 0x9d, 0x5f, 0xe2}
	// Key is the key committed to in the report data of the default quote.
	Key = [32]byte{0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42}

	// platform SVNs, matching the newest TCB level
	pckSVN    = 5
	pceSVN    = uint32(13)
	teeTCBSVN = [16]byte{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}
)

// Options configure the generated evidence. The zero value creates evidence that verifies at DefaultNow.
type Options struct {
	// Now is the time the evidence is generated for.
	Now time.Time
	// QuoteVersion is the quote format version, 4 or 5.
	QuoteVersion uint16
	// EventLog replaces the default event log.
	EventLog eventlog.Log
	// RTMR overrides the registers quoted. By default they are replayed from the event log.
	RTMR *rtmr.Registers
	// ReportData overrides the report data. By default it is Key followed by 32 zero bytes.
	ReportData *[64]byte
	// TEETCBSVN overrides the TEE TCB SVN of the report, which selects the matching TCB level.
	TEETCBSVN *[16]byte
	// TCBStatus is the status of the TCB level the platform matches. Defaults to UpToDate.
	TCBStatus status.TCBStatus
	// QEStatus is the status of the QE TCB level. Defaults to UpToDate.
	QEStatus status.TCBStatus
	// AdvisoryIDs are attached to the TCB level the platform matches.
	AdvisoryIDs []string
	// RevokePCKCA lists the PCK CA in the root CA CRL.
	RevokePCKCA bool
	// RevokePCK lists the PCK certificate in the PCK CRL.
	RevokePCK bool
}

// Fixture is generated evidence.
type Fixture struct {
	Now           time.Time
	PKI           *PKI
	AttestKey     *ecdsa.PrivateKey
	EventLog      eventlog.Log
	Quote         types.Quote
	RawQuote      []byte
	Collateral    types.Collateral
	RawCollateral []byte
}

// New generates evidence.
func New(opts Options) (*Fixture, error) {
	if opts.Now.IsZero() {
		opts.Now = DefaultNow
	}
	if opts.QuoteVersion == 0 {
		opts.QuoteVersion = 4
	}
	if opts.EventLog == nil {
		opts.EventLog = DefaultEventLog()
	}
	if opts.TCBStatus == "" {
		opts.TCBStatus = status.UpToDate
	}
	if opts.QEStatus == "" {
		opts.QEStatus = status.UpToDate
	}

	var ext types.SGXExtensions
	ext.PPID = [16]byte{0x01}
	ext.FMSPC = FMSPC
	ext.PCEID = PCEID
	for i := range ext.TCB.TCBSVN {
		ext.TCB.TCBSVN[i] = pckSVN
		ext.TCB.CPUSVN[i] = byte(pckSVN)
	}
	ext.TCB.PCESVN = pceSVN

	pki, err := NewPKI(opts.Now, ext, opts.RevokePCKCA, opts.RevokePCK)
	if err != nil {
		return nil, err
	}
	attestKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	f := &Fixture{
		Now:       opts.Now,
		PKI:       pki,
		AttestKey: attestKey,
		EventLog:  opts.EventLog,
	}
	if err := f.buildQuote(opts); err != nil {
		return nil, fmt.Errorf("building quote: %w", err)
	}
	if err := f.buildCollateral(opts); err != nil {
		return nil, fmt.Errorf("building collateral: %w", err)
	}
	return f, nil
}

// MustNew is like New but panics on error.
func MustNew(opts Options) *Fixture {
	f, err := New(opts)
	if err != nil {
		panic(err)
	}
	return f
}

// DefaultEventLog returns an event log with the layout of a dstack guest:
// 17 events for RTMR0, 5 for RTMR1, 2 for RTMR2, and 9 runtime events for RTMR3,
// including the compose-hash and app-id events.
func DefaultEventLog() eventlog.Log {
	var log eventlog.Log
	for imr, n := range [3]int{17, 5, 2} {
		for i := 0; i < n; i++ {
			log = append(log, eventlog.Entry{
				IMR:       uint32(imr),
				EventType: 0x80000001,
				Digest:    rtmr.MeasurementDigest([]byte(fmt.Sprintf("rtmr%d-event-%d", imr, i))),
			})
		}
	}

	runtimeEvents := []struct {
		name    string
		payload []byte
	}{
		{"system-preparing", nil},
		{eventlog.AppIDEvent, AppID[:]},
		{eventlog.ComposeHashEvent, ComposeHash[:]},
		{"instance-id", bytes.Repeat([]byte{0x1d}, 20)},
		{"boot-mr-done", nil},
		{"mr-kms", bytes.Repeat([]byte{0x4b}, 32)},
		{"os-image-hash", bytes.Repeat([]byte{0x05}, 32)},
		{"key-provider", []byte(`{"type":"kms"}`)},
		{"system-ready", nil},
	}
	for _, e := range runtimeEvents {
		log = append(log, eventlog.NewRuntimeEvent(e.name, e.payload))
	}
	return log
}

// DefaultReportData returns Key followed by 32 zero bytes.
func DefaultReportData() [64]byte {
	var reportData [64]byte
	copy(reportData[:32], Key[:])
	return reportData
}

func (f *Fixture) buildQuote(opts Options) error {
	registers, err := f.EventLog.Replay()
	if err != nil {
		return fmt.Errorf("replaying event log: %w", err)
	}
	if opts.RTMR != nil {
		registers = *opts.RTMR
	}
	reportData := DefaultReportData()
	if opts.ReportData != nil {
		reportData = *opts.ReportData
	}
	tcbSVN := teeTCBSVN
	if opts.TEETCBSVN != nil {
		tcbSVN = *opts.TEETCBSVN
	}

	report := types.TD10Report{
		TEETCBSVN:    tcbSVN,
		TDAttributes: 0x0000000010000000,
		XFAM:         0x00000000000602e7,
		ReportData:   reportData,
	}
	copy(report.MRTD[:], bytes.Repeat([]byte{0x7d}, 48))
	for i := range registers {
		report.RTMR[i] = registers[i]
	}

	qeAuthData := make([]byte, 32)
	for i := range qeAuthData {
		qeAuthData[i] = byte(i)
	}
	attestKey := crypto.RawECDSAPublicKey(&f.AttestKey.PublicKey)
	qeReportData := sha256.Sum256(append(attestKey[:], qeAuthData...))

	qeReport := types.EnclaveReport{
		Attributes: QEAttributes,
		MRSIGNER:   QEMRSIGNER,
		ISVProdID:  QEISVProdID,
		ISVSVN:     QEISVSVN,
	}
	copy(qeReport.ReportData[:32], qeReportData[:])
	rawQEReport := qeReport.Marshal()
	qeReportSignature, err := crypto.SignECDSA(f.PKI.PCKKey, rawQEReport[:])
	if err != nil {
		return err
	}

	quote := types.Quote{
		Header: types.QuoteHeader{
			Version:            opts.QuoteVersion,
			AttestationKeyType: types.AttestationKeyTypeECDSAP256,
			TEEType:            types.TEETypeTDX,
			VendorID:           [16]byte{0x93, 0x9a, 0x72, 0x33, 0xf7, 0x9c, 0x4c, 0xa9, 0x94, 0x0a, 0x0d, 0xb3, 0x95, 0x7f, 0x06, 0x07},
		},
		Body: report,
		Signature: types.ECDSA256QuoteAuthData{
			PublicKey: attestKey,
			QEReport: types.QEReportCertificationData{
				EnclaveReport: qeReport,
				Signature:     qeReportSignature,
				QEAuthData:    types.QEAuthData{Data: qeAuthData},
				CertificationData: types.CertificationData{
					Type: types.PCK_ID_PCK_CERT_CHAIN,
					Data: f.PKI.PCKCertChainPEM(),
				},
			},
		},
	}
	return f.SetQuote(quote)
}

// SetQuote signs quote with the attestation key and stores it as the fixture's quote.
func (f *Fixture) SetQuote(quote types.Quote) error {
	signedData, err := quote.SignedData()
	if err != nil {
		return err
	}
	if quote.Signature.Signature, err = crypto.SignECDSA(f.AttestKey, signedData); err != nil {
		return err
	}
	raw, err := quote.Marshal()
	if err != nil {
		return err
	}
	parsed, err := types.ParseQuote(raw)
	if err != nil {
		return fmt.Errorf("parsing generated quote: %w", err)
	}
	f.Quote, f.RawQuote = parsed, raw
	return nil
}

// SetReport replaces the report of the fixture's quote and re-signs it.
func (f *Fixture) SetReport(report types.TD10Report) error {
	quote := f.Quote
	quote.Body = report
	return f.SetQuote(quote)
}

// Report returns the TD 1.0 report of the fixture's quote.
func (f *Fixture) Report() types.TD10Report {
	report, err := f.Quote.TD10()
	if err != nil {
		panic(err)
	}
	return report
}

func (f *Fixture) buildCollateral(opts Options) error {
	tcbInfo, err := json.Marshal(tcbInfoJSON(opts))
	if err != nil {
		return err
	}
	tcbInfoSignature, err := crypto.SignECDSA(f.PKI.TCBSigningKey, tcbInfo)
	if err != nil {
		return err
	}
	qeIdentity, err := json.Marshal(qeIdentityJSON(opts))
	if err != nil {
		return err
	}
	qeIdentitySignature, err := crypto.SignECDSA(f.PKI.TCBSigningKey, qeIdentity)
	if err != nil {
		return err
	}

	f.Collateral = types.Collateral{
		PCKCRLIssuerChain:     f.PKI.PCKCRLIssuerChainPEM(),
		RootCACRL:             f.PKI.RootCACRL,
		PCKCRL:                f.PKI.PCKCRL,
		TCBInfoIssuerChain:    f.PKI.TCBSigningChainPEM(),
		TCBInfo:               tcbInfo,
		TCBInfoSignature:      tcbInfoSignature[:],
		QEIdentityIssuerChain: f.PKI.TCBSigningChainPEM(),
		QEIdentity:            qeIdentity,
		QEIdentitySignature:   qeIdentitySignature[:],
	}
	return f.SetCollateral(f.Collateral)
}

// SetCollateral stores collateral as the fixture's collateral and re-encodes it.
func (f *Fixture) SetCollateral(collateral types.Collateral) error {
	raw, err := collateral.Marshal()
	if err != nil {
		return err
	}
	f.Collateral, f.RawCollateral = collateral, raw
	return nil
}

// SignTCBInfo signs a TCB Info body with the TCB signing key.
func (f *Fixture) SignTCBInfo(body []byte) []byte {
	signature, err := crypto.SignECDSA(f.PKI.TCBSigningKey, body)
	if err != nil {
		panic(err)
	}
	return signature[:]
}

type tcbComponentJSON struct {
	SVN uint8 `json:"svn"`
}

type tcbJSON struct {
	SGXTCBComponents []tcbComponentJSON `json:"sgxtcbcomponents,omitempty"`
	PCESVN           uint32             `json:"pcesvn,omitempty"`
	TDXTCBComponents []tcbComponentJSON `json:"tdxtcbcomponents,omitempty"`
	ISVSVN           uint16             `json:"isvsvn,omitempty"`
}

type tcbLevelJSON struct {
	TCB         tcbJSON  `json:"tcb"`
	TCBDate     string   `json:"tcbDate"`
	TCBStatus   string   `json:"tcbStatus"`
	AdvisoryIDs []string `json:"advisoryIDs,omitempty"`
}

func components(svn uint8) []tcbComponentJSON {
	comps := make([]tcbComponentJSON, 16)
	for i := range comps {
		comps[i].SVN = svn
	}
	return comps
}

func tcbInfoJSON(opts Options) any {
	tcbDate := opts.Now.Add(-90 * 24 * time.Hour).UTC().Format(time.RFC3339)
	return struct {
		ID                      string         `json:"id"`
		Version                 int            `json:"version"`
		IssueDate               string         `json:"issueDate"`
		NextUpdate              string         `json:"nextUpdate"`
		FMSPC                   string         `json:"fmspc"`
		PCEID                   string         `json:"pceId"`
		TCBType                 int            `json:"tcbType"`
		TCBEvaluationDataNumber int            `json:"tcbEvaluationDataNumber"`
		TDXModule               any            `json:"tdxModule"`
		TCBLevels               []tcbLevelJSON `json:"tcbLevels"`
	}{
		ID:                      types.TCBInfoTDXID,
		Version:                 3,
		IssueDate:               opts.Now.Add(-time.Hour).UTC().Format(time.RFC3339),
		NextUpdate:              opts.Now.Add(CollateralLifetime).UTC().Format(time.RFC3339),
		FMSPC:                   hex.EncodeToString(FMSPC[:]),
		PCEID:                   hex.EncodeToString(PCEID[:]),
		TCBEvaluationDataNumber: 17,
		TDXModule: map[string]string{
			"mrsigner":       hex.EncodeToString(make([]byte, 48)),
			"attributes":     "0000000000000000",
			"attributesMask": "FFFFFFFFFFFFFFFF",
		},
		TCBLevels: []tcbLevelJSON{
			{
				TCB: tcbJSON{
					SGXTCBComponents: components(uint8(pckSVN)),
					PCESVN:           pceSVN,
					TDXTCBComponents: components(teeTCBSVN[0]),
				},
				TCBDate:     tcbDate,
				TCBStatus:   string(opts.TCBStatus),
				AdvisoryIDs: opts.AdvisoryIDs,
			},
			{
				TCB: tcbJSON{
					SGXTCBComponents: components(1),
					PCESVN:           5,
					TDXTCBComponents: components(1),
				},
				TCBDate:     opts.Now.Add(-2 * 365 * 24 * time.Hour).UTC().Format(time.RFC3339),
				TCBStatus:   string(status.OutOfDate),
				AdvisoryIDs: []string{"INTEL-SA-00837"},
			},
		},
	}
}

func qeIdentityJSON(opts Options) any {
	return struct {
		ID                      string         `json:"id"`
		Version                 int            `json:"version"`
		IssueDate               string         `json:"issueDate"`
		NextUpdate              string         `json:"nextUpdate"`
		TCBEvaluationDataNumber int            `json:"tcbEvaluationDataNumber"`
		MiscSelect              string         `json:"miscselect"`
		MiscSelectMask          string         `json:"miscselectMask"`
		Attributes              string         `json:"attributes"`
		AttributesMask          string         `json:"attributesMask"`
		MRSIGNER                string         `json:"mrsigner"`
		ISVProdID               uint16         `json:"isvprodid"`
		TCBLevels               []tcbLevelJSON `json:"tcbLevels"`
	}{
		ID:                      types.QEIdentityTDXID,
		Version:                 types.QEIdentityVersion,
		IssueDate:               opts.Now.Add(-time.Hour).UTC().Format(time.RFC3339),
		NextUpdate:              opts.Now.Add(CollateralLifetime).UTC().Format(time.RFC3339),
		TCBEvaluationDataNumber: 17,
		MiscSelect:              "00000000",
		MiscSelectMask:          "FFFFFFFF",
		Attributes:              hex.EncodeToString(QEAttributes[:]),
		AttributesMask:          "FBFFFFFFFFFFFFFF0000000000000000",
		MRSIGNER:                hex.EncodeToString(QEMRSIGNER[:]),
		ISVProdID:               QEISVProdID,
		TCBLevels: []tcbLevelJSON{
			{
				TCB:       tcbJSON{ISVSVN: QEISVSVN},
				TCBDate:   opts.Now.Add(-90 * 24 * time.Hour).UTC().Format(time.RFC3339),
				TCBStatus: string(opts.QEStatus),
			},
		},
	}
}
