package cmd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/blobs"
	"github.com/edgelesssys/go-tdx-evidence/evidence"
	"github.com/edgelesssys/go-tdx-evidence/rtmr"
	"github.com/edgelesssys/go-tdx-evidence/verification"
	"github.com/edgelesssys/go-tdx-evidence/verification/crypto"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func execute(stdin []byte, args ...string) (string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(bytes.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func evidenceFile(t *testing.T, f *blobs.Fixture, withCollateral bool) string {
	t.Helper()
	ev := evidence.Evidence{
		Quote:    f.RawQuote,
		EventLog: f.EventLog,
	}
	if withCollateral {
		ev.Collateral = f.RawCollateral
		ev.ReferenceTime = f.Now
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return writeFile(t, "evidence.json", data)
}

func TestVerify(t *testing.T) {
	f := blobs.MustNew(blobs.Options{})
	replayed, err := f.EventLog.Replay()
	require.NoError(t, err)
	c, err := evidence.NewVerifier().VerifyStructural(f.RawQuote, f.EventLog)
	require.NoError(t, err)
	wantCommitment := c.Commitment.Encode()

	rootCA := writeFile(t, "root.pem", crypto.EncodePEMCertificateChain(f.PKI.Root))
	withCollateral := evidenceFile(t, f, true)
	withoutCollateral := evidenceFile(t, f, false)
	collateralHex := writeFile(t, "collateral.hex", []byte(hex.EncodeToString(f.RawCollateral)+"\n"))
	expired := strconv.FormatInt(f.Now.Add(blobs.CollateralLifetime+time.Hour).Unix(), 10)

	testCases := map[string]struct {
		args         []string
		env          map[string]string
		config       string
		stdin        []byte
		wantErr      error
		wantAnyErr   bool
		wantPlatform bool
		wantHex      bool
	}{
		"structural": {
			args: []string{"--verify.mode", "structural", withCollateral},
		},
		"authenticated": {
			args:         []string{"--verify.root_ca", rootCA, withCollateral},
			wantPlatform: true,
		},
		"authenticated against Intel root": {
			args:    []string{withCollateral},
			wantErr: verification.ErrCertChainInvalid,
		},
		"authenticated without collateral": {
			args:    []string{"--verify.root_ca", rootCA, withoutCollateral},
			wantErr: evidence.ErrMissingCollateral,
		},
		"collateral from file": {
			args: []string{
				"--verify.root_ca", rootCA, "--verify.collateral", collateralHex,
				"--verify.reference_time", f.Now.Format(time.RFC3339), withoutCollateral,
			},
			wantPlatform: true,
		},
		"expired reference time": {
			args:    []string{"--verify.root_ca", rootCA, "--verify.reference_time", expired, withCollateral},
			wantErr: verification.ErrCollateralExpired,
		},
		"status not accepted": {
			args:    []string{"--verify.root_ca", rootCA, "--verify.accepted_status", "SWHardeningNeeded", withCollateral},
			wantErr: verification.ErrPlatformNotTrusted,
		},
		"pinned partition": {
			args: []string{"--verify.mode", "structural", "--verify.partition", "dstack", withCollateral},
		},
		"other pinned partition": {
			args:    []string{"--verify.mode", "structural", "--verify.partition", "17,5,2,8", withCollateral},
			wantErr: rtmr.ErrInvalidPartition,
		},
		"digest binding": {
			args: []string{"--verify.mode", "structural", "--verify.binding", "digest", withCollateral},
		},
		"hex output": {
			args:    []string{"--verify.mode", "structural", "--output.format", "hex", withCollateral},
			wantHex: true,
		},
		"stdin": {
			args:  []string{"--verify.mode", "structural", "-"},
			stdin: must(os.ReadFile(withCollateral)),
		},
		"mode from environment": {
			args: []string{withCollateral},
			env:  map[string]string{"TDX_EVIDENCE_VERIFY_MODE": "structural"},
		},
		"mode from config file": {
			config: "verify:\n  mode: structural\n",
			args:   []string{withCollateral},
		},
		"flag overrides environment": {
			args:         []string{"--verify.mode", "authenticated", "--verify.root_ca", rootCA, withCollateral},
			env:          map[string]string{"TDX_EVIDENCE_VERIFY_MODE": "structural"},
			wantPlatform: true,
		},
		"unknown mode": {
			args:       []string{"--verify.mode", "trusted", withCollateral},
			wantAnyErr: true,
		},
		"unknown binding": {
			args:       []string{"--verify.mode", "structural", "--verify.binding", "payload", withCollateral},
			wantAnyErr: true,
		},
		"missing evidence file": {
			args:       []string{filepath.Join(t.TempDir(), "missing.json")},
			wantAnyErr: true,
		},
		"invalid evidence": {
			args:    []string{"-"},
			stdin:   []byte(`{"quote":"zz"}`),
			wantErr: evidence.ErrInvalidEvidence,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			args := append([]string{"verify"}, tc.args...)
			if tc.config != "" {
				args = append(args, "--config", writeFile(t, "config.yaml", []byte(tc.config)))
			}

			out, err := execute(tc.stdin, args...)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			if tc.wantAnyErr {
				assert.Error(err)
				return
			}
			require.NoError(err)

			if tc.wantHex {
				assert.Equal(hex.EncodeToString(wantCommitment[:]), strings.TrimSpace(out))
				return
			}

			var got struct {
				Commitment string         `json:"commitment"`
				RTMR       []string       `json:"rtmr"`
				AppID      string         `json:"app_id"`
				Platform   map[string]any `json:"platform"`
			}
			require.NoError(json.Unmarshal([]byte(out), &got))
			assert.Equal(hex.EncodeToString(wantCommitment[:]), got.Commitment)
			assert.Equal(hex.EncodeToString(replayed[3][:]), got.RTMR[3])
			assert.Equal(hex.EncodeToString(blobs.AppID[:]), got.AppID)
			if tc.wantPlatform {
				require.NotNil(got.Platform)
				assert.Equal("UpToDate", got.Platform["status"])
				assert.Equal("UpToDate", got.Platform["tcb_status"])
			} else {
				assert.Nil(got.Platform)
			}
		})
	}
}

func TestReplay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := blobs.MustNew(blobs.Options{})
	log, err := json.Marshal(f.EventLog)
	require.NoError(err)
	replayed, err := f.EventLog.Replay()
	require.NoError(err)

	out, err := execute(nil, "replay", writeFile(t, "eventlog.json", log))
	require.NoError(err)
	var got struct {
		Partition []int    `json:"partition"`
		RTMR      []string `json:"rtmr"`
	}
	require.NoError(json.Unmarshal([]byte(out), &got))
	assert.Equal([]int{17, 5, 2, 9}, got.Partition)
	require.Len(got.RTMR, rtmr.Count)
	for i := range replayed {
		assert.Equal(hex.EncodeToString(replayed[i][:]), got.RTMR[i])
	}

	_, err = execute([]byte(`[{"imr":0,"digest":"00"}]`), "replay", "-")
	assert.ErrorIs(err, rtmr.ErrInvalidDigestLength)
}

func TestDecode(t *testing.T) {
	f := blobs.MustNew(blobs.Options{})
	report := f.Report()

	testCases := map[string]struct {
		quote   []byte
		wantErr error
	}{
		"binary": {quote: f.RawQuote},
		"hex":    {quote: []byte(hex.EncodeToString(f.RawQuote) + "\n")},
		"short":  {quote: f.RawQuote[:40], wantErr: types.ErrMalformedQuote},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			out, err := execute(nil, "decode", writeFile(t, "quote", tc.quote))
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			require.NoError(err)

			var got map[string]any
			require.NoError(json.Unmarshal([]byte(out), &got))
			assert.EqualValues(4, got["version"])
			assert.Equal(hex.EncodeToString(report.MRTD[:]), got["mr_td"])
			assert.Equal(hex.EncodeToString(report.ReportData[:]), got["report_data"])
		})
	}
}

func TestCollateral(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := blobs.MustNew(blobs.Options{})
	signedResponse := func(key string, body, signature []byte) []byte {
		return []byte(fmt.Sprintf(`{%q:%s,"signature":%q}`, key, body, hex.EncodeToString(signature)))
	}
	flags := []string{
		"--collateral.tcb_info", writeFile(t, "tcb", signedResponse("tcbInfo", f.Collateral.TCBInfo, f.Collateral.TCBInfoSignature)),
		"--collateral.tcb_info_issuer_chain", writeFile(t, "tcb-chain", []byte(url.QueryEscape(string(f.Collateral.TCBInfoIssuerChain)))),
		"--collateral.qe_identity", writeFile(t, "qe", signedResponse("enclaveIdentity", f.Collateral.QEIdentity, f.Collateral.QEIdentitySignature)),
		"--collateral.qe_identity_issuer_chain", writeFile(t, "qe-chain", []byte(url.QueryEscape(string(f.Collateral.QEIdentityIssuerChain)))),
		"--collateral.pck_crl", writeFile(t, "pckcrl", f.Collateral.PCKCRL),
		"--collateral.pck_crl_issuer_chain", writeFile(t, "pckcrl-chain", []byte(url.QueryEscape(string(f.Collateral.PCKCRLIssuerChain)))),
		"--collateral.root_ca_crl", writeFile(t, "rootcrl", f.Collateral.RootCACRL),
	}

	out, err := execute(nil, append([]string{"collateral", "--output.format", "hex"}, flags...)...)
	require.NoError(err)
	raw, err := hex.DecodeString(strings.TrimSpace(out))
	require.NoError(err)
	collateral, err := types.ParseCollateral(raw)
	require.NoError(err)
	assert.Equal(f.Collateral, collateral)

	path := filepath.Join(t.TempDir(), "collateral.cbor")
	_, err = execute(nil, append([]string{"collateral", "--collateral.out", path}, flags...)...)
	require.NoError(err)
	written, err := os.ReadFile(path)
	require.NoError(err)
	assert.Equal(raw, written)

	_, err = execute(nil, append([]string{"collateral"}, flags[2:]...)...)
	assert.ErrorContains(err, "missing --collateral.tcb_info")
}

func TestDeviceCommands(t *testing.T) {
	device := filepath.Join(t.TempDir(), "tdx-guest")

	testCases := map[string][]string{
		"registers without device":    {"registers", "--tdx.device", device},
		"extend without device":       {"extend", "--tdx.device", device, "app-id", "abcd"},
		"extend with invalid payload": {"extend", "--tdx.device", device, "app-id", "xyz"},
		"registers takes no args":     {"registers", "extra"},
	}

	for name, args := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := execute(nil, args...)
			assert.Error(t, err)
		})
	}
}

func TestOutputFormat(t *testing.T) {
	f := blobs.MustNew(blobs.Options{})
	log, err := json.Marshal(f.EventLog)
	require.NoError(t, err)
	path := writeFile(t, "eventlog.json", log)

	_, err = execute(nil, "replay", "--output.format", "yaml", path)
	assert.ErrorIs(t, err, errOutputFormat)
}

func TestParseReferenceTime(t *testing.T) {
	testCases := map[string]struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		"unix seconds": {in: "1740830400", want: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)},
		"RFC 3339":     {in: "2025-03-01T12:00:00Z", want: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)},
		"with offset":  {in: "2025-03-01T13:00:00+01:00", want: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)},
		"date only":    {in: "2025-03-01", wantErr: true},
		"garbage":      {in: "yesterday", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			got, err := parseReferenceTime(tc.in)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.True(tc.want.Equal(got), "got %s", got)
		})
	}
}

func TestParsePartition(t *testing.T) {
	testCases := map[string]struct {
		in      string
		want    [rtmr.Count]int
		wantErr bool
	}{
		"dstack":         {in: "dstack", want: [rtmr.Count]int{17, 5, 2, 9}},
		"counts":         {in: "1, 2,3,4", want: [rtmr.Count]int{1, 2, 3, 4}},
		"too few counts": {in: "1,2,3", wantErr: true},
		"negative count": {in: "1,-2,3,4", wantErr: true},
		"not a number":   {in: "1,two,3,4", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			got, err := parsePartition(tc.in)
			if tc.wantErr {
				assert.ErrorIs(err, rtmr.ErrInvalidPartition)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.want, got.Counts())
		})
	}
}

func TestNewLogger(t *testing.T) {
	testCases := map[string]struct {
		level, format string
		wantErr       bool
	}{
		"json":           {level: "info", format: "json"},
		"console debug":  {level: "debug", format: "console"},
		"unknown level":  {level: "loud", format: "json", wantErr: true},
		"unknown format": {level: "info", format: "xml", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			var buf bytes.Buffer
			log, err := newLogger(tc.level, tc.format, &buf)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			log.Info("hello")
			assert.Contains(buf.String(), "hello")
		})
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
