package cmd

import (
	"fmt"
	"os"

	"github.com/edgelesssys/go-tdx-evidence/verification/pcs"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	cfgCollateralTCBInfo               = "collateral.tcb_info"
	cfgCollateralTCBInfoIssuerChain    = "collateral.tcb_info_issuer_chain"
	cfgCollateralQEIdentity            = "collateral.qe_identity"
	cfgCollateralQEIdentityIssuerChain = "collateral.qe_identity_issuer_chain"
	cfgCollateralPCKCRL                = "collateral.pck_crl"
	cfgCollateralPCKCRLIssuerChain     = "collateral.pck_crl_issuer_chain"
	cfgCollateralRootCACRL             = "collateral.root_ca_crl"
	cfgCollateralOut                   = "collateral.out"
)

func (a *app) newCollateralCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collateral",
		Short: "Assemble CBOR collateral from saved PCS responses",
		Long: `Assemble CBOR collateral from saved PCS responses.

Response bodies are read from files. Issuer chains are given as the URL encoded
response headers of the PCS, saved to files. The collateral is not verified.`,
		Args: cobra.NoArgs,
	}
	cmd.RunE = a.run(a.runCollateral)

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String(cfgCollateralTCBInfo, "", "TCB Info response body")
	fs.String(cfgCollateralTCBInfoIssuerChain, "", "value of the "+pcs.TCBInfoIssuerChainHeader+" header")
	fs.String(cfgCollateralQEIdentity, "", "QE Identity response body")
	fs.String(cfgCollateralQEIdentityIssuerChain, "", "value of the "+pcs.QEIdentityIssuerChainHeader+" header")
	fs.String(cfgCollateralPCKCRL, "", "DER encoded PCK CRL")
	fs.String(cfgCollateralPCKCRLIssuerChain, "", "value of the "+pcs.PCKCRLIssuerChainHeader+" header")
	fs.String(cfgCollateralRootCACRL, "", "DER encoded Intel Root CA CRL")
	fs.String(cfgCollateralOut, "", "write the CBOR collateral to this file instead of printing it")
	cmd.Flags().AddFlagSet(fs)
	_ = a.cfg.BindPFlags(fs)

	return cmd
}

type collateralOutput struct {
	Collateral hexBytes `json:"collateral"`
}

func (a *app) runCollateral(cmd *cobra.Command, _ []string) error {
	files := map[string][]byte{}
	for _, key := range []string{
		cfgCollateralTCBInfo, cfgCollateralTCBInfoIssuerChain,
		cfgCollateralQEIdentity, cfgCollateralQEIdentityIssuerChain,
		cfgCollateralPCKCRL, cfgCollateralPCKCRLIssuerChain,
		cfgCollateralRootCACRL,
	} {
		path := a.cfg.GetString(key)
		if path == "" {
			return fmt.Errorf("missing --%s", key)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", key, err)
		}
		files[key] = data
	}

	collateral, err := pcs.AssembleCollateral(pcs.Responses{
		TCBInfo:               files[cfgCollateralTCBInfo],
		TCBInfoIssuerChain:    string(files[cfgCollateralTCBInfoIssuerChain]),
		QEIdentity:            files[cfgCollateralQEIdentity],
		QEIdentityIssuerChain: string(files[cfgCollateralQEIdentityIssuerChain]),
		PCKCRL:                files[cfgCollateralPCKCRL],
		PCKCRLIssuerChain:     string(files[cfgCollateralPCKCRLIssuerChain]),
		RootCACRL:             files[cfgCollateralRootCACRL],
	})
	if err != nil {
		return err
	}
	raw, err := collateral.Marshal()
	if err != nil {
		return err
	}

	if out := a.cfg.GetString(cfgCollateralOut); out != "" {
		if err := os.WriteFile(out, raw, 0o644); err != nil {
			return fmt.Errorf("writing collateral: %w", err)
		}
		a.log.Info("Collateral written", zap.String("path", out), zap.Int("size", len(raw)))
		return nil
	}
	return a.write(cmd, collateralOutput{Collateral: raw}, func() []byte { return raw })
}
