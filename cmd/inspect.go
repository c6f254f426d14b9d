package cmd

import (
	"fmt"

	"github.com/edgelesssys/go-tdx-evidence/eventlog"
	"github.com/edgelesssys/go-tdx-evidence/rtmr"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <eventlog.json>",
		Short: "Replay the registers described by an event log",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.run(a.runReplay)
	return cmd
}

type replayOutput struct {
	Partition [rtmr.Count]int      `json:"partition"`
	RTMR      [rtmr.Count]hexBytes `json:"rtmr"`
}

func (a *app) runReplay(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return fmt.Errorf("reading event log: %w", err)
	}
	log, err := eventlog.Parse(data)
	if err != nil {
		return err
	}

	_, partition := log.Digests()
	registers, err := log.Replay()
	if err != nil {
		return err
	}
	a.log.Debug("Replayed event log", zap.Int("entries", len(log)))

	return a.write(cmd, replayOutput{
		Partition: partition.Counts(),
		RTMR:      registersJSON(registers),
	}, func() []byte {
		var out []byte
		for i := range registers {
			out = append(out, registers[i][:]...)
		}
		return out
	})
}

func (a *app) newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <quote>",
		Short: "Decode a quote without verifying it",
		Long: `Decode a quote without verifying it.

The quote is read as binary, or as hex if the file holds hex text. Use "-" to read it from stdin.`,
		Args: cobra.ExactArgs(1),
	}
	cmd.RunE = a.run(a.runDecode)
	return cmd
}

type decodeOutput struct {
	Version        uint16               `json:"version"`
	TEEType        uint32               `json:"tee_type"`
	QEVendorID     hexBytes             `json:"qe_vendor_id"`
	TEETCBSVN      hexBytes             `json:"tee_tcb_svn"`
	MRSEAM         hexBytes             `json:"mr_seam"`
	MRSIGNERSEAM   hexBytes             `json:"mr_signer_seam"`
	SEAMAttributes uint64               `json:"seam_attributes"`
	TDAttributes   uint64               `json:"td_attributes"`
	XFAM           uint64               `json:"xfam"`
	MRTD           hexBytes             `json:"mr_td"`
	MRCONFIGID     hexBytes             `json:"mr_config_id"`
	MROWNER        hexBytes             `json:"mr_owner"`
	MROWNERCONFIG  hexBytes             `json:"mr_owner_config"`
	RTMR           [rtmr.Count]hexBytes `json:"rtmr"`
	ReportData     hexBytes             `json:"report_data"`
}

func (a *app) runDecode(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return fmt.Errorf("reading quote: %w", err)
	}
	quote, err := types.ParseQuote(decodeMaybeHex(data))
	if err != nil {
		return err
	}
	report, err := quote.TD10()
	if err != nil {
		return err
	}

	out := decodeOutput{
		Version:        quote.Header.Version,
		TEEType:        quote.Header.TEEType,
		QEVendorID:     quote.Header.VendorID[:],
		TEETCBSVN:      report.TEETCBSVN[:],
		MRSEAM:         report.MRSEAM[:],
		MRSIGNERSEAM:   report.MRSIGNERSEAM[:],
		SEAMAttributes: report.SEAMAttributes,
		TDAttributes:   report.TDAttributes,
		XFAM:           report.XFAM,
		MRTD:           report.MRTD[:],
		MRCONFIGID:     report.MRCONFIGID[:],
		MROWNER:        report.MROWNER[:],
		MROWNERCONFIG:  report.MROWNERCONFIG[:],
		ReportData:     report.ReportData[:],
	}
	for i := range report.RTMR {
		out.RTMR[i] = report.RTMR[i][:]
	}

	return a.write(cmd, out, func() []byte {
		body := report.Marshal()
		return body[:]
	})
}
