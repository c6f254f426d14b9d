package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/edgelesssys/go-tdx-evidence/tdx"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

// deviceFlags returns the flags of commands using the guest device.
// The set is shared, so the configuration key stays bound to whichever command runs.
func (a *app) deviceFlags() *flag.FlagSet {
	if a.deviceFS == nil {
		a.deviceFS = flag.NewFlagSet("", flag.ContinueOnError)
		a.deviceFS.String(cfgTDXDevice, tdx.GuestDevice, "path to the TDX guest device")
		_ = a.cfg.BindPFlags(a.deviceFS)
	}
	return a.deviceFS
}

func (a *app) newRegistersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registers",
		Short: "Read MRTD and RTMRs from the TDX guest device",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(a.runRegisters)
	cmd.Flags().AddFlagSet(a.deviceFlags())
	return cmd
}

type registersOutput struct {
	MRTD hexBytes   `json:"mr_td"`
	RTMR []hexBytes `json:"rtmr"`
}

func (a *app) runRegisters(cmd *cobra.Command, _ []string) error {
	device, err := tdx.Open(a.cfg.GetString(cfgTDXDevice))
	if err != nil {
		return err
	}
	defer device.Close()

	m, err := tdx.ReadMeasurements(device)
	if err != nil {
		return err
	}
	registers := registersJSON(m.RTMR)
	return a.write(cmd, registersOutput{MRTD: m.MRTD[:], RTMR: registers[:]}, nil)
}

func (a *app) newExtendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extend <event name> [hex payload]",
		Short: "Extend RTMR3 with a runtime event and print its event log entry",
		Args:  cobra.RangeArgs(1, 2),
	}
	cmd.RunE = a.run(a.runExtend)
	cmd.Flags().AddFlagSet(a.deviceFlags())
	return cmd
}

func (a *app) runExtend(cmd *cobra.Command, args []string) error {
	var payload []byte
	if len(args) == 2 {
		var err error
		if payload, err = hex.DecodeString(args[1]); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
	}

	device, err := tdx.Open(a.cfg.GetString(cfgTDXDevice))
	if err != nil {
		return err
	}
	defer device.Close()

	entry, err := tdx.ExtendRuntimeEvent(device, args[0], payload)
	if err != nil {
		return err
	}
	a.log.Info("Extended RTMR", zap.Uint32("imr", entry.IMR), zap.String("event", entry.Event))
	return a.write(cmd, entry, nil)
}
