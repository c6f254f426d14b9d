// Package cmd implements the commands of the tdx-evidence executable.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	cfgConfigFile = "config"
	cfgLogLevel   = "log.level"
	cfgLogFormat  = "log.format"
	cfgOutput     = "output.format"
	cfgTDXDevice  = "tdx.device"

	envPrefix = "TDX_EVIDENCE"
)

// app holds the state shared by all commands of one invocation.
type app struct {
	cfg *viper.Viper
	log *zap.Logger

	deviceFS *flag.FlagSet
}

// Execute runs the root command and exits with a non-zero code on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd creates the root command with all subcommands.
// Every invocation uses its own configuration, read from flags, TDX_EVIDENCE_* environment variables,
// and an optional YAML file, in that order of precedence.
func NewRootCmd() *cobra.Command {
	a := &app{
		cfg: viper.New(),
		log: zap.NewNop(),
	}
	a.cfg.SetEnvPrefix(envPrefix)
	a.cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.cfg.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "tdx-evidence",
		Short:             "Verify Intel TDX attestation evidence",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.init,
	}

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String(cfgConfigFile, "", "path to a YAML configuration file")
	fs.String(cfgLogLevel, "info", "log level (debug, info, warn, error)")
	fs.String(cfgLogFormat, "json", "log format (json, console)")
	fs.String(cfgOutput, "json", "output format (json, hex)")
	rootCmd.PersistentFlags().AddFlagSet(fs)
	_ = a.cfg.BindPFlags(fs)

	rootCmd.AddCommand(
		a.newVerifyCmd(),
		a.newReplayCmd(),
		a.newDecodeCmd(),
		a.newRegistersCmd(),
		a.newExtendCmd(),
		a.newCollateralCmd(),
	)
	return rootCmd
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	if cfgFile := a.cfg.GetString(cfgConfigFile); cfgFile != "" {
		a.cfg.SetConfigFile(cfgFile)
		a.cfg.SetConfigType("yaml")
		if err := a.cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	log, err := newLogger(a.cfg.GetString(cfgLogLevel), a.cfg.GetString(cfgLogFormat), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.log = log.With(zap.String("command", cmd.Name()))
	return nil
}

// run wraps a command so its error is logged once before it is returned.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err != nil {
			a.log.Error("Command failed", zap.Error(err))
		}
		_ = a.log.Sync()
		return err
	}
}

func newLogger(level, format string, w io.Writer) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "console":
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), zap.NewAtomicLevelAt(lvl))
	return zap.New(core), nil
}

// readInput reads the file at path, or stdin if path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
