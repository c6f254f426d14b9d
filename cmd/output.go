package cmd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edgelesssys/go-tdx-evidence/rtmr"
	"github.com/spf13/cobra"
)

// errOutputFormat is returned for an output format a command does not support.
var errOutputFormat = errors.New("unsupported output format")

// hexBytes is encoded as a hex string in JSON output.
type hexBytes []byte

func (b hexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func registersJSON(registers rtmr.Registers) [rtmr.Count]hexBytes {
	var out [rtmr.Count]hexBytes
	for i := range registers {
		out[i] = hexBytes(registers[i][:])
	}
	return out
}

// write prints value as indented JSON, or the result of hexForm if hex output is configured.
// Commands without a hex representation pass a nil hexForm.
func (a *app) write(cmd *cobra.Command, value any, hexForm func() []byte) error {
	switch format := a.cfg.GetString(cfgOutput); format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	case "hex":
		if hexForm == nil {
			return fmt.Errorf("%w: %s has no hex output", errOutputFormat, cmd.Name())
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(hexForm()))
		return err
	default:
		return fmt.Errorf("%w %q", errOutputFormat, format)
	}
}

// decodeMaybeHex returns the hex decoded content of data if it is hex text, and data otherwise.
func decodeMaybeHex(data []byte) []byte {
	if decoded, err := hex.DecodeString(string(bytes.TrimSpace(data))); err == nil && len(decoded) > 0 {
		return decoded
	}
	return data
}
