package main

import (
	"encoding/json"
	"fmt"
	"io"

	"eg4-monitor/internal/api"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func decodeCmd() *cobra.Command {
	var (
		deviceType string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "decode <low> <high>",
		Short: "Decode a HOLD_MODEL register pair",
		Long:  "Decode the two HOLD_MODEL registers without contacting a device. Values may be decimal or 0x-prefixed hex.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			low, err := api.ParseRegister(args[0])
			if err != nil {
				return fmt.Errorf("invalid low register %q: %w", args[0], err)
			}
			high, err := api.ParseRegister(args[1])
			if err != nil {
				return fmt.Errorf("invalid high register %q: %w", args[1], err)
			}

			var code *int64
			if deviceType != "" {
				c, err := api.ParseDeviceType(deviceType)
				if err != nil {
					return fmt.Errorf("invalid device type %q: %w", deviceType, err)
				}
				code = &c
			}

			return render(cmd.OutOrStdout(), api.Decode(low, high, code), output)
		},
	}
	cmd.Flags().StringVarP(&deviceType, "device-type", "t", "", "device type code, enables family and rating resolution")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json|yaml)")
	return cmd
}

// render writes v as indented JSON or as YAML. YAML goes through the JSON
// encoding so both formats share field names.
func render(w io.Writer, v any, format string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	switch format {
	case "", "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "yml":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
