package main

import (
	"fmt"
	"io"
	"time"

	"eg4-monitor/internal/scanner"

	"github.com/spf13/cobra"
)

func scanCmd() *cobra.Command {
	var (
		ipRange     string
		ports       []int
		modbusPort  int
		donglePort  int
		timeout     time.Duration
		concurrency int
		unitID      uint8
		noVerify    bool
		output      string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a local network for EG4 devices",
		Long: "Look for open Modbus TCP and WiFi dongle ports in a private IP range and read the identity " +
			"registers of every Modbus host. Ranges may be a single address, a CIDR network or a dash range.",
		Example: "  eg4-monitor scan --range 192.168.1.0/24\n  eg4-monitor scan -r 192.168.1.10-192.168.1.40 -o json",
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := scanner.ParseRange(ipRange)
			if err != nil {
				return err
			}

			level := "info"
			if verbose {
				level = "debug"
			}
			logger, err := newLogger(level)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			progress := cmd.ErrOrStderr()
			s := scanner.New(scanner.Config{
				Ports:       ports,
				ModbusPort:  modbusPort,
				DonglePort:  donglePort,
				Timeout:     timeout,
				Concurrency: concurrency,
				UnitID:      unitID,
				SkipVerify:  noVerify,
				OnProgress: func(p scanner.Progress) {
					if output == "text" {
						fmt.Fprintf(progress, "scanned %d/%d hosts, %d found\n", p.Scanned, p.Total, p.Found)
					}
				},
			})

			results, err := s.Scan(cmd.Context(), hosts)
			if err != nil {
				return fmt.Errorf("scan interrupted: %w", err)
			}

			if output == "text" {
				return printScan(cmd.OutOrStdout(), len(hosts), results)
			}
			if results == nil {
				results = []scanner.Result{}
			}
			return render(cmd.OutOrStdout(), results, output)
		},
	}
	cmd.Flags().StringVarP(&ipRange, "range", "r", "", "IP address, CIDR network or dash range to scan")
	cmd.Flags().IntSliceVarP(&ports, "port", "p", []int{scanner.PortModbus, scanner.PortDongle}, "ports to check on each host")
	cmd.Flags().IntVar(&modbusPort, "modbus-port", scanner.PortModbus, "port whose hosts get identity verification")
	cmd.Flags().IntVar(&donglePort, "dongle-port", scanner.PortDongle, "port reported as a WiFi dongle candidate")
	cmd.Flags().DurationVar(&timeout, "timeout", scanner.DefaultTimeout, "connect timeout per port")
	cmd.Flags().IntVar(&concurrency, "concurrency", scanner.DefaultConcurrency, "hosts scanned in parallel")
	cmd.Flags().Uint8Var(&unitID, "unit-id", 1, "Modbus unit ID used for verification")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "report open Modbus ports without reading identities")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json|yaml)")
	_ = cmd.MarkFlagRequired("range")
	return cmd
}

func printScan(w io.Writer, total int, results []scanner.Result) error {
	if len(results) == 0 {
		_, err := fmt.Fprintf(w, "No devices found in %d hosts.\n", total)
		return err
	}
	fmt.Fprintf(w, "Found %d open ports in %d hosts:\n", len(results), total)
	for _, r := range results {
		line := "  " + r.Label()
		if r.Error != "" {
			line += ": " + r.Error
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
