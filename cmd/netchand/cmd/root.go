// Package cmd implements the netchand CLI commands using cobra, grounded on
// firestige-Otus's cmd/root.go (persistent config flag, subcommand tree).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "netchand",
	Short: "netchand serves the reliable-with-fragmentation channel protocol",
	Long: `netchand binds a UDP socket and multiplexes inbound datagrams into
per-peer reliable-with-fragmentation channels: a single-outstanding
reliable message with parity-bit retransmit, two independent fragmented
streams (oversized messages and bulk file transfer), and per-direction
flow estimation.`,
	Version: "0.1.0",
}

// Execute runs the root command; called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (YAML/TOML); NETCHAN_* environment variables override")
	rootCmd.AddCommand(serveCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
