package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFlag string

	rootCmd = &cobra.Command{
		Use:   "handshakegate",
		Short: "Handshake gate in front of a protected web application",
		Long: `handshakegate admits browsers to a protected origin only after they pass a
client-side integrity check and hold a short-lived, session-bound handshake token.`,
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to config file (overrides HANDSHAKEGATE_CONFIG env var)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(probeCmd)
}

// configPath resolves the config file: flag, then env var, then
// ./config.yaml with ./config.example.yaml as the last resort.
func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	if p := os.Getenv("HANDSHAKEGATE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("./config.yaml"); os.IsNotExist(err) {
		return "./config.example.yaml"
	}
	return "./config.yaml"
}
