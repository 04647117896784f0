package main

import (
	"fmt"
	"time"

	"handshakegate/gate-service/internal/challenge"
	"handshakegate/gate-service/internal/token"

	"github.com/spf13/cobra"
)

var keygenKID string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a fresh token key and anti-forgery secret as config YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := token.GenerateKey()
		if err != nil {
			return err
		}
		secret, err := challenge.GenerateSecret()
		if err != nil {
			return err
		}
		kid := keygenKID
		if kid == "" {
			kid = "k" + time.Now().UTC().Format("20060102")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "token:")
		fmt.Fprintln(out, "  keys:")
		fmt.Fprintf(out, "    %s: %q\n", kid, key)
		fmt.Fprintf(out, "  current_kid: %s\n", kid)
		fmt.Fprintln(out, "challenge:")
		fmt.Fprintf(out, "  secret: %q\n", secret)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenKID, "kid", "", "key id (default k<YYYYMMDD>)")
}
