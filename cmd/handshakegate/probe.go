package main

import (
	"context"
	"fmt"
	"time"

	"handshakegate/gate-service/internal/client"

	"github.com/spf13/cobra"
)

var (
	probeURL       string
	probeUserAgent string
	probeProtect   time.Duration
	probeTimeout   time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Complete a handshake against a running gate and report the token status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if probeURL == "" {
			return fmt.Errorf("--url is required")
		}
		c, err := client.New(client.Options{UserAgent: probeUserAgent})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		page, err := c.Handshake(ctx, probeURL)
		cancel()
		fmt.Fprintf(out, "state: %s\n", c.State())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "page: %s (%d, %d bytes)\n", page.URL, page.StatusCode, len(page.Body))

		if st, err := c.Status(cmd.Context()); err == nil {
			fmt.Fprintf(out, "token: valid=%t expiring=%t (%s)\n", st.Valid, st.IsExpiring, st.Message)
		}

		if probeProtect > 0 {
			ctx, cancel := context.WithTimeout(cmd.Context(), probeProtect)
			defer cancel()
			if err := c.Protect(ctx); err != nil {
				fmt.Fprintf(out, "state: %s\n", c.State())
				return err
			}
			if st, err := c.Status(cmd.Context()); err == nil {
				fmt.Fprintf(out, "after %s: valid=%t (%s)\n", probeProtect, st.Valid, st.Message)
			}
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeURL, "url", "", "protected page to open")
	probeCmd.Flags().StringVar(&probeUserAgent, "user-agent", "handshakegate-probe/1.0", "User-Agent to present")
	probeCmd.Flags().DurationVar(&probeProtect, "protect", 0, "keep the token renewed for this long")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "handshake timeout")
}
