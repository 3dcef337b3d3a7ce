package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relayforge/wsintercept/internal/config"
)

func checkCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file",
		Long: `Validate a wsintercept config file without starting the server.

Examples:
  wsintercept check --config wsintercept.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.Load(configFile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Config validation FAILED: %v\n", err)
					return err
				}
				fmt.Println("Config validation: OK")
			} else {
				cfg = config.Defaults()
				fmt.Println("Using default config (no --config specified)")
			}

			fmt.Printf("  Listen:                %s\n", cfg.Server.Listen)
			fmt.Printf("  Metrics listen:        %s\n", cfg.Server.MetricsListen)
			fmt.Printf("  TLS:                   %v\n", cfg.Server.TLSCertFile != "")
			fmt.Printf("  Rules:                 %d\n", len(cfg.Rules))
			fmt.Printf("  Max message bytes:     %d\n", cfg.WebSocketProxy.MaxMessageBytes)
			fmt.Printf("  Max concurrent conns:  %d\n", cfg.WebSocketProxy.MaxConcurrentConnections)
			fmt.Printf("  Max connection secs:   %d\n", cfg.WebSocketProxy.MaxConnectionSeconds)
			fmt.Printf("  Idle timeout secs:     %d\n", cfg.WebSocketProxy.IdleTimeoutSeconds)
			fmt.Printf("  Trusted additional CAs: %d\n", len(cfg.WebSocketProxy.TrustAdditionalCAs))
			fmt.Printf("  Client cert hosts:     %d\n", len(cfg.WebSocketProxy.ClientCertificateHostMap))

			for _, r := range cfg.Rules {
				fmt.Printf("    - %s: handler=%s host=%q path=%q\n", r.ID, r.Handler, r.Match.HostPattern, r.Match.PathPattern)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path to validate")

	return cmd
}
