package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ridgetop/ridgeline/shared/config"
)

func NewKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Verify the configured provider API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			options := getGlobalOptions(cmd.Context())
			cfg, err := config.Load(options.ConfigPath)
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cfg, slog.Default())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			out := cmd.OutOrStdout()
			failed := 0
			for _, name := range registry.List() {
				provider, err := registry.Get(name)
				if err != nil {
					continue
				}
				if err := provider.TestKey(ctx); err != nil {
					fmt.Fprintf(out, "%-10s FAIL  %v\n", name, err)
					failed++
					continue
				}
				fmt.Fprintf(out, "%-10s OK\n", name)
			}
			if failed > 0 {
				return fmt.Errorf("%d provider key(s) failed verification", failed)
			}
			return nil
		},
	}
}
