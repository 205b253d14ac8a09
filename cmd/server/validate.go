package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/scenario"
)

var errInvalidScenarios = errors.New("invalid scenarios")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check scenario files (json, yaml or toml) without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				sc, err := scenario.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s\n", path)
					var schemaErr *domain.SchemaError
					if errors.As(err, &schemaErr) {
						for _, p := range schemaErr.Problems {
							fmt.Fprintf(out, "  - %s\n", p)
						}
					} else {
						fmt.Fprintf(out, "  - %v\n", err)
					}
					continue
				}
				fmt.Fprintf(out, "ok   %s (%d channels, %d questions)\n", path, len(sc.Channels), len(sc.Questions))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files: %w", failed, len(args), errInvalidScenarios)
			}
			return nil
		},
	}
}
