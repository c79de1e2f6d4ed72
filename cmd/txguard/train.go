package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Retrain the model from the stored history and save it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.model.Retrain(cmd.Context()); err != nil {
				return fmt.Errorf("training failed: %w", err)
			}
			info := a.model.Info()
			fmt.Fprintf(cmd.OutOrStdout(), "model %s trained on %d samples (threshold %.4f), saved to %s\n",
				info.ArtifactID, info.Samples, info.Threshold, a.artifacts.Path())
			return nil
		},
	}
}
