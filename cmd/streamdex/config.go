package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load, expand and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "config OK")
			_, _ = fmt.Fprintf(out, "  listen:    %s\n", cfg.HTTP.Addr())
			_, _ = fmt.Fprintf(out, "  source:    %s (poll %s, fsnotify %t)\n",
				cfg.Source.Path, cfg.Source.PollInterval(), cfg.Source.FSNotify())
			_, _ = fmt.Fprintf(out, "  chunking:  max %d tokens, overlap %d\n",
				cfg.Chunking.MaxTokens, cfg.Chunking.Overlap())
			_, _ = fmt.Fprintf(out, "  embedding: %s %s (%d dims), cache %s\n",
				cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Embedding.Cache.Driver)
			_, _ = fmt.Fprintf(out, "  ann:       %t\n", cfg.Index.ANN.Enabled)
			return nil
		},
	})
	return cmd
}
