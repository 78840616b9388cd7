package main

import (
	"github.com/spf13/cobra"

	"github.com/kailas-cloud/streamdex/internal/config"
	"github.com/kailas-cloud/streamdex/internal/version"
)

type rootOptions struct {
	configPath string
	env        string
}

// environment returns the --env flag, falling back to $ENV and then "local".
func (o *rootOptions) environment() string {
	if o.env != "" {
		return o.env
	}
	return config.GetEnv()
}

func (o *rootOptions) load() (config.Config, error) {
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load(o.environment())
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "streamdex",
		Short: "Streaming incremental document index",
		Long: `streamdex tails a JSON Lines feed, chunks and embeds every document and
keeps an in-memory vector index current while serving retrieval queries over HTTP.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("streamdex version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file (overrides --env)")
	cmd.PersistentFlags().StringVar(&opts.env, "env", "", "Environment selecting config/<env>.yaml (default: $ENV or local)")

	cmd.AddCommand(
		newServeCmd(opts),
		newVersionCmd(),
		newConfigCmd(opts),
	)
	return cmd
}
