package main

import (
	"fmt"

	"github.com/aetherdock/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "aetherdock",
		Short:         "Real-time container gateway",
		Long:          "aetherdock watches a Docker host and streams container state, logs and stats to connected viewers, and runs start/stop/restart actions on their behalf.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")

	load := func() (config.Config, error) {
		return config.Load(v, configPath)
	}

	rootCmd.AddCommand(
		newServeCmd(v, load),
		newConfigCmd(v, load),
	)
	return rootCmd
}

func newConfigCmd(v *viper.Viper, load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := load(); err != nil {
				return err
			}
			out, err := yaml.Marshal(v.AllSettings())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
