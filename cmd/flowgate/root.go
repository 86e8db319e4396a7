package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootOptions carries the loaded configuration to subcommands.
type rootOptions struct {
	configFile string
	cfg        Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "flowgate",
		Short:        "Run DAG workflows of agent nodes with human review gates",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.New(), cmd, opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "settings file (default: $FLOWGATE_HOME/settings.yaml)")
	pf.String("db-path", "", "database path")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("working-dir", "", "working directory handed to agent nodes")
	pf.String("workflows-dir", "", "directory of stored workflow definitions")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newValidateCmd(opts),
		newReplayCmd(opts),
		newHistoryCmd(opts),
		newDiagramCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
