package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configExampleOut string

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Write the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.WriteExample(cfg, configExampleOut); err != nil {
			return err
		}
		zap.L().Info("wrote example config", zap.String("path", configExampleOut))
		return nil
	},
}

func init() {
	configExampleCmd.Flags().StringVar(&configExampleOut, "out", "config.example.yaml", "output path")
	configCmd.AddCommand(configExampleCmd)
	rootCmd.AddCommand(configCmd)
}
