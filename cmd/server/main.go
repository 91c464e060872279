package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/atmx/options-engine/internal/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "options-engine",
	Short: "Binary-options trade settlement and balance ledger engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the settlement scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(envFile)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify that every balance equals the sum of its ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(envFile)
		if err != nil {
			return err
		}
		return runAudit(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFile, "config", "c", "", "path to a .env file (default: ./.env when present)")
	rootCmd.AddCommand(serveCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
