package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pastyface/dbsnap/internal/conf"
)

var rootCmd = &cobra.Command{
	Use:   "dbsnap",
	Short: "Disposable MySQL fixtures backed by container snapshots",
	Long: "dbsnap boots a MySQL container, captures a snapshot image once the\n" +
		"schema and seed data are loaded, and resets the database to that\n" +
		"snapshot between test runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return conf.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("test-mode", false, "assert that this process serves a test run")
	rootCmd.PersistentFlags().Bool("force-refresh", false, "ignore any existing snapshot image and rebuild from the base image")
	rootCmd.PersistentFlags().Bool("delete-image", false, "remove the existing snapshot image before rebuilding")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("test_mode", rootCmd.PersistentFlags().Lookup("test-mode"))
	_ = viper.BindPFlag("image.force_refresh", rootCmd.PersistentFlags().Lookup("force-refresh"))
	_ = viper.BindPFlag("image.delete_image", rootCmd.PersistentFlags().Lookup("delete-image"))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
