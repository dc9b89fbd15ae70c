package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL  string
	adminKey string
)

var rootCmd = &cobra.Command{
	Use:   "serverbox",
	Short: "serverbox CLI - Manage proxy instances from the command line",
	Long: `serverbox is a command-line tool for the serverbox admin API.

It provides commands to create, inspect, and control the lifecycle of
instances, run commands inside their sandboxes, and transfer files.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("SERVERBOX_URL", "http://localhost:7788"), "serverbox API base URL")
	rootCmd.PersistentFlags().StringVar(&adminKey, "admin-key", os.Getenv("SERVERBOX_ADMIN_API_KEY"), "serverbox admin API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkAdminKey() error {
	if adminKey == "" {
		return fmt.Errorf("admin key is required. Set SERVERBOX_ADMIN_API_KEY environment variable or use --admin-key flag")
	}
	return nil
}
