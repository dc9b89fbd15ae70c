package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/serverbox/serverbox/pkg/client"
	"github.com/serverbox/serverbox/pkg/types"
)

var execCmd = &cobra.Command{
	Use:   "exec <id> <command...>",
	Short: "Run a command inside an instance's sandbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAdminKey(); err != nil {
			return err
		}

		cwd, _ := cmd.Flags().GetString("cwd")
		timeout, _ := cmd.Flags().GetInt("timeout")

		c := client.NewClient(baseURL, adminKey)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		res, err := c.Exec(ctx, args[0], types.ExecRequest{
			Command: strings.Join(args[1:], " "),
			Cwd:     cwd,
			Timeout: timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to exec: %w", err)
		}

		fmt.Print(res.Output)
		if res.ExitCode != 0 {
			os.Exit(res.ExitCode)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health <id>",
	Short: "Probe an instance's upstream server health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAdminKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, adminKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		body, err := c.Health(ctx, args[0])
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Printf("healthy: %v\n", body["healthy"])
		return nil
	},
}

func init() {
	execCmd.Flags().String("cwd", "", "Working directory for the command")
	execCmd.Flags().Int("timeout", 0, "Command timeout in seconds")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(healthCmd)
}
