package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/serverbox/serverbox/pkg/client"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <id> <local-path> <remote-path>",
	Short: "Upload a file into an instance's sandbox",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAdminKey(); err != nil {
			return err
		}

		content, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}

		c := client.NewClient(baseURL, adminKey)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := c.UploadFile(ctx, args[0], args[2], content); err != nil {
			return fmt.Errorf("failed to upload: %w", err)
		}
		fmt.Printf("Uploaded %s to %s (%d bytes)\n", args[1], args[2], len(content))
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <id> <remote-path> [local-path]",
	Short: "Download a file from an instance's sandbox",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAdminKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, adminKey)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		data, err := c.DownloadFile(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to download: %w", err)
		}

		if len(args) == 3 {
			if err := os.WriteFile(args[2], data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", args[2], err)
			}
			fmt.Printf("Downloaded %s to %s (%d bytes)\n", args[1], args[2], len(data))
			return nil
		}
		os.Stdout.Write(data)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
}
