package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/serverbox/serverbox/pkg/client"
	"github.com/serverbox/serverbox/pkg/types"
)

var instancesCmd = &cobra.Command{
	Use:     "instances",
	Aliases: []string{"i"},
	Short:   "Manage instances",
	Long:    `Create, list, inspect, and control the lifecycle of instances.`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAdminKey(); err != nil {
			return err
		}

		id, _ := cmd.Flags().GetString("id")
		provider, _ := cmd.Flags().GetString("provider")
		apiKey, _ := cmd.Flags().GetString("provider-key")
		labels, _ := cmd.Flags().GetStringToString("label")
		timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")

		opts := types.CreateOptions{
			ID:        id,
			Labels:    labels,
			TimeoutMs: timeoutMs,
		}
		if provider != "" {
			opts.Auth = []types.ProviderAuth{{Provider: provider, APIKey: apiKey}}
		}

		c := client.NewClient(baseURL, adminKey)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		inst, err := c.CreateInstance(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}

		fmt.Printf("Instance created: %s\n", inst.ID)
		fmt.Printf("  State:     %s\n", inst.State)
		fmt.Printf("  Proxy URL: %s\n", inst.ProxyURL)
		return nil
	},
}

var listInstancesCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAdminKey(); err != nil {
			return err
		}

		state, _ := cmd.Flags().GetString("state")
		refresh, _ := cmd.Flags().GetBool("refresh")

		c := client.NewClient(baseURL, adminKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		instances, err := c.ListInstances(ctx, state, refresh)
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tSANDBOX\tPROXY URL\tCREATED")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				inst.ID, inst.State, inst.SandboxID, inst.ProxyURL,
				inst.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one instance as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAdminKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, adminKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		inst, err := c.GetInstance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get instance: %w", err)
		}

		out, err := json.MarshalIndent(inst, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func lifecycleCommand(use, short, done string, call func(*client.Client, context.Context, string) (*types.SerializedInstance, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAdminKey(); err != nil {
				return err
			}

			c := client.NewClient(baseURL, adminKey)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			inst, err := call(c, ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to %s instance: %w", done, err)
			}
			fmt.Printf("Instance %s: %s\n", done, inst.ID)
			fmt.Printf("  State: %s\n", inst.State)
			return nil
		},
	}
}

var destroyCmd = &cobra.Command{
	Use:     "destroy <id>",
	Aliases: []string{"rm"},
	Short:   "Destroy an instance and its sandbox",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAdminKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, adminKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.DestroyInstance(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to destroy instance: %w", err)
		}
		fmt.Printf("Instance destroyed: %s\n", args[0])
		return nil
	},
}

func init() {
	createCmd.Flags().String("id", "", "Instance id (generated if empty)")
	createCmd.Flags().String("provider", "", "Model provider name")
	createCmd.Flags().String("provider-key", "", "Model provider API key")
	createCmd.Flags().StringToString("label", nil, "Labels as key=value")
	createCmd.Flags().Int("timeout-ms", 0, "Create timeout in milliseconds")

	listInstancesCmd.Flags().String("state", "", "Filter by state")
	listInstancesCmd.Flags().Bool("refresh", false, "Reconcile with the provider before listing")

	instancesCmd.AddCommand(createCmd)
	instancesCmd.AddCommand(listInstancesCmd)
	instancesCmd.AddCommand(getCmd)
	instancesCmd.AddCommand(lifecycleCommand("resume <id>", "Resume a stopped instance", "resumed",
		func(c *client.Client, ctx context.Context, id string) (*types.SerializedInstance, error) {
			return c.ResumeInstance(ctx, id)
		}))
	instancesCmd.AddCommand(lifecycleCommand("stop <id>", "Stop a running instance", "stopped",
		func(c *client.Client, ctx context.Context, id string) (*types.SerializedInstance, error) {
			return c.StopInstance(ctx, id)
		}))
	instancesCmd.AddCommand(lifecycleCommand("archive <id>", "Archive an instance", "archived",
		func(c *client.Client, ctx context.Context, id string) (*types.SerializedInstance, error) {
			return c.ArchiveInstance(ctx, id)
		}))
	instancesCmd.AddCommand(destroyCmd)

	rootCmd.AddCommand(instancesCmd)
}
