package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	statesJSON    bool
	statesAll     bool
	statesTimeout time.Duration
)

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "Print the current sensor states",
	Long: `Connect once, print the sensor list in display order and exit.

Use --all to include every entity and --json for machine-readable output.`,
	RunE: runStates,
}

func init() {
	statesCmd.Flags().BoolVar(&statesJSON, "json", false, "Output in JSON format")
	statesCmd.Flags().BoolVar(&statesAll, "all", false, "Include every entity, not only sensors")
	statesCmd.Flags().DurationVar(&statesTimeout, "timeout", time.Minute, "Give up after this long")
	rootCmd.AddCommand(statesCmd)
}

func runStates(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.logger.Sync()
	defer c.manager.Deactivate()

	ctx, cancel := context.WithTimeout(cmd.Context(), statesTimeout)
	defer cancel()

	if err := c.manager.Activate(ctx, c.cfg.Hub); err != nil {
		printConnection(os.Stderr, c.store.ConnectionState())
		return fmt.Errorf("failed to connect: %w", err)
	}

	if statesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if statesAll {
			return enc.Encode(c.store.All())
		}
		return enc.Encode(c.store.Sensors())
	}

	printConnection(os.Stdout, c.store.ConnectionState())
	fmt.Println()
	if statesAll {
		fmt.Printf("%d entities, %d sensors\n\n", c.store.Len(), len(c.store.Sensors()))
	}
	printSensors(os.Stdout, c.store.Sensors())
	return nil
}
