package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <domain> <service> [key=value...]",
	Short: "Call a Home Assistant service",
	Long: `Connect once and call a service. Trailing key=value pairs become the
service data; numbers and booleans are sent as JSON values.

Example:
  homedash call light turn_on entity_id=light.kitchen brightness=128`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", time.Minute, "Give up after this long")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	data, err := parseServiceData(args[2:])
	if err != nil {
		return err
	}

	c, err := setup()
	if err != nil {
		return err
	}
	defer c.logger.Sync()
	defer c.manager.Deactivate()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	if err := c.manager.Activate(ctx, c.cfg.Hub); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	result, err := c.facade.CallService(ctx, args[0], args[1], data)
	if err != nil {
		return err
	}

	green.Printf("✓ %s.%s\n", args[0], args[1])
	if len(result) > 0 && string(result) != "null" {
		var pretty interface{}
		if json.Unmarshal(result, &pretty) == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		}
	}
	return nil
}

// parseServiceData turns key=value pairs into service data.
func parseServiceData(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	data := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid service data %q: expected key=value", pair)
		}
		data[key] = parseValue(value)
	}
	return data, nil
}

func parseValue(v string) interface{} {
	if v == "true" || v == "false" {
		return v == "true"
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
