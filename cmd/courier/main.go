// Command courier is the courier CLI: it submits instructions, inspects the
// queue, and runs a polling consumer.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/courier/client"
	"github.com/GoCodeAlone/courier/config"
)

const defaultConfigFile = "courier.yaml"

var (
	// Global flags
	cfgFile   string
	serverURL string
	token     string
	output    string
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Task dispatch queue for secretary agents",
	Long: `courier queues instructions from chat channels and hands them to
polling consumers, one claim at a time.

Producer commands:
  submit    queue an instruction
  stop      pause consumers (new instructions wait)
  resume    resume consumers
  tasks     list tasks
  task      show one task

Consumer commands:
  poll      claim and execute pending tasks
  start     claim a task by hand
  complete  resolve a claimed task

Operations:
  status, sweep, token, update, version`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./courier.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "courierd URL (default consumer.server_url)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default consumer.token or $COURIER_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json)")
}

// loadConfig reads --config, or ./courier.yaml when it exists, and applies
// the environment.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return config.Load(path)
}

// newClient returns a client for the configured server, with flags taking
// precedence over the config file.
func newClient(cfg *config.Config) *client.Client {
	url := cfg.Consumer.ServerURL
	if serverURL != "" {
		url = serverURL
	}
	tok := cfg.Consumer.Token
	if token != "" {
		tok = token
	}
	return client.New(url, tok)
}

func remote() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newClient(cfg), nil
}

func jsonOutput() bool {
	return strings.EqualFold(output, "json")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...) //nolint:errcheck
}
