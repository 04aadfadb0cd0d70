// Package cli provides the command-line interface for the sudocode
// execution core. It orchestrates the application lifecycle: configuration
// loading with flag > environment > default precedence (no configuration
// file is read), service
// initialization, HTTP server setup, and graceful shutdown handling.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/config"
	"github.com/sudocode-ai/sudocode/version"
)

var rootCmd = &cobra.Command{
	Use:   "sudocode",
	Short: "Execution and workflow core for agent-driven development",
	Long: `sudocode runs coding agents against issues and workflows, streams
their output to connected clients, and federates with peer repositories.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("workdir", "w", "",
		"project directory containing .sudocode (default: current directory)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	viper.BindPFlag("workdir", rootCmd.PersistentFlags().Lookup("workdir"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig builds the service configuration with flag precedence applied.
func loadConfig() (*config.ServiceConfig, error) {
	cfg, err := config.Load(viper.GetString("workdir"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log.level"); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString("log.format"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}

// newLogger configures the process logger from the service configuration.
func newLogger(cfg *config.ServiceConfig) *logrus.Logger {
	loggerCfg := common.DefaultLoggerConfig()
	loggerCfg.Level = common.LogLevel(cfg.LogLevel)
	loggerCfg.Format = cfg.LogFormat
	loggerCfg.Service = "sudocode"
	return common.NewLogger(loggerCfg)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sudocode %s\n", version.Version)
		build := version.Current()
		fmt.Printf("go: %s\n", build.GoVersion)
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			for _, m := range build.Modules {
				fmt.Printf("  %s %s\n", m.Path, m.Version)
			}
		}
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "list dependency versions")
}

// exitErr prints an error and terminates with a non-zero status.
func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
