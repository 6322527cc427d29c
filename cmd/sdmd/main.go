// Sdmd is a push-triggered delivery daemon.
//
// A push, from a GitHub webhook or a watched local repository, is matched
// against declarative push rules. The matching goals are recorded and run
// in dependency order, each against a checkout of the pushed commit.
//
// Usage:
//
//	# Serve the webhook and goal API
//	sdmd serve --config sdmd.yaml
//
//	# Run a Temporal worker for job fan-out
//	sdmd worker
//
//	# Show the goals a local commit would get
//	sdmd plan --rules goals.yaml .
//
//	# Run goals for every new commit in a local repository
//	sdmd watch --rules goals.yaml .
//
//	# Follow the goals of a commit
//	sdmd status acme/widgets@4f2c9e1...
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/config"
	"github.com/fyrsmithlabs/sdmd/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	rulesPath  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sdmd",
	Short: "Push-triggered delivery daemon",
	Long: `sdmd plans goals for each push to a repository and runs them in
dependency order. Goals and the push rules that select them are declared
in a YAML rules file.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sdmd %s (commit %s, built %s)\n", version, gitCommit, buildDate))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file (environment variables apply when empty)")
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "", "goal rules file (overrides goals.rules_file)")
	rootCmd.AddCommand(serveCmd, workerCmd, planCmd, watchCmd, statusCmd)
}

// loadConfig reads --config, falling back to the environment.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadWithFile(configPath)
	} else {
		cfg = config.Load()
		err = cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if rulesPath != "" {
		cfg.Goals.RulesFile = rulesPath
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.ConfigFromApp(cfg.Observability)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.With(zap.String("version", version)), nil
}
