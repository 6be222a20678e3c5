package main

import (
	"fmt"
	"os"

	"github.com/fgrzl/graphstore/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	backend    string
	debug      bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "graphstore",
	Short: "graphstore - key/value and graph store CLI",
	Long: `graphstore reads and writes entities through any configured backend,
and runs edge and traversal queries against the graph backend.

Configuration comes from a YAML file, GRAPHSTORE_* environment variables
and the flags below, in that order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("backend") {
			loaded.Backend = backend
		}
		if debug {
			loaded.SetDebug(true)
			loaded.Log.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		logger, err = config.NewLogger(cfg.Log.Level, cfg.Log.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "graphstore.yaml", "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVarP(&backend, "backend", "b", "", fmt.Sprintf("Backend, one of %v", config.Backends))
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	setCmd.Flags().String("type", "", "Entity type (required)")
	setCmd.Flags().String("id", "", "Entity id (default: a new UUID)")
	setCmd.Flags().String("props", "{}", "Entity properties as a JSON object")
	_ = setCmd.MarkFlagRequired("type")

	edgeAddCmd.Flags().String("props", "{}", "Edge properties as a JSON object")
	edgeCmd.AddCommand(edgeAddCmd)

	traverseCmd.Flags().Int("depth", 3, "Maximum path length")
	traverseCmd.Flags().String("direction", "outgoing", "outgoing, incoming or both")
	traverseCmd.Flags().StringSlice("types", nil, "Edge types to follow (default: all)")

	connectedCmd.Flags().Int("depth", 2, "Maximum hops")
	shortestCmd.Flags().Int("depth", 6, "Maximum path length")

	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(sizeCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(edgesCmd)
	rootCmd.AddCommand(traverseCmd)
	rootCmd.AddCommand(connectedCmd)
	rootCmd.AddCommand(shortestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
