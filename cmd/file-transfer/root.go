package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/file-transfer/pkg/config"
	"tarun-kavipurapu/file-transfer/pkg/logger"
)

var (
	cfg        = config.Default()
	logConsole bool
)

var rootCmd = &cobra.Command{
	Use:   "file-transfer",
	Short: "Resumable file transfer over UDP",
	Long: `Moves files between a client and a server over UDP. Files are split into
content-addressed chunks, missing chunks are re-requested until the copy is
complete, and interrupted transfers resume from the chunks already stored.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		return logger.Init(logger.Options{
			Dir:     cfg.LogDir,
			Level:   cfg.LogLevel,
			Console: logConsole,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().BoolVarP(&logConsole, "verbose", "v", false, "Also log to stderr")
}

func Execute() {
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid environment:", err)
		os.Exit(2)
	}
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
