package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/dataset-packager/internal/logger"
	"github.com/oshokin/dataset-packager/internal/service/packager"
	"github.com/oshokin/dataset-packager/internal/version"
)

var (
	// configPath to the layout settings YAML file.
	configPath string

	// logLevel sets the minimum level for console output.
	logLevel string

	// rootCmd represents the base command for packaging the dataset.
	rootCmd = &cobra.Command{
		Use:   "dataset-packager",
		Short: "Package a local image dataset for Colab training",
		Long:  "Reorganize the local dataset tree into the layout the Colab notebook expects and compress it into a single archive ready for manual upload.",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if level, ok := logger.ParseLogLevel(logLevel); ok {
				logger.SetLevel(level)
			}

			options := &packager.Options{
				ConfigPath: configPath,
			}

			// Failures are reported with remediation hints and the process
			// still exits normally: callers are expected to check the output
			// and the produced archive, not the exit code.
			if err := packager.Run(ctx, options); err != nil {
				logger.ErrorKV(ctx, "Could not prepare dataset", "error", err)
				logger.Info(ctx, "Troubleshooting:\n"+
					"- Make sure you're running this from the project root\n"+
					"- Check that dataset/images/train/ contains the expected structure\n"+
					"- Ensure you have write permissions")
			}
		},
	}
)

// Execute runs the dataset-packager CLI.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	_ = rootCmd.Execute()
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to layout settings file (optional)")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "minimum log level (debug, info, warn, error)")
}
