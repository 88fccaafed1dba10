package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"callsync/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "callsync",
		Short: "Call log and recording sync engine",
		Long: `callsync imports the device call log, keeps call and person metadata in
sync with the server and uploads matching call recordings.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.ServeCmd())
	rootCmd.AddCommand(cli.SyncCmd())
	rootCmd.AddCommand(cli.UploadCmd())
	rootCmd.AddCommand(cli.RematchCmd())
	rootCmd.AddCommand(cli.ImportCmd())
	rootCmd.AddCommand(cli.StatusCmd())

	// Device setup
	rootCmd.AddCommand(cli.PairCmd())
	rootCmd.AddCommand(cli.SimCmd())
	rootCmd.AddCommand(cli.ResetCursorCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
