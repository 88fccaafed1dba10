package cli

import (
	"github.com/spf13/cobra"
)

// SyncCmd runs one metadata sync pass.
func SyncCmd() *cobra.Command {
	var quick bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one metadata sync pass",
		Long: `Import the call log, refresh remote configuration, pull server changes
and push pending calls and persons. --quick skips the call log import.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			defer log.Sync()

			res, err := a.Syncer().RunSyncPass(cmd.Context(), quick)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&quick, "quick", false, "skip the call log import")
	return cmd
}

// UploadCmd runs one recording upload pass.
func UploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload pending recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			defer log.Sync()

			res, err := a.Uploader().RunUploadPass(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

// RematchCmd reattaches recordings on disk to calls.
func RematchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rematch",
		Short: "Match recordings on disk to calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			defer log.Sync()

			res, err := a.Matcher().RematchAll(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

// ImportCmd copies new call log entries into the local store.
func ImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import new call log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			defer log.Sync()

			if !a.Importer().Available() {
				return errCallLogUnavailable
			}
			n, err := a.Importer().ImportFromSystemLog(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Imported %d calls\n", n)
			return nil
		},
	}
}
