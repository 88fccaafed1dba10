package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"callsync/internal/model"
)

var errCallLogUnavailable = errors.New("call log not readable")

// ServeCmd runs the scheduler, watcher and ops HTTP server.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with periodic jobs and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return a.Run(ctx)
		},
	}
}

// ResetCursorCmd rewinds the sync cursor so the next pass pulls everything.
func ResetCursorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cursor",
		Short: "Rewind the sync cursor to zero",
		Long:  `The next sync pass pulls every server change again. Local edits are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store().ResetSyncCursor(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Sync cursor reset")
			return nil
		},
	}
}

// PairCmd stores the organization and device ids.
func PairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <org-id> <device-id>",
		Short: "Link this device to an organization",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store().SetPairing(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			cmd.Printf("Paired with org %s as device %s\n", args[0], args[1])
			return nil
		},
	}
}

// SimCmd maps SIM slots to the device's own phone numbers.
func SimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-sims <slot=number>...",
		Short: "Record the phone number of each SIM slot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sims, err := parseSims(args)
			if err != nil {
				return err
			}
			a, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Store().SetSimNumbers(cmd.Context(), sims)
		},
	}
}

func parseSims(args []string) (map[int]string, error) {
	sims := make(map[int]string, len(args))
	for _, arg := range args {
		var slot int
		var number string
		for i := 0; i < len(arg); i++ {
			if arg[i] == '=' {
				n, err := strconv.Atoi(arg[:i])
				if err != nil {
					return nil, fmt.Errorf("bad slot in %q", arg)
				}
				slot, number = n, arg[i+1:]
				break
			}
		}
		if number == "" {
			return nil, fmt.Errorf("expected slot=number, got %q", arg)
		}
		sims[slot] = number
	}
	return sims, nil
}

// StatusCmd prints counts per status and the sync cursor.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			settings, err := a.Store().LoadSettings(ctx)
			if err != nil {
				return err
			}
			counts, err := a.Store().StatusCounts(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bold := color.New(color.Bold)
			if settings.Paired() {
				bold.Fprintf(out, "Paired: %s / %s\n", settings.OrgID, settings.DeviceID)
			} else {
				color.New(color.FgYellow).Fprintln(out, "Not paired")
			}
			fmt.Fprintf(out, "Cursor: %s\n", formatMs(settings.LastSyncMs))
			fmt.Fprintf(out, "Last import: %s\n", formatMs(settings.LastImportedMs))
			if settings.QuotaExhausted() {
				color.New(color.FgRed).Fprintln(out, "Storage quota exhausted")
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, group := range sortedKeys(counts) {
				fmt.Fprintf(w, "\n%s\t\n", group)
				for _, status := range sortedKeys(counts[group]) {
					fmt.Fprintf(w, "  %s\t%d\n", paint(status), counts[group][status])
				}
			}
			return w.Flush()
		},
	}
}

func paint(status string) string {
	switch model.RecordingStatus(status) {
	case model.RecordingFailed, model.RecordingNotFound:
		return color.RedString(status)
	case model.RecordingCompleted:
		return color.GreenString(status)
	}
	if status == string(model.MetadataSynced) {
		return color.GreenString(status)
	}
	return status
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		color.NoColor = true
	}
}
