package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/session"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsRemoveCmd())
	return cmd
}

// openManager reads the same store the server uses. Running it against a live
// server is safe for reads; removals race with active turns.
func openManager() (*session.Manager, func(), error) {
	cfg, err := config.Load(config.ResolvePath(cfgFile))
	if err != nil {
		return nil, nil, err
	}
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	b := bus.New()
	log := session.NewLog(store, b)
	locks := session.NewLocks(b)
	manager := session.NewManager(store, b, log, locks)
	cleanup := func() {
		b.Close()
		store.Close()
	}
	return manager, cleanup, nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Run: func(cmd *cobra.Command, args []string) {
			manager, cleanup, err := openManager()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			defer cleanup()

			list, err := manager.List()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSOURCE\tUPDATED")
			for _, info := range list {
				updated := time.UnixMilli(info.Time.Updated).Format("2006-01-02 15:04")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.ID, info.Title, info.Source, updated)
			}
			w.Flush()
		},
	}
}

func sessionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <session-id>",
		Short: "Delete a session and its log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			manager, cleanup, err := openManager()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			defer cleanup()

			if err := manager.Remove(args[0]); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			fmt.Println("removed", args[0])
		},
	}
}
