package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/readerkit/readsync/internal/store"
	"github.com/readerkit/readsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push everything waiting in the outbox",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Printf("%s Pushing outbox...\n", ui.RenderAccent("🔄"))
		start := time.Now()
		res, err := e.Sync(ctx)
		if err != nil {
			return err
		}
		mark := ui.RenderPass("✓")
		if res.Failed > 0 {
			mark = ui.RenderWarn("⚠")
		}
		fmt.Printf("%s Sync complete in %v\n", mark, time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed: %d\n", res.Pushed)
		fmt.Printf("   Conflicts: %d\n", res.Conflicts)
		fmt.Printf("   Failed: %d\n", res.Failed)
		fmt.Printf("   Dropped: %d\n", res.Dropped)
		return nil
	},
}

var fullSyncCmd = &cobra.Command{
	Use:     "fullsync",
	GroupID: "sync",
	Short:   "Pull all annotations and preferences and merge them",
	Long: `Fetch every highlight, bookmark and the preferences from the remote and
merge them into the local store. A remote record replaces the local one only
when it is strictly newer; nothing is ever deleted by a full sync.

Annotations of books that are not registered locally are skipped; register
them with 'readsync book add'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Printf("%s Reconciling with remote...\n", ui.RenderAccent("🔄"))
		start := time.Now()
		res, err := e.FullSync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Full sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Merged: %d\n", res.Merged)
		fmt.Printf("   Skipped: %d\n", res.Skipped)
		fmt.Printf("   Failed: %d\n", res.Failed)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve",
	GroupID: "sync",
	Short:   "Settle a reading position conflict",
}

var resolveUploadCmd = &cobra.Command{
	Use:   "upload BOOK",
	Short: "Make this device's position win everywhere",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		local, err := e.DB.GetPosition(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no local position for %s", args[0])
		}
		if err != nil {
			return err
		}
		p, err := e.Resolver.ForceUpload(ctx, local)
		if err != nil {
			fmt.Printf("%s Upload failed, queued for the next sync: %v\n", ui.RenderWarn("⚠"), err)
			return nil
		}
		fmt.Printf("%s Uploaded %s\n", ui.RenderPass("✓"), ui.FormatPosition(p))
		return nil
	},
}

var resolveDownloadCmd = &cobra.Command{
	Use:   "download BOOK",
	Short: "Replace this device's position with the remote one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.Resolver.ForceDownload(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s Downloaded %s\n", ui.RenderPass("✓"), ui.FormatPosition(p))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local sync state",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := e.Status(ctx)
		if err != nil {
			return err
		}
		remoteURL := cfg.Remote.URL
		if remoteURL == "" {
			remoteURL = "memory"
		}
		fmt.Printf("\n%s\n", ui.RenderHeader("readsync status"))
		fmt.Printf("   Device: %s\n", st.DeviceID)
		fmt.Printf("   Database: %s\n", e.DB.Path())
		fmt.Printf("   Remote: %s\n", remoteURL)
		fmt.Printf("   Books: %d  Positions: %d  Highlights: %d  Bookmarks: %d\n",
			st.Books, st.Positions, st.Highlights, st.Bookmarks)

		if st.OutboxDepth == 0 {
			fmt.Printf("   Outbox: %s\n\n", ui.RenderPass("empty"))
			return nil
		}
		fmt.Printf("   Outbox: %s\n", ui.RenderWarn(fmt.Sprintf("%d pending", st.OutboxDepth)))
		for _, a := range st.Pending {
			line := fmt.Sprintf("     %-10s %-40s %s", a.Type, a.Key, ui.FormatTime(a.Timestamp))
			if a.RetryCount > 0 {
				line += ui.RenderFail(fmt.Sprintf("  retries=%d %s", a.RetryCount, a.LastError))
			}
			fmt.Println(line)
		}
		fmt.Println()
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "sync",
	Short:   "Show the diagnostic sync event log",
	Long: `Show recorded sync events: failed pushes, conflicts, resolutions,
listener errors and full-sync runs.

--since accepts natural language ("yesterday", "last monday 9am"), a
duration ("90m") or an RFC 3339 timestamp.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sinceArg, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		typ, _ := cmd.Flags().GetString("type")

		since, err := parseSince(sinceArg, time.Now())
		if err != nil {
			return err
		}

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		events, err := e.DB.ListEvents(ctx, since, limit)
		if err != nil {
			return err
		}
		shown := 0
		for _, ev := range events {
			if typ != "" && ev.EventType != typ {
				continue
			}
			shown++
			fmt.Printf("%s  %-18s %-10s %s\n",
				ui.RenderMuted(ev.Timestamp.Local().Format("2006-01-02 15:04:05")),
				renderEventType(ev.EventType), ev.Source, ev.Message)
			if ev.Details != "" {
				fmt.Printf("    %s\n", ui.RenderMuted(ev.Details))
			}
		}
		if shown == 0 {
			fmt.Println("No events")
		}
		return nil
	},
}

func renderEventType(t string) string {
	switch {
	case strings.HasSuffix(t, "failed"), strings.HasSuffix(t, "error"):
		return ui.RenderFail(t)
	case strings.Contains(t, "conflict"):
		return ui.RenderWarn(t)
	default:
		return ui.RenderAccent(t)
	}
}

// parseSince turns a --since value into a point in time. Empty means the
// beginning of time.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a date, duration or timestamp", s)
	}
	return r.Time, nil
}

func init() {
	logCmd.Flags().String("since", "", "only events after this time")
	logCmd.Flags().Int("limit", 100, "maximum number of events")
	logCmd.Flags().String("type", "", "only events of this type (e.g. push_failed)")

	resolveCmd.AddCommand(resolveUploadCmd)
	resolveCmd.AddCommand(resolveDownloadCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(fullSyncCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
}
