package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/readerkit/readsync/internal/engine"
	"github.com/readerkit/readsync/internal/locator"
	"github.com/readerkit/readsync/internal/remote"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/session"
	"github.com/readerkit/readsync/internal/store"
	"github.com/readerkit/readsync/internal/ui"
)

var openCmd = &cobra.Command{
	Use:     "open BOOK",
	GroupID: "reading",
	Short:   "Open a book and reconcile its reading position",
	Long: `Run the open-time handshake for a book: compare the local position with
the remote one and adopt, keep or ask.

If another device holds a newer position, you are asked which one to keep.
Without a terminal (or with --no-prompt) the conflict is left for
'readsync resolve'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		noPrompt, _ := cmd.Flags().GetBool("no-prompt")

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		s, state, err := e.OpenSession(ctx, args[0])
		if err != nil {
			return err
		}
		defer s.Close(ctx)

		c, isConflict := state.(session.Conflict)
		if !isConflict {
			fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), args[0], ui.RenderState(state))
			if p, err := e.DB.GetPosition(ctx, args[0]); err == nil {
				fmt.Printf("   %s\n", ui.FormatPosition(p))
			}
			return nil
		}

		fmt.Printf("%s %s: %s\n", ui.RenderWarn("⚠"), args[0], ui.RenderState(state))
		if noPrompt || !ui.IsTerminal(os.Stdin) {
			fmt.Printf("   Run 'readsync resolve download %s' or 'readsync resolve upload %s'\n", args[0], args[0])
			return nil
		}

		choice, err := ui.PromptConflict(c.Local, c.Remote)
		if err != nil {
			return err
		}
		switch choice {
		case ui.ResolveRemote:
			if err := s.AcceptRemote(ctx); err != nil {
				return err
			}
			fmt.Printf("%s Moved to %s\n", ui.RenderPass("✓"), ui.FormatPosition(c.Remote))
		case ui.ResolveLocal:
			if err := s.KeepLocal(ctx); err != nil {
				return err
			}
			p, err := e.Resolver.ForceUpload(ctx, c.Local)
			if err != nil {
				fmt.Printf("%s Kept local position; upload queued: %v\n", ui.RenderWarn("⚠"), err)
				return nil
			}
			fmt.Printf("%s Kept %s\n", ui.RenderPass("✓"), ui.FormatPosition(p))
		default:
			fmt.Println("   Conflict left unresolved")
		}
		return nil
	},
}

var positionCmd = &cobra.Command{
	Use:     "position BOOK [PERCENT]",
	GroupID: "reading",
	Short:   "Show or record the reading position of a book",
	Long: `Without PERCENT, show the local and remote position of BOOK.

With PERCENT (0.42 or 42%), record a new position. The position is pushed
right away unless --defer is given, in which case it waits in the outbox for
the next 'readsync sync' or the daemon.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		bookID := args[0]
		if len(args) == 1 {
			return showPosition(cmd, e, bookID)
		}

		pct, err := parsePercent(args[1])
		if err != nil {
			return err
		}
		loc, _ := cmd.Flags().GetString("locator")
		chapter, _ := cmd.Flags().GetString("chapter")
		page, _ := cmd.Flags().GetInt("page")
		deferPush, _ := cmd.Flags().GetBool("defer")

		p := schema.Position{
			BookID:     bookID,
			Locator:    locator.Compress(loc),
			Percentage: pct,
			ChapterID:  chapter,
		}
		if page > 0 {
			p.PageNumber = schema.IntPtr(page)
		}

		p, err = e.SavePosition(ctx, p)
		if errors.Is(err, session.ErrSavesBlocked) {
			return fmt.Errorf("%w; run 'readsync open %s' to resolve the conflict first", err, bookID)
		}
		if err != nil {
			return err
		}
		if !deferPush {
			e.Positions.Flush(p)
		}
		fmt.Printf("%s %s at %s\n", ui.RenderPass("✓"), bookID, ui.FormatPosition(p))
		return nil
	},
}

func showPosition(cmd *cobra.Command, e *engine.Engine, bookID string) error {
	ctx := cmd.Context()
	local, err := e.DB.GetPosition(ctx, bookID)
	switch {
	case err == nil:
		fmt.Printf("Local:  %s\n", ui.FormatPosition(local))
		if raw, derr := locator.Decompress(local.Locator); derr == nil && raw != "" {
			fmt.Printf("        %s\n", ui.RenderMuted(raw))
		}
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("Local:  " + ui.RenderMuted("none"))
	default:
		return err
	}

	remotePos, err := e.Client.FetchPosition(ctx, bookID)
	switch {
	case err == nil:
		fmt.Printf("Remote: %s\n", ui.FormatPosition(remotePos))
	case errors.Is(err, remote.ErrNotFound):
		fmt.Println("Remote: " + ui.RenderMuted("none"))
	default:
		fmt.Printf("Remote: %s\n", ui.RenderWarn(err.Error()))
	}
	return nil
}

// parsePercent accepts a fraction in [0, 1] or a percentage like "42%".
func parsePercent(s string) (float64, error) {
	s = strings.TrimSpace(s)
	scale := 1.0
	if strings.HasSuffix(s, "%") {
		s = strings.TrimSuffix(s, "%")
		scale = 100
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q", s)
	}
	v /= scale
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("percentage must be between 0 and 1 (or 0%% and 100%%), got %s", s)
	}
	return v, nil
}

var bookCmd = &cobra.Command{
	Use:     "book",
	GroupID: "reading",
	Short:   "Manage the local book identifier table",
}

var bookAddCmd = &cobra.Command{
	Use:   "add IDENTIFIER [TITLE]",
	Short: "Register a book under its cross-device identifier",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		title := ""
		if len(args) > 1 {
			title = args[1]
		}
		id, err := e.AddBook(ctx, args[0], title)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s is book #%d\n", ui.RenderPass("✓"), args[0], id)
		return nil
	},
}

var bookListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List registered books",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		books, err := e.DB.ListBooks(ctx)
		if err != nil {
			return err
		}
		if len(books) == 0 {
			fmt.Println("No books registered")
			return nil
		}
		fmt.Println(ui.RenderHeader(fmt.Sprintf("%-4s %-32s %s", "ID", "IDENTIFIER", "TITLE")))
		for _, b := range books {
			fmt.Printf("%-4d %-32s %s\n", b.ID, b.Identifier, b.Title)
		}
		return nil
	},
}

func init() {
	openCmd.Flags().Bool("no-prompt", false, "never ask interactively")

	positionCmd.Flags().String("locator", "", "raw locator from the reader")
	positionCmd.Flags().String("chapter", "", "chapter id")
	positionCmd.Flags().Int("page", 0, "page number")
	positionCmd.Flags().Bool("defer", false, "leave the push to the next sync")

	bookCmd.AddCommand(bookAddCmd)
	bookCmd.AddCommand(bookListCmd)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(positionCmd)
	rootCmd.AddCommand(bookCmd)
}
