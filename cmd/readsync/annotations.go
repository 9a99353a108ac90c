package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/readerkit/readsync/internal/locator"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/store"
	"github.com/readerkit/readsync/internal/ui"
)

// annotationCommand builds the add/rm/ls tree shared by highlights and bookmarks.
func annotationCommand(kind schema.AnnotationKind) *cobra.Command {
	parent := &cobra.Command{
		Use:     string(kind),
		GroupID: "reading",
		Short:   fmt.Sprintf("Manage %ss", kind),
	}

	add := &cobra.Command{
		Use:   "add BOOK [TEXT]",
		Short: fmt.Sprintf("Add a %s", kind),
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			loc, _ := cmd.Flags().GetString("locator")
			note, _ := cmd.Flags().GetString("note")
			style, _ := cmd.Flags().GetString("style")
			tint, _ := cmd.Flags().GetInt("tint")
			deferPush, _ := cmd.Flags().GetBool("defer")

			a := schema.Annotation{
				Kind:           kind,
				BookIdentifier: args[0],
				Locator:        locator.Compress(loc),
				Note:           note,
				Style:          style,
				Tint:           tint,
			}
			if len(args) > 1 {
				a.Text = args[1]
			}
			a, err = e.AddAnnotation(ctx, a)
			if err != nil {
				return err
			}
			if !deferPush {
				e.Annotations.Flush(a)
			}
			fmt.Printf("%s Added %s %s\n", ui.RenderPass("✓"), kind, a.CloudID)
			return nil
		},
	}
	add.Flags().String("locator", "", "raw locator from the reader")
	add.Flags().String("note", "", "note attached to the annotation")
	add.Flags().String("style", "", "display style")
	add.Flags().Int("tint", 0, "color tint")
	add.Flags().Bool("defer", false, "leave the push to the next sync")

	rm := &cobra.Command{
		Use:     "rm CLOUD_ID",
		Aliases: []string{"delete"},
		Short:   fmt.Sprintf("Delete a %s on every device", kind),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			a, err := e.DeleteAnnotation(ctx, args[0])
			if err != nil {
				return err
			}
			if a.Kind != kind {
				fmt.Printf("%s %s is a %s\n", ui.RenderWarn("⚠"), a.CloudID, a.Kind)
			}
			deferPush, _ := cmd.Flags().GetBool("defer")
			if !deferPush {
				e.Annotations.Flush(a)
			}
			fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), a.Kind, a.CloudID)
			return nil
		},
	}
	rm.Flags().Bool("defer", false, "leave the push to the next sync")

	ls := &cobra.Command{
		Use:     "ls [BOOK]",
		Aliases: []string{"list"},
		Short:   fmt.Sprintf("List %ss", kind),
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			filter := store.AnnotationFilter{Kind: kind}
			filter.IncludeDeleted, _ = cmd.Flags().GetBool("all")
			if len(args) == 1 {
				id, ok, err := e.DB.ResolveBookID(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("unknown book %s", args[0])
				}
				filter.BookID = id
			}
			list, err := e.DB.ListAnnotations(ctx, filter)
			if err != nil {
				return err
			}
			for _, a := range list {
				line := fmt.Sprintf("%s  %-20s %s", a.CloudID, a.BookIdentifier, ui.FormatTime(a.Timestamp))
				if a.Deleted {
					line = ui.RenderMuted(line + "  (deleted)")
				}
				fmt.Println(line)
				if a.Text != "" {
					fmt.Printf("    %q\n", truncate(a.Text, 72))
				}
			}
			if len(list) == 0 {
				fmt.Printf("No %ss\n", kind)
			}
			return nil
		},
	}
	ls.Flags().Bool("all", false, "include deleted entries awaiting sync")

	parent.AddCommand(add, rm, ls)
	return parent
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func init() {
	rootCmd.AddCommand(annotationCommand(schema.KindHighlight))
	rootCmd.AddCommand(annotationCommand(schema.KindBookmark))
}
