package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/readerkit/readsync/internal/store"
	"github.com/readerkit/readsync/internal/ui"
)

var prefsCmd = &cobra.Command{
	Use:     "prefs",
	GroupID: "reading",
	Short:   "Show or change synced reader preferences",
}

var prefsSetCmd = &cobra.Command{
	Use:   "set KEY [VALUE]",
	Short: "Set a preference; without VALUE the key is removed",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		value := ""
		if len(args) > 1 {
			value = args[1]
		}
		p, err := e.SetPreference(ctx, args[0], value)
		if err != nil {
			return err
		}
		if deferPush, _ := cmd.Flags().GetBool("defer"); !deferPush {
			e.Preferences.Flush(p)
		}
		fmt.Printf("%s %s = %q\n", ui.RenderPass("✓"), args[0], value)
		return nil
	},
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show local preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.DB.GetPreferences(ctx)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("No preferences set")
			return nil
		}
		if err != nil {
			return err
		}
		for _, k := range p.Keys() {
			fmt.Printf("%-24s %s\n", k, p.Values[k])
		}
		fmt.Println(ui.RenderMuted(fmt.Sprintf("updated %s by %s", ui.FormatTime(p.Timestamp), p.DeviceID)))
		return nil
	},
}

func init() {
	prefsSetCmd.Flags().Bool("defer", false, "leave the push to the next sync")
	prefsCmd.AddCommand(prefsSetCmd)
	prefsCmd.AddCommand(prefsShowCmd)
	rootCmd.AddCommand(prefsCmd)
}
