package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/readerkit/readsync/internal/config"
	"github.com/readerkit/readsync/internal/logging"
	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/transfer"
	"github.com/readerkit/readsync/internal/ui"
)

// newCLILogger builds a component logger for commands that run without an engine.
func newCLILogger(component string) *log.Logger {
	lg, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Verbose:    cfg.Log.Verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v; logging to stderr\n", err)
		lg, _ = logging.New(logging.Options{})
	}
	return lg.Logger(component)
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with every default",
	Long: `Write readsync.yaml (or readsync.toml with --format toml) into the data
directory, or to --output. An existing file is only replaced with --force.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		force, _ := cmd.Flags().GetBool("force")

		if output == "" {
			output = filepath.Join(cfg.DataDir, "readsync."+format)
		}
		if _, err := os.Stat(output); err == nil && !force {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("%s already exists (use --force to replace it)", output)
			}
			ok, err := ui.Confirm(fmt.Sprintf("Replace %s?", output))
			if err != nil || !ok {
				return err
			}
		}
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		// #nosec G304 - controlled path from CLI
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		if err := config.WriteDefaults(f, format); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), output)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if f := loader.ConfigFile(); f != "" {
			fmt.Fprintf(os.Stderr, "# from %s\n", f)
		}
		return config.Write(os.Stdout, format, config.Settings(cfg))
	},
}

var exportCmd = &cobra.Command{
	Use:     "export FILE",
	GroupID: "setup",
	Short:   "Export annotations as JSON Lines",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kind, _ := cmd.Flags().GetString("kind")
		book, _ := cmd.Flags().GetString("book")
		all, _ := cmd.Flags().GetBool("all")

		opts := transfer.ExportOptions{BookIdentifier: book, IncludeDeleted: all}
		if kind != "" {
			k, err := schema.ParseAnnotationKind(kind)
			if err != nil {
				return err
			}
			opts.Kind = k
		}

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := transfer.ExportFile(ctx, e.DB, args[0], opts)
		if err != nil {
			return err
		}
		fmt.Printf("%s Exported %d annotations to %s\n", ui.RenderPass("✓"), n, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import FILE",
	GroupID: "setup",
	Short:   "Import annotations from JSON Lines",
	Long: `Merge annotations from a file written by 'readsync export'. A line only
replaces a local annotation when it is strictly newer. Imported annotations
are not pushed; they already exist on the device that exported them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		createBooks, _ := cmd.Flags().GetBool("create-books")
		backup, _ := cmd.Flags().GetBool("backup")

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		res, backupPath, err := transfer.ImportFile(ctx, e.DB, args[0],
			transfer.ImportOptions{DryRun: dryRun, CreateBooks: createBooks}, backup)
		if err != nil {
			return err
		}
		if backupPath != "" {
			fmt.Printf("   Backup: %s\n", backupPath)
		}
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d of %d annotations\n", ui.RenderPass("✓"), verb, res.Merged, res.Read)
		fmt.Printf("   Skipped: %d\n", res.Skipped)
		if res.BooksCreated > 0 {
			fmt.Printf("   Books created: %d\n", res.BooksCreated)
		}
		for _, msg := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), msg)
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().String("format", config.FormatYAML, "yaml or toml")
	configInitCmd.Flags().StringP("output", "o", "", "file to write")
	configInitCmd.Flags().Bool("force", false, "replace an existing file")
	configShowCmd.Flags().String("format", config.FormatYAML, "yaml or toml")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	exportCmd.Flags().String("kind", "", "highlight or bookmark (default both)")
	exportCmd.Flags().String("book", "", "only this book identifier")
	exportCmd.Flags().Bool("all", false, "include deleted annotations")

	importCmd.Flags().Bool("dry-run", false, "parse and resolve without writing")
	importCmd.Flags().Bool("create-books", true, "register unknown book identifiers")
	importCmd.Flags().Bool("backup", true, "back up the database first")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
