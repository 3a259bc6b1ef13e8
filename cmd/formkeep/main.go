package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"formkeep/internal/app"
	"formkeep/internal/config"
	"formkeep/internal/fk"
	"formkeep/internal/fs"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the command being run (e.g. "ExportTable").
func newApp(ctx context.Context, operation string, args []string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(ctx, cfg, operation, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "formkeep",
	Short:        "Form submissions, secure media access and bulk exports",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating signing secret: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"], hex.EncodeToString(secret))

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Run 'formkeep db migrate' to create the database.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:   %s\n", cfg.HostID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Storage:   %s (bucket %s, %s)\n", cfg.Storage.Type, cfg.Storage.Bucket, cfg.Storage.PublicBaseURL)
		fmt.Printf("Database:  %s\n", cfg.Database.Type)
		fmt.Printf("Exports:   %s (links valid %ds)\n", cfg.Export.OutputDir, cfg.Export.LinkTTLSeconds)
		fmt.Printf("Listen:    %s\n", cfg.Server.Listen)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the submission database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		status, err := app.MigrateDatabase(cfg)
		if err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		fmt.Printf("Database at schema version %d\n", status.Version)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the database schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		status, err := app.DatabaseStatus(cfg)
		if err != nil {
			return err
		}
		state := "up to date"
		switch {
		case status.Dirty:
			state = "dirty"
		case !status.Current():
			state = "migration pending"
		}
		fmt.Printf("Version %d of %d (%s)\n", status.Version, status.Latest, state)
		return nil
	},
}

// storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect object storage",
}

var storageCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the storage backend is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ValidateStorage", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ValidateStorage(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Storage OK")
		return nil
	},
}

// form command
var formCmd = &cobra.Command{
	Use:   "form",
	Short: "Manage forms",
}

var formCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		description, _ := flags.GetString("description")
		maxFiles, _ := flags.GetInt("max-files")
		maxSize, _ := flags.GetInt("max-size-mb")
		types, _ := flags.GetStringSlice("types")
		filesRequired, _ := flags.GetBool("files-required")

		a, err := newApp(cmd.Context(), "CreateForm", args)
		if err != nil {
			return err
		}
		defer a.Close()

		form, err := a.CreateForm(cmd.Context(), app.FormSpec{
			Name:             args[0],
			Description:      description,
			MaxFileCount:     maxFiles,
			MaxFileSizeMB:    maxSize,
			AllowedFileTypes: types,
			FilesRequired:    filesRequired,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created form %s (%s)\n", form.Name, form.ID)
		return nil
	},
}

var formListCmd = &cobra.Command{
	Use:   "list",
	Short: "List forms",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListForms", args)
		if err != nil {
			return err
		}
		defer a.Close()

		forms, err := a.ListForms(cmd.Context())
		if err != nil {
			return err
		}
		if len(forms) == 0 {
			fmt.Println("No forms.")
			return nil
		}
		for _, f := range forms {
			active := "active"
			if !f.Active {
				active = "closed"
			}
			fmt.Printf("%s  %-30s  %-6s  %s\n", f.ID, f.Name, active, f.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

var formFieldsCmd = &cobra.Command{
	Use:   "fields FORM_ID",
	Short: "List the fields of a form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListFields", args)
		if err != nil {
			return err
		}
		defer a.Close()

		fields, err := a.ListFields(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, f := range fields {
			required := ""
			if f.Required {
				required = "  [required]"
			}
			fmt.Printf("%2d  %-20s  %-20s  %s%s\n", f.OrderIndex, f.Key, f.Name, f.Type, required)
		}
		return nil
	},
}

var fieldAddCmd = &cobra.Command{
	Use:   "add-field FORM_ID KEY",
	Short: "Add a field to a form",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		name, _ := flags.GetString("name")
		fieldType, _ := flags.GetString("type")
		options, _ := flags.GetStringSlice("options")
		required, _ := flags.GetBool("required")
		order, _ := flags.GetInt("order")
		if name == "" {
			name = args[1]
		}

		a, err := newApp(cmd.Context(), "AddField", args)
		if err != nil {
			return err
		}
		defer a.Close()

		field := &fk.FormField{
			FormID:     args[0],
			Name:       name,
			Key:        args[1],
			Type:       fk.FieldType(fieldType),
			Options:    options,
			Required:   required,
			OrderIndex: order,
		}
		if err := a.AddField(cmd.Context(), field); err != nil {
			return err
		}
		fmt.Printf("Added field %s to form %s\n", field.Key, field.FormID)
		return nil
	},
}

// submissions command
var submissionsCmd = &cobra.Command{
	Use:   "submissions FORM_ID",
	Short: "List the submissions of a form, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListSubmissions", args)
		if err != nil {
			return err
		}
		defer a.Close()

		subs, err := a.ListSubmissions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			fmt.Println("No submissions.")
			return nil
		}
		for _, s := range subs {
			fmt.Printf("%s  %s  %-30s  %d file(s)\n", s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.UserEmail, len(s.UploadedFiles))
		}
		return nil
	},
}

// submit command
var submitCmd = &cobra.Command{
	Use:   "submit FORM_ID [PATH...]",
	Short: "Record a submission with local files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		values, _ := cmd.Flags().GetStringToString("field")
		recursive, _ := cmd.Flags().GetBool("recursive")
		skip, _ := cmd.Flags().GetStringSlice("skip")

		collector := &fs.Collector{
			Recursive: recursive,
			Skip:      fs.NewSkipMatcher(slices.Concat(fs.DefaultSkipPatterns, skip)),
		}
		files, err := collector.Collect(args[1:])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Submit", args)
		if err != nil {
			return err
		}
		defer a.Close()

		sub, err := a.Submit(cmd.Context(), args[0], email, values, files)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded submission %s with %d file(s)\n", sub.ID, len(sub.UploadedFiles))
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export submissions",
}

var exportTableCmd = &cobra.Command{
	Use:   "table FORM_ID",
	Short: "Export all submissions of a form as CSV with download links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ExportTable", args)
		if err != nil {
			return err
		}
		defer a.Close()

		encrypt, _ := cmd.Flags().GetBool("encrypt")
		artifact, err := a.ExportTable(cmd.Context(), args[0], encrypt)
		if err != nil {
			return err
		}
		return emitArtifact(cmd, a, artifact)
	},
}

var exportArchiveCmd = &cobra.Command{
	Use:   "archive SUBMISSION_ID",
	Short: "Export the files of one submission as a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ExportArchive", args)
		if err != nil {
			return err
		}
		defer a.Close()

		encrypt, _ := cmd.Flags().GetBool("encrypt")
		artifact, err := a.ExportArchive(cmd.Context(), args[0], encrypt)
		if err != nil {
			return err
		}
		return emitArtifact(cmd, a, artifact)
	},
}

var exportOpenCmd = &cobra.Command{
	Use:   "open FILE",
	Short: "Decrypt a sealed export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "OpenExport", args)
		if err != nil {
			return err
		}
		defer a.Close()

		in, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer in.Close()

		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = strings.TrimSuffix(args[0], filepath.Ext(args[0]))
		}
		f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", out, err)
		}
		if err := a.OpenArtifact(passphrase, in, f); err != nil {
			f.Close()
			os.Remove(out)
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", out)
		return nil
	},
}

// media commands
var resolveCmd = &cobra.Command{
	Use:   "resolve REFERENCE",
	Short: "Print the canonical storage path of a stored-object reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Resolve", args)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.Resolve(args[0])
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign REFERENCE",
	Short: "Issue a time-limited access URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		a, err := newApp(cmd.Context(), "Sign", args)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.Sign(cmd.Context(), args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(u)
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview REFERENCE",
	Short: "Load media for display, converting it when needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		out, _ := cmd.Flags().GetString("out")

		a, err := newApp(cmd.Context(), "Preview", args)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, converted, err := a.Preview(cmd.Context(), args[0], name)
		if err != nil {
			return fmt.Errorf("%s: %w", snap.State, err)
		}

		fmt.Printf("File:  %s (%s)\n", snap.FileName, fk.KindOf(snap.FileName))
		if converted == nil {
			fmt.Printf("URL:   %s\n", snap.URL)
			return nil
		}
		if out == "" {
			out = strings.TrimSuffix(snap.FileName, filepath.Ext(snap.FileName)) + ".jpg"
		}
		if err := os.WriteFile(out, converted, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		fmt.Printf("Converted to JPEG: %s (%d bytes)\n", out, len(converted))
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve objects, media and exports over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Serve", args)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the export encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the age key pair used to seal exports",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "InitKeys", args)
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := a.InitKeys(cmd.Context(), passphrase); err != nil {
			return err
		}
		recipient, err := a.Recipient()
		if err != nil {
			return err
		}
		fmt.Printf("Created key pair. Public key: %s\n", recipient)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key exports are sealed to",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ShowKeys", args)
		if err != nil {
			return err
		}
		defer a.Close()

		recipient, err := a.Recipient()
		if err != nil {
			return err
		}
		fmt.Println(recipient)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "GetHistory", args)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)

	storageCmd.AddCommand(storageCheckCmd)

	// form subcommands
	formCmd.AddCommand(formCreateCmd)
	formCreateCmd.Flags().String("description", "", "Form description")
	formCreateCmd.Flags().Int("max-files", 5, "Maximum files per submission (0 for no limit)")
	formCreateCmd.Flags().Int("max-size-mb", 10, "Maximum size of each file in MB")
	formCreateCmd.Flags().StringSlice("types", nil, "Allowed content types, e.g. image/*,application/pdf")
	formCreateCmd.Flags().Bool("files-required", false, "Require at least one file")
	formCmd.AddCommand(formListCmd)
	formCmd.AddCommand(formFieldsCmd)
	formCmd.AddCommand(fieldAddCmd)
	fieldAddCmd.Flags().String("name", "", "Display name (defaults to the key)")
	fieldAddCmd.Flags().String("type", string(fk.FieldText), "Field type: text or select")
	fieldAddCmd.Flags().StringSlice("options", nil, "Allowed values for select fields")
	fieldAddCmd.Flags().Bool("required", false, "Require a value")
	fieldAddCmd.Flags().Int("order", 0, "Position among the form's fields")

	submitCmd.Flags().String("email", "", "Respondent e-mail address")
	submitCmd.Flags().StringToString("field", nil, "Field value as key=value (repeatable)")
	submitCmd.Flags().BoolP("recursive", "r", false, "Include files in subdirectories")
	submitCmd.Flags().StringSlice("skip", nil, "Extra patterns of files to leave out of directories")

	// export subcommands
	exportCmd.AddCommand(exportTableCmd)
	exportCmd.AddCommand(exportArchiveCmd)
	exportCmd.AddCommand(exportOpenCmd)
	for _, c := range []*cobra.Command{exportTableCmd, exportArchiveCmd} {
		c.Flags().Bool("encrypt", false, "Seal the export with the age public key")
		c.Flags().StringP("out", "o", "", "Output directory (defaults to export.output_dir)")
		c.Flags().Bool("stdout", false, "Write the export to standard output")
	}
	exportOpenCmd.Flags().StringP("out", "o", "", "Output file (defaults to FILE without .age)")

	signCmd.Flags().Duration("ttl", fk.DefaultDisplayTTL, "Minimum URL lifetime")
	previewCmd.Flags().String("name", "", "Display file name (defaults to the last path segment)")
	previewCmd.Flags().StringP("out", "o", "", "Where to write converted media")

	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysShowCmd)

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(formCmd)
	rootCmd.AddCommand(submissionsCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(historyCmd)
}
