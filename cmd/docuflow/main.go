// Package main provides the docuflow binary entry point.
// Docuflow runs asynchronous document workflows: uploaded files are
// extracted to text, an agent loop generates output assets, and a
// fan-out pipeline analyzes case attachments into drafted documents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/docuflow/docuflow/llm/providers"

	"github.com/docuflow/docuflow/config"
	"github.com/docuflow/docuflow/engine"
	"github.com/docuflow/docuflow/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "docuflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Asynchronous document workflow engine",
		Long: `Docuflow executes document-generation workflows as durable
background jobs over NATS JetStream.

It provides:
- Text extraction from PDF, DOCX, HTML, image, and audio uploads
- An LLM agent loop that drafts markdown assets and renders templates
- A fan-out case pipeline that analyzes attachments and drafts documents`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(workerCmd(&configPath, &logLevel))
	cmd.AddCommand(submitCmd(&configPath, &logLevel))
	cmd.AddCommand(rerunCmd(&configPath, &logLevel))
	cmd.AddCommand(reviseCmd(&configPath, &logLevel))
	cmd.AddCommand(examplesCmd(&configPath, &logLevel))
	cmd.AddCommand(caseCmd(&configPath, &logLevel))
	cmd.AddCommand(statusCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setup loads config, configures logging, and wires an App.
func setup(ctx context.Context, configPath, logLevel string) (*App, *config.Config, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		loaded, err := config.NewLoader(logger).Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := NewApp(cfg, logger)
	if err := app.Start(ctx); err != nil {
		return nil, nil, err
	}
	return app, cfg, nil
}

func workerCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, _, err := setup(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(ctx)

			signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := app.StartWorkers(signalCtx); err != nil {
				return err
			}
			slog.Info("Docuflow worker ready", "version", Version)

			<-signalCtx.Done()
			slog.Info("Received shutdown signal")
			return nil
		},
	}
}

func submitCmd(configPath, logLevel *string) *cobra.Command {
	var (
		workflowID   string
		name         string
		instructions string
	)

	cmd := &cobra.Command{
		Use:   "submit [files...]",
		Short: "Submit a workflow execution over the given files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, _, err := setup(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(ctx)

			if workflowID == "" {
				if instructions == "" {
					return fmt.Errorf("either --workflow or --instructions is required")
				}
				if name == "" {
					name = "ad-hoc"
				}
				wf := &storage.Workflow{
					ID:           storage.NewID(),
					Name:         name,
					Instructions: instructions,
				}
				if err := app.store.PutWorkflow(ctx, wf); err != nil {
					return fmt.Errorf("create workflow: %w", err)
				}
				workflowID = wf.ID
				fmt.Printf("Workflow created: %s\n", workflowID)
			}

			executionID, err := app.store.CreateExecution(ctx, &storage.Execution{
				WorkflowID: workflowID,
			})
			if err != nil {
				return fmt.Errorf("create execution: %w", err)
			}

			for _, path := range args {
				abs, err := filepath.Abs(path)
				if err != nil {
					return fmt.Errorf("resolve %s: %w", path, err)
				}
				if _, err := os.Stat(abs); err != nil {
					return fmt.Errorf("stat %s: %w", path, err)
				}
				if _, err := app.store.CreateAsset(ctx, &storage.Asset{
					ExecutionID: executionID,
					Name:        filepath.Base(abs),
					Path:        abs,
					Kind:        storage.KindFile,
					Origin:      storage.OriginUpload,
					Status:      storage.AssetPending,
				}); err != nil {
					return fmt.Errorf("register asset %s: %w", path, err)
				}
			}

			if err := app.coordinator.Submit(ctx, executionID); err != nil {
				return err
			}
			fmt.Printf("Execution submitted: %s\n", executionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Existing workflow id to run")
	cmd.Flags().StringVar(&name, "name", "", "Name for an ad-hoc workflow")
	cmd.Flags().StringVar(&instructions, "instructions", "", "Instructions for an ad-hoc workflow")
	return cmd
}

func rerunCmd(configPath, logLevel *string) *cobra.Command {
	var asCase bool

	cmd := &cobra.Command{
		Use:   "rerun <id>",
		Short: "Rerun a finished execution or case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, _, err := setup(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(ctx)

			if asCase {
				if err := app.pipeline.Rerun(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Case resubmitted: %s\n", args[0])
				return nil
			}
			if err := app.coordinator.Rerun(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Execution resubmitted: %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&asCase, "case", false, "Treat the id as a case id")
	return cmd
}

func reviseCmd(configPath, logLevel *string) *cobra.Command {
	var changes string

	cmd := &cobra.Command{
		Use:   "revise <execution-id> <asset-id>",
		Short: "Request changes to a generated asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, _, err := setup(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(ctx)

			if err := app.coordinator.RequestChanges(ctx, args[0], args[1], changes); err != nil {
				return err
			}
			fmt.Printf("Change request submitted for asset %s\n", args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&changes, "changes", "", "Description of the changes to apply")
	return cmd
}

func examplesCmd(configPath, logLevel *string) *cobra.Command {
	var descriptions []string

	cmd := &cobra.Command{
		Use:   "examples <workflow-id> [files...]",
		Short: "Attach example files to a workflow",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, _, err := setup(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(ctx)

			files := make([]engine.ExampleFile, 0, len(args)-1)
			for i, path := range args[1:] {
				abs, err := filepath.Abs(path)
				if err != nil {
					return fmt.Errorf("resolve %s: %w", path, err)
				}
				if _, err := os.Stat(abs); err != nil {
					return fmt.Errorf("stat %s: %w", path, err)
				}
				f := engine.ExampleFile{Path: abs}
				if i < len(descriptions) {
					f.Description = descriptions[i]
				}
				files = append(files, f)
			}

			if err := app.coordinator.ProcessExamples(ctx, args[0], files); err != nil {
				return err
			}
			fmt.Printf("Example processing submitted for workflow %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&descriptions, "description", nil, "Description for each file, in order")
	return cmd
}

func caseCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "case [files...]",
		Short: "Start the analysis pipeline over a set of attachments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, _, err := setup(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(ctx)

			caseID, err := app.store.CreateCase(ctx, &storage.Case{})
			if err != nil {
				return fmt.Errorf("create case: %w", err)
			}

			for _, path := range args {
				abs, err := filepath.Abs(path)
				if err != nil {
					return fmt.Errorf("resolve %s: %w", path, err)
				}
				if _, err := os.Stat(abs); err != nil {
					return fmt.Errorf("stat %s: %w", path, err)
				}
				if _, err := app.store.CreateAttachment(ctx, &storage.Attachment{
					CaseID: caseID,
					Name:   filepath.Base(abs),
					Path:   abs,
					Status: storage.AttachmentPending,
				}); err != nil {
					return fmt.Errorf("register attachment %s: %w", path, err)
				}
			}

			if err := app.pipeline.Start(ctx, caseID); err != nil {
				return err
			}
			fmt.Printf("Case submitted: %s\n", caseID)
			return nil
		},
	}
}

func statusCmd(configPath, logLevel *string) *cobra.Command {
	var showLog bool

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of an execution or case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, _, err := setup(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Shutdown(ctx)

			if e, err := app.store.GetExecution(ctx, args[0]); err == nil {
				printExecution(e, showLog)
				assets, err := app.store.ListAssetsByExecution(ctx, e.ID)
				if err == nil {
					for _, a := range assets {
						fmt.Printf("  asset %-10s %-8s %s\n", a.Origin, a.Status, a.Name)
					}
				}
				return nil
			}

			c, err := app.store.GetCase(ctx, args[0])
			if err != nil {
				return fmt.Errorf("no execution or case with id %s", args[0])
			}
			printCase(c, showLog)
			attachments, err := app.store.ListAttachmentsByCase(ctx, c.ID)
			if err == nil {
				for _, a := range attachments {
					fmt.Printf("  attachment %-8s %s\n", a.Status, a.Name)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showLog, "log", false, "Print the generation log")
	return cmd
}

func printExecution(e *storage.Execution, showLog bool) {
	fmt.Printf("Execution %s\n", e.ID)
	fmt.Printf("  workflow: %s\n", e.WorkflowID)
	fmt.Printf("  status:   %s\n", e.Status)
	if e.Summary != "" {
		fmt.Printf("  summary:  %s\n", e.Summary)
	}
	if e.StatusMessage != "" {
		fmt.Printf("  error:    %s\n", e.StatusMessage)
	}
	if showLog && e.GenerationLog != "" {
		fmt.Printf("---\n%s---\n", e.GenerationLog)
	}
}

func printCase(c *storage.Case, showLog bool) {
	fmt.Printf("Case %s\n", c.ID)
	fmt.Printf("  status: %s\n", c.Status)
	if c.Summary != "" {
		fmt.Printf("  summary: %s\n", c.Summary)
	}
	if showLog && c.GenerationLog != "" {
		fmt.Printf("---\n%s---\n", c.GenerationLog)
	}
}
