// Command appforge is the AppForge command line: it runs the control plane
// and offers one-shot access to the model router and catalog.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/llm"
	"github.com/appforge/appforge/internal/telemetry"
	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/server"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// ConfigLoader loads configuration (replaceable in tests).
type ConfigLoader func() (*config.Config, error)

func main() {
	cmd := newRootCmd(os.Stdout, config.Load)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(apperr.ExitCode(err))
	}
}

func newRootCmd(out io.Writer, load ConfigLoader) *cobra.Command {
	root := &cobra.Command{
		Use:           "appforge",
		Short:         "appforge - AI app generation control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperr.Wrap(apperr.ErrValidation, err, "invalid flags")
	})
	root.AddCommand(
		newServeCmd(load),
		newPromptCmd(load),
		newModelsCmd(load),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(load ConfigLoader) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Port = port
			}
			telemetry.SetupLogging(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv, err := server.NewWithConfig(ctx, cfg)
			if err != nil {
				return err
			}
			return srv.Run(ctx, 15*time.Second)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides APPFORGE_PORT)")
	return cmd
}

func newPromptCmd(load ConfigLoader) *cobra.Command {
	var (
		user, role, projectID string
		timeout               time.Duration
		asJSON                bool
	)
	cmd := &cobra.Command{
		Use:   "prompt [text...]",
		Short: "Route one prompt to the best model and print the reply",
		Args: func(_ *cobra.Command, args []string) error {
			if strings.TrimSpace(strings.Join(args, " ")) == "" {
				return apperr.New(apperr.ErrValidation, "prompt text is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			telemetry.SetupLogging(config.LogConfig{Level: "warn", Format: cfg.Log.Format})

			ctx := cmd.Context()
			srv, err := server.NewWithConfig(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Debug().Err(err).Msg("shutdown after prompt")
				}
			}()

			res, err := srv.LLM.Complete(ctx, llm.Request{
				User:      user,
				ProjectID: projectID,
				Role:      role,
				Prompt:    strings.Join(args, " "),
				Hint:      "cli",
				Timeout:   timeout,
			})
			if err != nil {
				return err
			}
			return printCompletion(cmd.OutOrStdout(), res, asJSON)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&user, "user", "u", "cli", "user charged for the call")
	f.StringVarP(&role, "role", "r", "", "agent role (inferred from the prompt when empty)")
	f.StringVar(&projectID, "project", "", "project whose memory is added to the system prompt")
	f.DurationVar(&timeout, "timeout", 0, "per-call timeout")
	f.BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func printCompletion(w io.Writer, res *models.CompletionResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(w, res.Text)
	note := ""
	if res.FallbackUsed {
		note = fmt.Sprintf(" (fallback from %s)", res.OriginalModel)
	}
	fmt.Fprintf(w, "\n-- %s%s, %d in / %d out, $%.6f\n", res.ModelID(), note, res.TokensIn, res.TokensOut, res.Cost)
	return nil
}

func newModelsCmd(load ConfigLoader) *cobra.Command {
	var (
		provider, capability string
		asJSON               bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cat := catalog.New()
			if cfg.Catalog.ModelsFile != "" {
				if _, err := cat.LoadFile(cfg.Catalog.ModelsFile); err != nil {
					return err
				}
			}

			var out []models.ModelDescriptor
			for _, m := range cat.All() {
				if provider != "" && m.Provider != provider {
					continue
				}
				if capability != "" && !m.Has(models.Capability(capability)) {
					continue
				}
				out = append(out, m)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return printModels(cmd.OutOrStdout(), out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&provider, "provider", "", "only this provider")
	f.StringVar(&capability, "capability", "", "only models with this capability")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printModels(w io.Writer, list []models.ModelDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tQUALITY\tIN/1K\tOUT/1K\tCONTEXT\tCAPABILITIES")
	for _, m := range list {
		caps := make([]string, len(m.Capabilities))
		for i, c := range m.Capabilities {
			caps[i] = string(c)
		}
		fmt.Fprintf(tw, "%s\t%d\t%.4f\t%.4f\t%d\t%s\n",
			m.ID, m.Quality, m.PricePer1KIn, m.PricePer1KOut, m.ContextWindow, strings.Join(caps, ","))
	}
	return tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "appforge %s\n", version)
			return nil
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return apperr.New(apperr.ErrValidation, "%s takes no arguments", cmd.Name())
	}
	return nil
}
