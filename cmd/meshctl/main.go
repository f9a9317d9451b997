// Command meshctl talks to the assistant from a terminal. It builds the same
// components as the Lambda function from the same configuration.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mesh-assistant/internal/app"
	"mesh-assistant/internal/brain"
	"mesh-assistant/internal/config"
)

const cliChannel = "cli"

type options struct {
	configFile string
	verbose    bool
	asJSON     bool
	userID     string
	channel    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "meshctl",
		Short: "Talk to the Mesh assistant from the terminal",
		Long: `meshctl builds the assistant from configuration and runs it in-process.

Configuration is read from --config (YAML) and MESH_* environment variables,
e.g. MESH_PRIMARY_TYPE=static for a fully offline session.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr at debug level")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print full JSON results")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "local", "user ID")
	root.PersistentFlags().StringVar(&opts.channel, "channel", cliChannel, "channel recorded on turns")

	root.AddCommand(askCmd(opts), chatCmd(opts), statsCmd(opts), insightsCmd(opts), knowledgeCmd(opts))
	return root
}

func build(ctx context.Context, opts *options, errOut io.Writer) (*app.App, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	level := zerolog.WarnLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: errOut}).Level(level).With().Timestamp().Logger()
	return app.New(ctx, cfg, log)
}

func askCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			res := a.Brain.Think(cmd.Context(), opts.userID, strings.Join(args, " "), opts.channel)
			return printResult(cmd.OutOrStdout(), opts, res)
		},
	}
}

func chatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive session; one message per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				msg := strings.TrimSpace(sc.Text())
				switch msg {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				}
				res := a.Brain.Think(cmd.Context(), opts.userID, msg, opts.channel)
				if err := printResult(out, opts, res); err != nil {
					return err
				}
				if cmd.Context().Err() != nil {
					return nil
				}
			}
			return sc.Err()
		},
	}
}

func statsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print memory, learning and provider diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a.Brain.Diagnostics())
		},
	}
}

func insightsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "insights [userId]",
		Short: "Print what the assistant has learned about a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := opts.userID
			if len(args) == 1 {
				userID = args[0]
			}
			a, err := build(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out, err := a.Brain.GetUserInsights(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func knowledgeCmd(opts *options) *cobra.Command {
	kc := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage reference documents",
	}
	var name string
	add := &cobra.Command{
		Use:   "add <file>",
		Short: "Upload a UTF-8 text document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			a, err := knowledgeApp(cmd, opts)
			if err != nil {
				return err
			}
			key, err := a.Knowledge.Add(cmd.Context(), name, body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "document name (default: file base name)")

	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the documents retrieved for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := knowledgeApp(cmd, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a.Knowledge.Retrieve(cmd.Context(), strings.Join(args, " "), limit))
		},
	}
	search.Flags().IntVar(&limit, "limit", 3, "maximum documents")

	kc.AddCommand(add, search)
	return kc
}

func knowledgeApp(cmd *cobra.Command, opts *options) (*app.App, error) {
	a, err := build(cmd.Context(), opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if a.Knowledge == nil {
		return nil, errors.New("knowledge is disabled: set knowledge.enabled and cold.bucket")
	}
	return a, nil
}

func printResult(w io.Writer, opts *options, res brain.Result) error {
	if opts.asJSON {
		return printJSON(w, res)
	}
	_, err := fmt.Fprintf(w, "%s\n[%s/%s confidence %.2f]\n", res.Response, res.Metadata.ProviderUsed, res.Metadata.Provider, res.Metadata.Confidence)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
