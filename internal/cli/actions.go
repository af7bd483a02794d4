package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/connection"
	"github.com/pitabwire/relay/internal/definition"
	"github.com/pitabwire/relay/internal/transport"
	"github.com/pitabwire/relay/model"
)

// NewActionsCommand creates the actions command, which lists every
// registered action and its versions.
func NewActionsCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List registered actions and versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := rootOpts.load()
			if err != nil {
				return err
			}
			app, err := NewApp(cmd.Context(), cfg, zap.NewNop(), appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()
			return writeActions(cmd.OutOrStdout(), app.Registry, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")

	return cmd
}

type actionSummary struct {
	Name        string   `json:"name"`
	Versions    []string `json:"versions"`
	Latest      string   `json:"latest"`
	Highest     string   `json:"highest"`
	Description string   `json:"description"`
}

func summarize(reg *definition.Registry) []actionSummary {
	names := reg.Names()
	out := make([]actionSummary, 0, len(names))
	for _, name := range names {
		latest, _ := reg.Latest(name)
		highest, _ := reg.HighestVersion(name)
		def, _ := reg.Get(name, latest)
		out = append(out, actionSummary{
			Name:        name,
			Versions:    reg.Versions(name),
			Latest:      latest,
			Highest:     highest,
			Description: def.Description,
		})
	}
	return out
}

func writeActions(w io.Writer, reg *definition.Registry, asJSON bool) error {
	summaries := summarize(reg)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSIONS\tLATEST\tHIGHEST\tDESCRIPTION")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, strings.Join(s.Versions, ","), s.Latest, s.Highest, s.Description)
	}
	return tw.Flush()
}

// NewCallCommand creates the call command, which runs one action
// in-process and prints the rendered reply.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		apiVersion string
		rawParams  string
	)

	cmd := &cobra.Command{
		Use:   "call <action>",
		Short: "Run an action in-process and print its response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if rawParams != "" {
				if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
					return fmt.Errorf("--params must be a JSON object: %w", err)
				}
			}

			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			app, err := NewApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			data := transport.NewCaller(app.Dispatcher).CallVersion(cmd.Context(), args[0], apiVersion, params)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(connection.ActionReply(data, "1")); err != nil {
				return err
			}
			if data.Status != model.StatusComplete {
				return fmt.Errorf("action %s finished with %s", args[0], data.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiVersion, "api-version", "", "action version (default latest)")
	cmd.Flags().StringVarP(&rawParams, "params", "p", "", "params as a JSON object")

	return cmd
}
