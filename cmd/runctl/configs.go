package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kandev/runctl/internal/profiles"
)

func newConfigsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "configs",
		Aliases: []string{"profiles"},
		Short:   "List the configured run profiles",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			root, err := filepath.Abs(cfg.Workspace.Root)
			if err != nil {
				return err
			}
			catalog, err := profiles.NewCatalog(cfg.Profiles, root)
			if err != nil {
				return err
			}
			return printConfigs(cmd.OutOrStdout(), catalog)
		},
	}
}

func printConfigs(w io.Writer, catalog *profiles.Catalog) error {
	if catalog.Len() == 0 {
		_, err := fmt.Fprintln(w, "No profiles configured.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSINGLETON\tINCOMPATIBLE WITH\tBEFORE RUN\tCOMMAND")
	for _, s := range catalog.List() {
		var incompatible []string
		command := ""
		if p, ok := profiles.ProfileOf(s); ok {
			incompatible = p.IncompatibleWith()
			command = p.Command().Line
		}
		var steps []string
		for _, step := range s.BeforeRunSteps() {
			steps = append(steps, step.ProviderID)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n",
			s.Name, s.Singleton, orDash(strings.Join(incompatible, ",")), orDash(strings.Join(steps, ",")), command)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
