package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/internal/waf"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the pattern rule table",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Load and compile a rules file",
	Long: `Load a rules file, check its structure and compile every enabled
pattern. Without a file argument the configured rules_file is used, or the
built-in table when none is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRulesValidate,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := setup()
		if err != nil {
			return err
		}
		path = cfg.Defense.RulesFile
	}

	rules, err := config.LoadRules(path)
	if err != nil {
		return err
	}
	m, err := waf.New(rules, waf.Options{})
	if err != nil {
		return fmt.Errorf("failed to compile rules: %w", err)
	}

	source := path
	if source == "" {
		source = "built-in"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d rules in %d enabled categories\n", source, m.RuleCount(), len(m.Categories()))
	for _, c := range m.Categories() {
		fmt.Fprintf(out, "  - %s\n", c)
	}
	return nil
}
