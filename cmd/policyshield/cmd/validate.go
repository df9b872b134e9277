package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/config"
	"github.com/policyshield/policyshield/internal/domain/rule"
)

var validateRules string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a rules file without starting the server",
	Long: `Load and compile a rules file or directory, reporting what the server
would enforce. Exits non-zero if any rule fails to parse or compile, which
makes this suitable for CI and pre-commit checks.

Examples:
  # Validate the rules path from config
  policyshield validate

  # Validate an explicit file or directory
  policyshield validate --rules ./rules.yaml
  policyshield validate --rules ./rules/`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateRules, "rules", "", "Rules file or directory (overrides shield.rules_path)")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := validateRules
	if path == "" {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Shield.RulesPath
	}
	if path == "" {
		return fmt.Errorf("no rules path: pass --rules or set shield.rules_path")
	}

	cs, err := rule.LoadPath(path)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	src := cs.Source
	taint := "disabled"
	if src.TaintChain.Enabled {
		taint = fmt.Sprintf("enabled (%d outgoing tools)", len(src.TaintChain.OutgoingTools))
	}

	fmt.Fprintf(os.Stderr, "Rules OK: %s\n", path)
	fmt.Fprintf(os.Stderr, "  Shield:       %s (version %s)\n", src.ShieldName, src.Version)
	fmt.Fprintf(os.Stderr, "  Rules:        %d\n", cs.RulesCount())
	fmt.Fprintf(os.Stderr, "  Rate limits:  %d\n", len(src.RateLimits))
	fmt.Fprintf(os.Stderr, "  PII patterns: %d custom\n", len(src.PIIPatterns))
	fmt.Fprintf(os.Stderr, "  Taint chain:  %s\n", taint)
	fmt.Fprintf(os.Stderr, "  Hash:         %s\n", src.Hash)
	return nil
}
