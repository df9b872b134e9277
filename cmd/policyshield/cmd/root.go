// Package cmd provides the CLI commands for PolicyShield.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "policyshield",
	Short: "PolicyShield - policy firewall for AI agent tool calls",
	Long: `PolicyShield is a policy enforcement firewall for AI agent tool calls.

Agents submit each intended tool call to the check endpoint before executing
it; PolicyShield answers with ALLOW, BLOCK, REDACT (with masked arguments),
or APPROVE (pending a human decision). Rules are declarative YAML, hot-
reloaded on change, with PII detection, threat sanitization, rate limits,
session taint tracking, and a JSONL decision trace.

Quick start:
  1. Write a rules file: rules.yaml
  2. Run: policyshield start --rules rules.yaml

Configuration:
  Config is loaded from policyshield.yaml in the current directory,
  $HOME/.policyshield/, or /etc/policyshield/.

  Environment variables override config values with the POLICYSHIELD_ prefix.
  Example: POLICYSHIELD_MODE=audit

Commands:
  start       Start the enforcement server
  stop        Stop the running server
  validate    Load and compile a rules file, report errors
  hash-token  Generate an Argon2id hash for a bearer token
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policyshield.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
