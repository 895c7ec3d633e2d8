package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"autoflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Offline tools for rule definitions",
}

var validateRuleCmd = &cobra.Command{
	Use:   "validate <rule.json>",
	Short: "Validate a rule definition and print it with defaults applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadRule(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(def)
	},
}

var evalRuleCmd = &cobra.Command{
	Use:   "eval <rule.json> <event.json>",
	Short: "Evaluate a rule's conditions against an event without running actions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadRule(args[0])
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		var evt services.DomainEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}

		logger := logrus.New()
		logger.SetOutput(cmd.ErrOrStderr())
		evaluator := services.NewConditionEvaluator(logger)
		tree := evt.Tree()
		out := cmd.OutOrStdout()
		for _, c := range def.Conditions {
			fmt.Fprintf(out, "%-40s %-14s %-20v actual=%v -> %t\n",
				c.Field, c.Operator, c.Value, tree.Lookup(c.Field).Interface(), evaluator.EvaluateOne(c, tree))
		}
		if evaluator.Evaluate(def.Conditions, tree) {
			fmt.Fprintf(out, "match: %d action(s) would run\n", len(def.Actions))
		} else {
			fmt.Fprintln(out, "no match")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(validateRuleCmd, evalRuleCmd)
}

func loadRule(path string) (*services.RuleDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return services.ParseRuleDefinition(raw)
}
