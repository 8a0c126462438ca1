package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ibis-coordination/harmonic-automation/internal/rule"
)

var (
	validateFile  string
	validateAgent string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a rule YAML file",
	Long:  "Parses the rule document and reports every schema and semantic error at once",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		if validateFile == "" && len(args) > 0 {
			validateFile = args[0]
		}
		if validateFile == "" {
			return fmt.Errorf("no rule file given; use --file or pass a path")
		}

		raw, err := os.ReadFile(validateFile)
		if err != nil {
			return fmt.Errorf("reading %s: %w", validateFile, err)
		}

		def, err := rule.Parse(string(raw), validateAgent)
		if err != nil {
			var defErrs rule.DefinitionErrors
			if errors.As(err, &defErrs) {
				fmt.Fprintf(os.Stderr, "✗ %s is invalid:\n", validateFile)
				for _, fe := range defErrs {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", fe.Path, fe.Message)
				}
				return fmt.Errorf("%d validation error(s)", len(defErrs))
			}
			log.Error().Err(err).Str("file", validateFile).Msg("rule_validation_failed")
			return err
		}

		fmt.Printf("✓ %s is valid (%s rule %q)\n", validateFile, def.TriggerType, def.Name)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "rule YAML file to validate")
	validateCmd.Flags().StringVar(&validateAgent, "agent", "", "validate as an agent-directed rule for this agent id")
	rootCmd.AddCommand(validateCmd)
}
