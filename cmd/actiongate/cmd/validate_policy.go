package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/actiongate/actiongate/internal/config"
	"github.com/actiongate/actiongate/internal/domain/policy"
)

var validatePolicyPath string

var validatePolicyCmd = &cobra.Command{
	Use:   "validate-policy",
	Short: "Structurally validate a policy document",
	Long: `Parse and validate a governance policy file without starting the
runtime. Exits non-zero when the document has structural errors; warnings
are printed but do not fail the command.`,
	RunE: runValidatePolicy,
}

func init() {
	validatePolicyCmd.Flags().StringVar(&validatePolicyPath, "policy", "", "policy file (default: GOV_POLICY_PATH)")
	rootCmd.AddCommand(validatePolicyCmd)
}

func runValidatePolicy(cmd *cobra.Command, args []string) error {
	path := validatePolicyPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		path = cfg.PolicyPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	doc := &policy.Document{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	errs, warnings := policy.Validate(doc)
	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, e := range errs {
		fmt.Printf("error: %s\n", e)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %d validation error(s)", path, len(errs))
	}
	fmt.Printf("%s: ok (revision %d, %d warning(s))\n", path, doc.Revision, len(warnings))
	return nil
}
