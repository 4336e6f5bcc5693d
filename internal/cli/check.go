package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/voxgate/internal/audit"
	"github.com/ppiankov/voxgate/internal/config"
	"github.com/ppiankov/voxgate/internal/policy"
)

var (
	checkFlags  commandFlags
	checkFormat string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkFlags.register(checkCmd)
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a command against policy without contacting the controller",
	Long: "Dry-run: loads the policy section of the config, evaluates the command and\n" +
		"prints the verdict. Exit code 0 if allowed, 2 if confirmation is required,\n" +
		"1 if denied. Use in CI to gate policy changes.",
	RunE: runCheck,
}

// CheckResult is the dry-run verdict printed by check.
type CheckResult struct {
	Verdict    string   `json:"verdict"`
	Reason     string   `json:"reason,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Risks      []string `json:"risks,omitempty"`
	Targets    []string `json:"targets,omitempty"`
	HighRisk   bool     `json:"high_risk,omitempty"`
	PolicyHash string   `json:"policy_hash"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	command, err := checkFlags.command()
	if err != nil {
		return err
	}

	policyCfg, err := config.LoadPolicy(resolvedConfigPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		policyCfg = policy.DefaultConfig()
	case err != nil:
		return err
	}

	engine, err := policy.NewEngine(policyCfg, audit.Discard)
	if err != nil {
		return err
	}

	verdict := engine.Evaluate(command)
	result := CheckResult{Verdict: policy.Label(verdict), PolicyHash: engine.Hash()}
	code := 0
	switch v := verdict.(type) {
	case policy.Allow:
		result.Targets = v.Targets
		result.HighRisk = v.HighRisk
	case policy.Deny:
		result.Reason = string(v.Reason)
		result.Detail = v.Detail
		code = 1
	case policy.NeedsConfirmation:
		result.Prompt = v.Prompt
		for _, r := range v.Risks {
			result.Risks = append(result.Risks, string(r))
		}
		code = 2
	}

	out := cmd.OutOrStdout()
	switch checkFormat {
	case "json":
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(out, string(data))
	default:
		fmt.Fprintf(out, "%s: %s\n", result.Verdict, command.Summary())
		if result.Reason != "" {
			fmt.Fprintf(out, "  reason: %s (%s)\n", result.Reason, result.Detail)
		}
		if result.Prompt != "" {
			fmt.Fprintf(out, "  prompt: %s\n", result.Prompt)
		}
		fmt.Fprintf(out, "  policy: %s\n", result.PolicyHash)
	}

	if code != 0 {
		return exitError{code: code}
	}
	return nil
}
