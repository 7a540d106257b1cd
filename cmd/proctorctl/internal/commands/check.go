package commands

import (
	"fmt"

	clierrors "github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/errors"
	"github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/output"
	"github.com/kube-zen/zen-proctor/pkg/alert"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/policy"
	"github.com/kube-zen/zen-proctor/pkg/types"
	"github.com/spf13/cobra"
)

// CheckResult is the verdict for one checked input
type CheckResult struct {
	Input      string `json:"input" yaml:"input"`
	Normalized string `json:"normalized,omitempty" yaml:"normalized,omitempty"`
	Verdict    string `json:"verdict" yaml:"verdict"` // blocked, allowed, clean
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Pattern    string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Category   string `json:"category,omitempty" yaml:"category,omitempty"`
	Severity   string `json:"severity" yaml:"severity"`
}

func (r CheckResult) Cells() []string {
	return []string{r.Input, output.Dash(r.Normalized), r.Verdict, output.Dash(r.Pattern), output.Dash(r.Category), r.Severity}
}

var checkHeaders = []string{"INPUT", "NORMALIZED", "VERDICT", "PATTERN", "CATEGORY", "SEVERITY"}

func NewCheckURLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-url URL...",
		Short: "Classify URLs against the blocklist",
		Long: `Normalizes each URL, matches it against the blocklist and prints the
severity an explicit visit would be reported with. Exits 2 when any URL is blocked.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args, func(list *policy.BlockList, in string) (policy.Match, SeverityKind) {
				return list.Check(in), SeverityKind{Kind: types.EventURLAccess, Explicit: true}
			}, true)
		},
	}
}

func NewCheckProcessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-process NAME...",
		Short: "Classify process names against the blocklist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args, func(list *policy.BlockList, in string) (policy.Match, SeverityKind) {
				return list.CheckProcess(in), SeverityKind{Kind: types.EventAppOpen}
			}, false)
		},
	}
}

// SeverityKind carries the event context a check is classified in
type SeverityKind struct {
	Kind     types.EventKind
	Explicit bool
}

type checkFunc func(list *policy.BlockList, input string) (policy.Match, SeverityKind)

func runCheck(cmd *cobra.Command, args []string, check checkFunc, normalize bool) error {
	opts := OptionsFromContext(cmd.Context())
	list, err := opts.loadBlocklist()
	if err != nil {
		return clierrors.NewExitError(clierrors.ExitFailure, err)
	}
	thresholds := alert.ThresholdsFrom(config.DefaultAgentConfig().Severity)

	results := make([]CheckResult, 0, len(args))
	rows := make([]output.Row, 0, len(args))
	blocked := 0
	for _, in := range args {
		m, sk := check(list, in)
		r := classify(in, m, sk, thresholds)
		if normalize {
			r.Normalized = policy.Normalize(in)
		}
		if m.Blocked {
			blocked++
		}
		results = append(results, r)
		rows = append(rows, r)
	}

	if err := opts.printer(cmd.OutOrStdout()).Print(checkHeaders, results, rows); err != nil {
		return err
	}
	if blocked > 0 {
		return clierrors.NewExitError(clierrors.ExitBlocked, fmt.Errorf("%d of %d inputs blocked", blocked, len(args)))
	}
	return nil
}

func classify(input string, m policy.Match, sk SeverityKind, t alert.Thresholds) CheckResult {
	r := CheckResult{Input: input, Verdict: "clean"}
	switch {
	case m.Blocked:
		r.Verdict = "blocked"
	case m.Allowed:
		r.Verdict = "allowed"
	}
	if m.Entry != nil {
		r.Kind = m.Entry.Kind
		r.Pattern = m.Entry.Pattern
		r.Category = m.Entry.Category
	}
	sev, _ := alert.Classify(alert.SeverityInput{
		Kind:        sk.Kind,
		Match:       m.Entry,
		ExplicitURL: sk.Explicit,
		Allowed:     m.Allowed,
	}, t)
	r.Severity = string(sev)
	return r
}
