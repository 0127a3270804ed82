package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

func newParseCKLCmd() *cobra.Command {
	var where string

	cmd := &cobra.Command{
		Use:   "parse-ckl FILE...",
		Short: "Parse STIG checklists and print their findings",
		Long: `Parse-ckl prints the findings of a checklist. Several checklists are
merged first, in order, as "stigmap merge" does.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := mergePolicy(cmd)
			if err != nil {
				return err
			}
			filter, err := stigmapping.CompileFilter(where)
			if err != nil {
				return err
			}

			c, report, err := ckl.NewParser(nil).MergeFiles(args, opts)
			if err != nil {
				return err
			}
			if len(args) > 1 {
				printMergeReport(cmd.ErrOrStderr(), report)
			}
			c, err = filter.Apply(c)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flagOutput != outputTable {
				return printStructured(out, c)
			}

			fmt.Fprintf(out, "Host:  %s\n", valueOr(c.Asset.HostName, "-"))
			fmt.Fprintf(out, "STIG:  %s\n\n", valueOr(c.STIGInfo.Title, c.STIGInfo.STIGID))
			return printFindings(out, c.Vulnerabilities)
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "Only print findings matching this expression")
	addMergePolicyFlag(cmd)
	return cmd
}

func printFindings(out io.Writer, vulns []ckl.Vulnerability) error {
	t := newTable(out, "VULN", "SEVERITY", "STATUS", "CCIS", "RULE")
	for _, v := range vulns {
		t.AddRow(v.VulnNum, valueOr(v.Severity, "-"), valueOr(v.Status, "-"),
			valueOr(strings.Join(v.CCIRefs, ","), "-"), truncate(v.RuleTitle, 60))
	}
	return t.Flush()
}

func newParseCCICmd() *cobra.Command {
	var byControl bool

	cmd := &cobra.Command{
		Use:   "parse-cci FILE",
		Short: "Parse a DISA CCI list and print its NIST references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := cci.NewParser(nil).ParseFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if byControl {
				return printControlIndex(out, cci.ControlIndex(items))
			}
			if flagOutput != outputTable {
				return printStructured(out, items)
			}

			t := newTable(out, "CCI", "CONTROLS", "TITLE")
			for _, item := range items {
				t.AddRow(item.ID, valueOr(strings.Join(item.NISTControls, ","), "-"), truncate(item.Title, 60))
			}
			if err := t.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d items\n", len(items))
			return nil
		},
	}

	cmd.Flags().BoolVar(&byControl, "by-control", false, "Group CCIs under the NIST control they map to")
	return cmd
}

func printControlIndex(out io.Writer, index map[string][]string) error {
	if flagOutput != outputTable {
		return printStructured(out, index)
	}

	t := newTable(out, "CONTROL", "CCIS")
	for _, control := range sortedKeys(index) {
		t.AddRow(control, strings.Join(index[control], ","))
	}
	if err := t.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d controls\n", len(index))
	return nil
}

func mergePolicy(cmd *cobra.Command) (*ckl.MergeOptions, error) {
	policy, _ := cmd.Flags().GetString("merge-policy")
	p := ckl.MetadataPolicy(policy)
	if !p.IsValid() {
		return nil, fmt.Errorf("unknown merge policy %q (want %s or %s)", policy,
			ckl.MetadataPolicyKeepFirst, ckl.MetadataPolicyRequireMatch)
	}
	return &ckl.MergeOptions{Policy: p}, nil
}

func addMergePolicyFlag(cmd *cobra.Command) {
	cmd.Flags().String("merge-policy", string(ckl.MetadataPolicyKeepFirst), "Metadata policy: keep_first or require_match")
}

func printMergeReport(out io.Writer, report *ckl.MergeReport) {
	fmt.Fprintf(out, "Merged %d of %d checklists, %d findings\n", report.Merged, report.Documents, report.Findings)
	for _, s := range report.Skipped {
		fmt.Fprintf(out, "  skipped %s: %s\n", s.Name, s.Error)
	}
	for _, d := range report.MetadataDrift {
		fmt.Fprintf(out, "  drift: %s\n", d)
	}
}

func newMergeCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "merge FILE...",
		Short: "Merge several checklists into one",
		Long: `Merge concatenates the findings of every checklist, in order, under the
first checklist's asset and STIG metadata. Checklists that fail to parse
after the first are skipped and reported.

The merged checklist is written as .ckl to --out, or to stdout. With
-o json or -o yaml the merged checklist and report are printed instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := mergePolicy(cmd)
			if err != nil {
				return err
			}

			merged, report, err := ckl.NewParser(nil).MergeFiles(args, opts)
			if err != nil {
				return err
			}

			if flagOutput != outputTable {
				return printStructured(cmd.OutOrStdout(), map[string]any{"checklist": merged, "report": report})
			}

			if outFile == "" {
				printMergeReport(cmd.ErrOrStderr(), report)
				return ckl.Write(cmd.OutOrStdout(), merged)
			}
			if err := ckl.WriteFile(outFile, merged); err != nil {
				return err
			}
			printMergeReport(cmd.OutOrStdout(), report)
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "O", "", "Write the merged checklist to this file")
	addMergePolicyFlag(cmd)
	return cmd
}

func newMapCmd() *cobra.Command {
	var (
		catalogFile string
		where       string
	)

	cmd := &cobra.Command{
		Use:   "map FILE...",
		Short: "Map checklist findings to NIST SP 800-53 controls",
		Long: `Map merges the given checklists, keeps the findings matching --where and
groups them by the NIST controls their CCIs reference.

Example:
  stigmap map web.ckl db.ckl --cci U_CCI_List.xml --where 'severity == "high"'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := mergePolicy(cmd)
			if err != nil {
				return err
			}
			filter, err := stigmapping.CompileFilter(where)
			if err != nil {
				return err
			}

			items, err := cci.NewParser(nil).ParseFile(catalogFile)
			if err != nil {
				return err
			}
			merged, report, err := ckl.NewParser(nil).MergeFiles(args, opts)
			if err != nil {
				return err
			}
			merged, err = filter.Apply(merged)
			if err != nil {
				return err
			}

			result := stigmapping.BuildResult(merged, items)

			out := cmd.OutOrStdout()
			if flagOutput != outputTable {
				return printStructured(out, result)
			}

			printMergeReport(cmd.ErrOrStderr(), report)
			t := newTable(out, "CONTROL", "STATUS", "RISK", "FINDINGS", "CCIS")
			for _, c := range result.MappedControls {
				t.AddRow(c.NISTControl, string(c.ComplianceStatus), string(c.RiskLevel),
					strconv.Itoa(c.FindingsCount()), truncate(strings.Join(c.CCIs, ","), 50))
			}
			if err := t.Flush(); err != nil {
				return err
			}
			printSummary(out, result.Summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogFile, "cci", "", "DISA CCI list (XML)")
	cmd.Flags().StringVar(&where, "where", "", "Only map findings matching this expression")
	_ = cmd.MarkFlagRequired("cci")
	addMergePolicyFlag(cmd)
	return cmd
}

func printSummary(out io.Writer, s stigmapping.Summary) {
	fmt.Fprintf(out, "\nControls:  %d total, %d compliant, %d non-compliant, %d not applicable, %d not reviewed\n",
		s.TotalControls, s.CompliantControls, s.NonCompliantControls, s.NotApplicableControls, s.NotReviewedControls)
	fmt.Fprintf(out, "Open:      %d high, %d medium, %d low\n",
		s.HighRiskFindings, s.MediumRiskFindings, s.LowRiskFindings)
}

func newRenderCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "render FILE",
		Short: "Render a checklist from JSON to .ckl",
		Long: `Render reads a checklist in the JSON form printed by "parse-ckl -o json"
and writes it in STIG Viewer .ckl layout. Use "-" to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			var c ckl.Checklist
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("invalid checklist JSON: %w", err)
			}

			if outFile == "" {
				return ckl.Write(cmd.OutOrStdout(), &c)
			}
			if err := ckl.WriteFile(outFile, &c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "O", "", "Write the checklist to this file")
	return cmd
}
