package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Remote commands operate on the mappings of the selected system (--system).

func newGetCmd() *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "List resources",
	}

	mappingsCmd := &cobra.Command{
		Use:     "mappings",
		Aliases: []string{"mapping", "m"},
		Short:   "List saved STIG mappings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			params := url.Values{}
			if v, _ := cmd.Flags().GetInt("page"); v > 0 {
				params.Set("page", strconv.Itoa(v))
			}
			if v, _ := cmd.Flags().GetInt("per-page"); v > 0 {
				params.Set("per_page", strconv.Itoa(v))
			}
			if v, _ := cmd.Flags().GetString("sort"); v != "" {
				params.Set("sort", v)
			}

			path := mappingsPath()
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp MappingListResponse
			if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flagOutput != outputTable {
				return printStructured(out, resp)
			}

			t := newTable(out, "ID", "NAME", "HOST", "FINDINGS", "CONTROLS", "NON-COMPLIANT", "CREATED")
			for _, m := range resp.Data {
				t.AddRow(
					m.ID,
					truncate(m.Name, 40),
					valueOr(m.AssetInfo.HostName, "-"),
					strconv.Itoa(m.TotalVulnerabilities),
					strconv.Itoa(m.Summary.TotalControls),
					strconv.Itoa(m.Summary.NonCompliantControls),
					shortTime(m.CreatedAt),
				)
			}
			if err := t.Flush(); err != nil {
				return err
			}
			printPagination(out, resp.Total, resp.Page, resp.PerPage, resp.TotalPages)
			return nil
		},
	}
	mappingsCmd.Flags().Int("page", 1, "Page number")
	mappingsCmd.Flags().Int("per-page", 20, "Items per page")
	mappingsCmd.Flags().String("sort", "", "Sort fields, e.g. -created_at,name")

	getCmd.AddCommand(mappingsCmd)
	return getCmd
}

func newDescribeCmd() *cobra.Command {
	describeCmd := &cobra.Command{
		Use:   "describe",
		Short: "Show details of a resource",
	}

	mappingCmd := &cobra.Command{
		Use:     "mapping ID",
		Aliases: []string{"mappings", "m"},
		Short:   "Show a saved STIG mapping and its controls",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			var m MappingResponse
			if err := client.GetJSON(cmd.Context(), mappingsPath("/", url.PathEscape(args[0])), &m); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flagOutput != outputTable {
				return printStructured(out, m)
			}
			printMapping(out, &m)
			return nil
		},
	}

	describeCmd.AddCommand(mappingCmd)
	return describeCmd
}

func printMapping(out io.Writer, m *MappingResponse) {
	fmt.Fprintf(out, "ID:           %s\n", m.ID)
	fmt.Fprintf(out, "System:       %s\n", m.SystemID)
	fmt.Fprintf(out, "Name:         %s\n", m.Name)
	fmt.Fprintf(out, "Description:  %s\n", ptrStr(m.Description))
	fmt.Fprintf(out, "Host:         %s\n", valueOr(m.AssetInfo.HostName, "-"))
	fmt.Fprintf(out, "STIG:         %s\n", valueOr(m.STIGInfo.Title, m.STIGInfo.STIGID))
	fmt.Fprintf(out, "Findings:     %d\n", m.TotalVulnerabilities)
	fmt.Fprintf(out, "Created:      %s\n", shortTime(m.CreatedAt))
	fmt.Fprintf(out, "Updated:      %s\n", shortTime(m.UpdatedAt))
	printSummary(out, m.Summary)

	if len(m.MappedControls) == 0 {
		return
	}
	fmt.Fprintln(out)
	t := newTable(out, "CONTROL", "STATUS", "RISK", "FINDINGS", "CCIS")
	for _, c := range m.MappedControls {
		t.AddRow(c.NISTControl, string(c.ComplianceStatus), string(c.RiskLevel),
			strconv.Itoa(c.FindingsCount), truncate(strings.Join(c.CCIs, ","), 50))
	}
	_ = t.Flush()
}

func newUploadCmd() *cobra.Command {
	var (
		catalogFile string
		name        string
		description string
		policy      string
	)

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload checklists and a CCI list and save the mapping",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			files := make([]FilePart, 0, len(args)+1)
			for _, path := range args {
				files = append(files, FilePart{Field: "checklist", Path: path})
			}
			files = append(files, FilePart{Field: "cci", Path: catalogFile})

			var resp UploadResponse
			err = client.Upload(cmd.Context(), mappingsPath("/upload"), map[string]string{
				"name":         name,
				"description":  description,
				"merge_policy": policy,
			}, files, &resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flagOutput != outputTable {
				return printStructured(out, resp)
			}
			if resp.Report != nil {
				printMergeReport(out, resp.Report)
			}
			fmt.Fprintf(out, "Mapping %s created.\n", resp.Mapping.ID)
			printSummary(out, resp.Mapping.Summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogFile, "cci", "", "DISA CCI list (XML)")
	cmd.Flags().StringVar(&name, "name", "", "Mapping name")
	cmd.Flags().StringVar(&description, "description", "", "Mapping description")
	cmd.Flags().StringVar(&policy, "merge-policy", "", "Metadata policy: keep_first or require_match")
	_ = cmd.MarkFlagRequired("cci")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Update a resource",
	}

	mappingCmd := &cobra.Command{
		Use:     "mapping ID",
		Aliases: []string{"m"},
		Short:   "Rename a saved STIG mapping",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("name") {
				v, _ := cmd.Flags().GetString("name")
				body["name"] = v
			}
			if cmd.Flags().Changed("description") {
				v, _ := cmd.Flags().GetString("description")
				body["description"] = v
			}
			if len(body) == 0 {
				return errors.New("nothing to update: pass --name or --description")
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			var m MappingResponse
			if err := client.Patch(cmd.Context(), mappingsPath("/", url.PathEscape(args[0])), body, &m); err != nil {
				return err
			}

			if flagOutput != outputTable {
				return printStructured(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mapping %s updated.\n", m.ID)
			return nil
		},
	}
	mappingCmd.Flags().String("name", "", "New name")
	mappingCmd.Flags().String("description", "", "New description")

	updateCmd.AddCommand(mappingCmd)
	return updateCmd
}

func newDeleteCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [ID]",
		Short: "Delete a saved mapping, or every mapping of the system with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass either a mapping ID or --all")
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if all {
				var resp struct {
					Deleted int64 `json:"deleted"`
				}
				if err := client.Delete(cmd.Context(), mappingsPath(), &resp); err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %d mappings from system %q.\n", resp.Deleted, conn.system)
				return nil
			}

			if err := client.Delete(cmd.Context(), mappingsPath("/", url.PathEscape(args[0])), nil); err != nil {
				return err
			}
			fmt.Fprintf(out, "Mapping %s deleted.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Delete every mapping of the system")
	return cmd
}

func newExportCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every mapping of the system as a JSON bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			data, err := client.Get(cmd.Context(), mappingsPath("/export"))
			if err != nil {
				return err
			}
			return writeOutput(cmd, outFile, data)
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "O", "", "Write the bundle to this file")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore FILE",
		Short: "Restore mappings from an exported JSON bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return fmt.Errorf("%s is not valid JSON", args[0])
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			var resp struct {
				Imported int `json:"imported"`
			}
			if err := client.PostJSON(cmd.Context(), mappingsPath("/restore"), json.RawMessage(data), &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d mappings into system %q.\n", resp.Imported, conn.system)
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	var (
		name        string
		description string
		dir         string
		catalogKey  string
		policy      string
		where       string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Queue a mapping of checklists held in the server's document source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			var resp struct {
				TaskID string `json:"task_id" yaml:"task_id"`
				Status string `json:"status" yaml:"status"`
			}
			err = client.PostJSON(cmd.Context(), mappingsPath("/import"), map[string]string{
				"name":         name,
				"description":  description,
				"dir":          dir,
				"catalog_key":  catalogKey,
				"merge_policy": policy,
				"where":        where,
			}, &resp)
			if err != nil {
				return err
			}

			if flagOutput != outputTable {
				return printStructured(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Import %s %s.\n", resp.TaskID, resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Mapping name")
	cmd.Flags().StringVar(&description, "description", "", "Mapping description")
	cmd.Flags().StringVar(&dir, "dir", "", "Source directory holding the checklists")
	cmd.Flags().StringVar(&catalogKey, "catalog-key", "", "Source key of the CCI list (default: server setting)")
	cmd.Flags().StringVar(&policy, "merge-policy", "", "Metadata policy: keep_first or require_match")
	cmd.Flags().StringVar(&where, "where", "", "Only map findings matching this expression")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var (
		outFile string
		where   string
	)

	cmd := &cobra.Command{
		Use:   "download ID",
		Short: "Download the checklist of a saved mapping as .ckl",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			path := mappingsPath("/", url.PathEscape(args[0]), "/checklist")
			if where != "" {
				path += "?" + url.Values{"where": {where}}.Encode()
			}

			data, err := client.Get(cmd.Context(), path)
			if err != nil {
				return err
			}
			return writeOutput(cmd, outFile, data)
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "O", "", "Write the checklist to this file")
	cmd.Flags().StringVar(&where, "where", "", "Only include findings matching this expression")
	return cmd
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
