package cmd

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	// Global flags
	flagAPIURL  string
	flagToken   string
	flagContext string
	flagSystem  string
	flagOutput  string
	flagVerbose bool
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stigmap",
		Short: "Map STIG checklists to NIST SP 800-53 controls",
		Long: `stigmap parses STIG Viewer checklists (.ckl) and DISA CCI lists, maps
findings to NIST SP 800-53 controls and manages mappings saved on a
stigmap server.

Local commands (parse-ckl, parse-cci, merge, map, render, token) work on
files and need no server. Remote commands (status, get, describe, upload,
delete, export, restore, import, download) talk to the API.

Use "stigmap config set-context" to configure your connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			initConfig()
		},
	}

	root.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "Override API URL (env: STIGMAP_API_URL)")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "Override bearer token (env: STIGMAP_TOKEN)")
	root.PersistentFlags().StringVarP(&flagContext, "context", "c", "", "Use specific context (env: STIGMAP_CONTEXT)")
	root.PersistentFlags().StringVarP(&flagSystem, "system", "s", "", "System the mappings belong to (default from context, else \"default\")")
	root.PersistentFlags().StringVarP(&flagOutput, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	root.AddCommand(
		newVersionCmd(),
		newStatusCmd(),
		newConfigCmd(),
		newParseCKLCmd(),
		newParseCCICmd(),
		newMergeCmd(),
		newMapCmd(),
		newRenderCmd(),
		newTokenCmd(),
		newGetCmd(),
		newDescribeCmd(),
		newUploadCmd(),
		newUpdateCmd(),
		newDeleteCmd(),
		newExportCmd(),
		newRestoreCmd(),
		newImportCmd(),
		newDownloadCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

// connection is the resolved API endpoint.
type connection struct {
	apiURL string
	token  string
	system string
}

var conn connection

func initConfig() {
	conn = connection{apiURL: flagAPIURL, token: flagToken, system: flagSystem}
	if conn.apiURL == "" {
		conn.apiURL = os.Getenv("STIGMAP_API_URL")
	}
	if conn.token == "" {
		conn.token = os.Getenv("STIGMAP_TOKEN")
	}

	if ctx := currentContext(); ctx != nil {
		if conn.apiURL == "" {
			conn.apiURL = ctx.APIURL
		}
		if conn.token == "" {
			conn.token = ctx.resolveToken()
		}
		if conn.system == "" {
			conn.system = ctx.System
		}
	}
	if conn.system == "" {
		conn.system = "default"
	}
}

func currentContext() *ContextDetail {
	name := flagContext
	if name == "" {
		name = os.Getenv("STIGMAP_CONTEXT")
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil
	}
	if name == "" {
		name = cfg.CurrentContext
	}

	if ctx := cfg.GetContext(name); ctx != nil {
		return &ctx.Context
	}
	return nil
}

var errNoAPIURL = errors.New("API URL not configured. Use --api-url, STIGMAP_API_URL, or 'stigmap config set-context'")

func newClient(cmd *cobra.Command) (*Client, error) {
	if conn.apiURL == "" {
		return nil, errNoAPIURL
	}
	return NewClient(conn.apiURL, conn.token, flagVerbose, cmd.ErrOrStderr()), nil
}

// mappingsPath is the collection path of the selected system.
func mappingsPath(suffix ...string) string {
	return "/api/v1/systems/" + conn.system + "/stig-mappings" + strings.Join(suffix, "")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show CLI version",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stigmap version %s\n", version)
			fmt.Fprintf(out, "  Go:       %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Display server connection status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			var health HealthResponse
			if err := client.GetJSON(cmd.Context(), "/health", &health); err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			var ready ReadyResponse
			readyErr := client.GetJSON(cmd.Context(), "/ready", &ready)

			if flagOutput != outputTable {
				return printStructured(cmd.OutOrStdout(), map[string]any{"health": health, "ready": ready})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stigmap server\n")
			fmt.Fprintf(out, "  API URL:  %s\n", conn.apiURL)
			fmt.Fprintf(out, "  Version:  %s\n", valueOr(health.Version, "-"))
			fmt.Fprintf(out, "  Status:   %s\n", health.Status)
			if readyErr != nil {
				fmt.Fprintf(out, "  Ready:    no (%v)\n", readyErr)
				return nil
			}
			fmt.Fprintf(out, "  Ready:    %s\n", ready.Status)
			t := newTable(out, "CHECK", "STATUS", "DURATION")
			for _, name := range sortedKeys(ready.Checks) {
				c := ready.Checks[name]
				t.AddRow(name, c.Status, c.Duration)
			}
			return t.Flush()
		},
	}
}
