package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/samsaffron/docpilot/internal/mcp"
	"github.com/spf13/cobra"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool server's catalog",
	Long: `Connect to the configured MCP server and list its tools in server order.

Examples:
  docpilot tools
  docpilot tools --mcp-url http://localhost:9000/sse
  docpilot tools --json`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Output the catalog as JSON")
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := mcp.NewClient(cfg.MCP, Version)
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop()

	specs, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	if toolsJSON {
		type jsonTool struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"input_schema"`
		}
		out := make([]jsonTool, len(specs))
		for i, spec := range specs {
			out[i] = jsonTool{Name: spec.Name, Description: spec.Description, InputSchema: spec.Schema}
		}
		return writeIndentedJSON(cmd.OutOrStdout(), out)
	}
	return outputToolsTable(cmd.OutOrStdout(), specs)
}

func outputToolsTable(out io.Writer, specs []mcp.ToolSpec) error {
	if len(specs) == 0 {
		fmt.Fprintln(out, "The tool server exposes no tools.")
		return nil
	}
	fmt.Fprintf(out, "%s\n\n", headerStyle().Render(fmt.Sprintf("Tools (%d)", len(specs))))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name\tArguments\tDescription\n")
	fmt.Fprintf(w, "────\t─────────\t───────────\n")
	for _, spec := range specs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", spec.Name, schemaArguments(spec.Schema), firstLine(spec.Description))
	}
	return w.Flush()
}

// schemaArguments lists the schema's properties, required ones first and
// marked with an asterisk.
func schemaArguments(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return "-"
	}
	required := make(map[string]bool)
	if list, ok := schema["required"].([]any); ok {
		for _, r := range list {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})
	for i, name := range names {
		if required[name] {
			names[i] = name + "*"
		}
	}
	return strings.Join(names, ", ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 80)
}
