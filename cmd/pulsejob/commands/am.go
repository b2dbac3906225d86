package commands

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsejob/am"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate configuration",
	Long: `am - Show and validate pulsejob configuration.

Configuration sources (in order of precedence):
1. Environment variables (PULSEJOB_* prefix, e.g. PULSEJOB_PULSE_WORKERS)
2. Project config (nearest ./am.toml walking up)
3. CLI overlay (~/.pulsejob/am_from_cli.toml)
4. User config (~/.pulsejob/am.toml)
5. System config (/etc/pulsejob/am.toml)
6. Default values

Examples:
  pulsejob am show                # Show current configuration
  pulsejob am show --format json  # Show configuration as JSON
  pulsejob am show --sources      # Show where each value came from
  pulsejob am validate            # Validate current configuration
  pulsejob am where               # List configuration files`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		reports, err := am.Lint()
		if err != nil {
			return err
		}
		for _, r := range reports {
			for _, key := range r.Unknown {
				pterm.Warning.Printf("%s: unknown key %s\n", r.Source.Path, key)
			}
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE: func(cmd *cobra.Command, args []string) error {
		data := pterm.TableData{{"Source", "Path", "Status"}}
		for _, src := range am.ConfigPaths() {
			status := "missing"
			if _, err := os.Stat(src.Path); err == nil {
				status = "loaded"
			}
			data = append(data, []string{string(src.Source), src.Path, status})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().Bool("sources", false, "Show the source of every setting")

	AmCmd.AddCommand(amShowCmd, amValidateCmd, amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if sources, _ := cmd.Flags().GetBool("sources"); sources {
		settings, err := am.Introspect()
		if err != nil {
			return err
		}
		data := pterm.TableData{{"Key", "Value", "Source", "From"}}
		for _, s := range settings {
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	format, _ := cmd.Flags().GetString("format")
	settings, err := am.Settings()
	if err != nil {
		return err
	}
	out, err := am.Render(settings, format)
	if err != nil {
		return err
	}
	if format == "toml" || format == "yaml" {
		fmt.Println("# pulsejob configuration")
	}
	fmt.Print(string(out))
	if format == "json" {
		fmt.Println()
	}
	return nil
}
