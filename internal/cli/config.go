package cli

import (
	"github.com/spf13/cobra"

	"rsi-trader/internal/config"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View, validate and create the trader.yaml configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  "Print the configuration after defaults and TRADER_* environment overrides are applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(app.configPath)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			out, err := cfg.Render()
			if err != nil {
				return err
			}
			if cfg.Source != "" {
				output.Dim("# %s", cfg.Source)
			} else {
				output.Dim("# defaults (no config file found)")
			}
			output.Raw(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := config.Load(app.configPath)
			if err != nil {
				if output.IsJSON() {
					output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
				} else {
					output.Error("✗ Configuration validation failed: %v", err)
				}
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"valid": true, "source": cfg.Source})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	var force bool
	var dir string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			path, err := config.WriteTemplate(dir, force)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Success("✓ Wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	initCmd.Flags().StringVar(&dir, "dir", "", "target directory (default: config directory)")
	cmd.AddCommand(initCmd)

	return cmd
}
