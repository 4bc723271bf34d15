package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/mailpilot/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the mailpilot configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file interactively",
	Long: `Run the setup wizard and write the result to the config file.
An existing file is only replaced with --force.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.NewLoader(cfgFile).GetConfigPath())
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and report every problem",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configInitCmd, configShowCmd, configPathCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
	}

	cfg, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run()
	if err != nil {
		return fmt.Errorf("setup wizard failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	masked := maskSecrets(cfg)
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	errs := config.NewValidator().ValidateConfig(cfg)
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	out := cmd.OutOrStdout()
	if len(errs) == 0 {
		fmt.Fprintln(out, "Configuration is valid")
		return nil
	}
	for _, e := range errs {
		fmt.Fprintf(out, "- %v\n", e)
	}
	return errors.New("configuration has problems")
}

// maskSecrets returns a copy of cfg that is safe to print.
func maskSecrets(cfg *config.Config) *config.Config {
	masked := *cfg
	masked.Backend.Profiles = make([]config.ProviderProfile, len(cfg.Backend.Profiles))
	for i, p := range cfg.Backend.Profiles {
		p.APIKey = maskValue(p.APIKey)
		masked.Backend.Profiles[i] = p
	}
	masked.Gateway.SharedSecret = maskValue(cfg.Gateway.SharedSecret)
	return &masked
}

func maskValue(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "****" + v[len(v)-4:]
}
