package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/voxgate/internal/config"
)

var (
	initConfigOutput string
	initConfigForce  bool
	initConfigStdout bool
)

func init() {
	rootCmd.AddCommand(initConfigCmd)
	initConfigCmd.Flags().StringVarP(&initConfigOutput, "output", "o", "", "Where to write the config (default ~/.voxgate/config.yaml)")
	initConfigCmd.Flags().BoolVar(&initConfigForce, "force", false, "Overwrite an existing config")
	initConfigCmd.Flags().BoolVar(&initConfigStdout, "stdout", false, "Print the config instead of writing it")
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Generate a default config file",
	Long: "Writes the default configuration, with the built-in allow-lists and risk\n" +
		"settings, to ~/.voxgate/config.yaml. The access token is read from\n" +
		"$" + config.DefaultTokenEnv + " unless set in the file.",
	RunE: runInitConfig,
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	if initConfigStdout {
		fmt.Fprint(cmd.OutOrStdout(), config.DefaultYAML)
		return nil
	}

	path := initConfigOutput
	if path == "" {
		path = config.DefaultPath()
		if path == "" {
			return fmt.Errorf("cannot determine home directory; use --output")
		}
	}

	if _, err := os.Stat(path); err == nil && !initConfigForce {
		return fmt.Errorf("config already exists: %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}
