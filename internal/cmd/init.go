package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "codedeck.json"
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", output)
			}

			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return fmt.Errorf("generate jwt secret: %w", err)
			}

			cfg := map[string]any{
				"server": map[string]any{
					"addr":            ":8080",
					"allowed_origins": []string{"*"},
				},
				"auth": map[string]any{
					"jwt_secret": hex.EncodeToString(secret),
					"jwt_expiry": "24h",
				},
				"storage": map[string]any{
					"backend": "none",
				},
				"session": map[string]any{
					"idle_timeout":     "30m",
					"summary_interval": "30s",
					"disconnect_grace": "5m",
				},
				"evaluator": map[string]any{
					"api_key": "",
					"model":   "",
				},
				"logging": map[string]any{
					"level":  "info",
					"format": "json",
				},
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Println("wrote", output)
			fmt.Println("add teacher accounts under auth.teachers to lock the management API")
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./codedeck.json)")
	return cmd
}
