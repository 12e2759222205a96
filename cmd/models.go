package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KaramelBytes/chatstream/internal/registry"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the model registry",
	Example: `  chatstream models list
  chatstream models add --name Local --provider compatible --base-url http://127.0.0.1:11434/v1 --model llama3.1
  chatstream models update <id> --api-key sk-...
  chatstream models select DeepSeek
  chatstream models remove <id>`,
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured models",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, closeReg, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeReg()

		sel, _ := reg.Selected()
		out := cmd.OutOrStdout()
		for _, m := range reg.List() {
			marker := " "
			if m.ID == sel.ID {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s  %s  [%s]", marker, m.ID, m.Name, m.Provider)
			if name := m.ModelOrDefault(); name != "" {
				fmt.Fprintf(out, " model=%s", name)
			}
			if m.BaseURL != "" {
				fmt.Fprintf(out, " base_url=%s", m.BaseURL)
			}
			fmt.Fprintf(out, " api_key=%s", mask(m.APIKey))
			if err := m.Validate(); err != nil {
				fmt.Fprintf(out, "  ⚠ %v", err)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var (
	modelName     string
	modelProvider string
	modelBaseURL  string
	modelModel    string
	modelAPIKey   string
)

var modelsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a model endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(modelName) == "" {
			return fmt.Errorf("--name is required")
		}
		kind, err := registry.ParseProviderKind(modelProvider)
		if err != nil {
			return err
		}
		m := registry.ModelConfig{
			Name:     modelName,
			APIKey:   modelAPIKey,
			Provider: kind,
			BaseURL:  modelBaseURL,
			Model:    modelModel,
		}
		if err := m.Validate(); err != nil {
			return err
		}
		reg, closeReg, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeReg()

		added := reg.Add(m)
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Added %s (%s)\n", added.Name, added.ID)
		return nil
	},
}

var modelsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of a model endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, closeReg, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeReg()

		m, err := resolveModel(reg, args[0])
		if err != nil {
			return err
		}
		changed := false
		cmd.Flags().Visit(func(fl *pflag.Flag) {
			changed = true
			switch fl.Name {
			case "name":
				m.Name = modelName
			case "base-url":
				m.BaseURL = modelBaseURL
			case "model":
				m.Model = modelModel
			case "api-key":
				m.APIKey = modelAPIKey
			case "provider":
				if kind, perr := registry.ParseProviderKind(modelProvider); perr == nil {
					m.Provider = kind
				} else {
					err = perr
				}
			}
		})
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("nothing to update (pass --name, --base-url, --model or --api-key)")
		}
		if err := reg.Update(m); err != nil {
			if errors.Is(err, registry.ErrProviderImmutable) {
				return fmt.Errorf("%w: 'chatstream models remove %s' then add it again", err, m.ID)
			}
			return err
		}
		if verr := m.Validate(); verr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "⚠ Warning: %v\n", verr)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Updated %s (%s)\n", m.Name, m.ID)
		return nil
	},
}

var modelsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a model endpoint (the last one cannot be removed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, closeReg, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeReg()

		m, err := resolveModel(reg, args[0])
		if err != nil {
			return err
		}
		if !reg.Remove(m.ID) {
			return fmt.Errorf("cannot remove %s: at least one model must remain", m.Name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %s (%s)\n", m.Name, m.ID)
		return nil
	},
}

var modelsSelectCmd = &cobra.Command{
	Use:   "select <id-or-name>",
	Short: "Choose the model used when --model is not given",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, closeReg, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeReg()

		m, err := resolveModel(reg, args[0])
		if err != nil {
			return err
		}
		reg.Select(m.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Selected %s (%s)\n", m.Name, m.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsAddCmd)
	modelsCmd.AddCommand(modelsUpdateCmd)
	modelsCmd.AddCommand(modelsRemoveCmd)
	modelsCmd.AddCommand(modelsSelectCmd)

	for _, c := range []*cobra.Command{modelsAddCmd, modelsUpdateCmd} {
		c.Flags().StringVar(&modelName, "name", "", "display name")
		c.Flags().StringVar(&modelProvider, "provider", "compatible", "provider kind: native or compatible")
		c.Flags().StringVar(&modelBaseURL, "base-url", "", "API root for compatible endpoints (e.g. https://api.deepseek.com/v1)")
		c.Flags().StringVar(&modelModel, "model", "", "upstream model identifier")
		c.Flags().StringVar(&modelAPIKey, "api-key", "", "API key sent as a bearer token")
	}
}
