package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd, userCmd, providerCmd, modelCmd)
	userCmd.AddCommand(userAddCmd)
	providerCmd.AddCommand(providerAddCmd)
	modelCmd.AddCommand(modelAddCmd)

	providerAddCmd.Flags().String("user", "", "owning user id")
	providerAddCmd.Flags().String("name", "", "display name")
	providerAddCmd.Flags().String("url", "", "OpenAI-compatible base URL")
	providerAddCmd.Flags().String("key", "", "API key (optional)")
	for _, f := range []string{"user", "name", "url"} {
		_ = providerAddCmd.MarkFlagRequired(f)
	}

	modelAddCmd.Flags().String("provider", "", "provider id")
	modelAddCmd.Flags().String("model-id", "", "model identifier sent to the provider")
	modelAddCmd.Flags().String("name", "", "display name")
	modelAddCmd.Flags().Float64("input-price", 0, "price per input token unit")
	modelAddCmd.Flags().Float64("output-price", 0, "price per output token unit")
	for _, f := range []string{"provider", "model-id"} {
		_ = modelAddCmd.MarkFlagRequired(f)
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		repo, err := openRepo(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer repo.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date\n", cfg.Database.Driver)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a user and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		repo, err := openRepo(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		u, err := repo.CreateUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u.ID)
		return nil
	},
}

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage LLM providers",
}

var providerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a provider for a user and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, err := uuidFlag(cmd, "user")
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		url, _ := cmd.Flags().GetString("url")
		var key *string
		if k, _ := cmd.Flags().GetString("key"); k != "" {
			key = &k
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		repo, err := openRepo(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		p, err := repo.CreateProvider(cmd.Context(), userID, name, url, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p.ID)
		return nil
	},
}

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage provider models",
}

var modelAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a model to a provider and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		providerID, err := uuidFlag(cmd, "provider")
		if err != nil {
			return err
		}
		modelID, _ := cmd.Flags().GetString("model-id")
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = modelID
		}
		inputPrice, _ := cmd.Flags().GetFloat64("input-price")
		outputPrice, _ := cmd.Flags().GetFloat64("output-price")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		repo, err := openRepo(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		m, err := repo.CreateModel(cmd.Context(), providerID, modelID, name, inputPrice, outputPrice)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), m.ID)
		return nil
	},
}

func uuidFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", name, err)
	}
	return id, nil
}
