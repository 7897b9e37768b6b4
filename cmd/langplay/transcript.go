package main

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/ashureev/langplay/internal/session"
	"github.com/ashureev/langplay/internal/store"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

func newTranscriptCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Print the saved conversation of the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			kv := store.NewScoped(env.repo, profileScope(profile))
			data, ok, err := kv.Get(ctx, session.KeyTranscript)
			if err != nil {
				return err
			}
			if !ok || data == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No saved conversation.")
				return nil
			}
			if raw {
				fmt.Fprintln(cmd.OutOrStdout(), data)
				return nil
			}

			var transcript []domain.Message
			if err := json.Unmarshal([]byte(data), &transcript); err != nil {
				return fmt.Errorf("decode transcript: %w", err)
			}
			r, err := newRenderer(glamour.WithAutoStyle())
			if err != nil {
				return err
			}
			for _, m := range transcript {
				fmt.Fprintln(cmd.OutOrStdout(), r.message(m))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "Print the stored JSON instead of rendering it")
	return cmd
}
