package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/qrave1/voicelink/internal/application/config"
	"github.com/qrave1/voicelink/internal/auth"
)

var tokenTTL time.Duration

// dev helper: пользователей и логина здесь нет, токен выпускается по JWT_SECRET
var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Issue a JWT for a user id (random id when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is empty")
		}

		userID := uuid.New()
		if len(args) == 1 {
			if userID, err = uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("parse user id: %w", err)
			}
		}

		token, err := auth.Issue([]byte(cfg.JWTSecret), userID, tokenTTL)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)

		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(tokenCmd)
}
