package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/wardrobe/internal/api/middleware"
	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for a user, signed with JWT_SECRET",
	Long:  "Print a bearer token for a user, signed with JWT_SECRET. Intended for local development and smoke tests.",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (UUID) to put in the token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
	}
	userID, err := uuid.Parse(tokenUser)
	if err != nil {
		return fmt.Errorf("--user must be a UUID: %w", err)
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	token, err := mw.IssueToken(secret, userID, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
