// cmd/licensectl/token.go
package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/utils"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issues a signed access token for a user, for development and support.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		userIDStr, _ := cmd.Flags().GetString("user-id")
		roleStr, _ := cmd.Flags().GetString("role")
		level, _ := cmd.Flags().GetString("level")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			return fmt.Errorf("invalid --user-id: %w", err)
		}
		role, err := models.ParseActorRole(roleStr)
		if err != nil {
			return err
		}
		if role == models.ActorRoleSystem {
			return fmt.Errorf("tokens cannot be issued for the system actor")
		}

		utils.SetJWTSecret(cfg.JWT.SecretKey)
		token, err := utils.GenerateJWT(models.Actor{ID: userID, Role: role}, level, time.Now(), ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user-id", "", "User id the token is issued for")
	tokenCmd.Flags().String("role", string(models.ActorRoleBrand), "Role: brand, creator or admin")
	tokenCmd.Flags().String("level", string(models.VerificationLevelVerified), "Verification level claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(tokenCmd)
}
