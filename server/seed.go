package server

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Default admin account created on first start. The password should be
// changed immediately after deployment.
const (
	adminUsername = "admin"
	adminPassword = "admin123"
	adminEmail    = "admin@example.com"
	adminRole     = "ROLE_ADMIN"
)

// Bootstrap seeds the store with the default admin record. It is
// idempotent: an existing admin account is left untouched.
func (s *Store) Bootstrap() error {
	if _, err := s.GetUserByUsername(adminUsername); err == nil {
		return nil
	} else if !errors.Is(err, errUserNotFound) {
		return fmt.Errorf("check admin account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	u, err := s.CreateUser(adminUsername, string(hash), adminEmail, adminRole)
	if err != nil {
		return fmt.Errorf("create admin account: %w", err)
	}
	log.Info().Str("user_id", u.ID).Msg("created default admin user")
	return nil
}
