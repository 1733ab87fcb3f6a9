package tenant

import (
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/DukeRupert/agora/internal/domain"
)

const (
	// MinPasswordLength is the shortest owner password accepted.
	MinPasswordLength = 8

	// BcryptCost is the cost factor for owner password hashes.
	BcryptCost = 12

	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
)

// NewOwnerAccount validates the first account of a new forum and hashes its
// password. The email is lowercased.
func NewOwnerAccount(username, email, password string) (domain.OwnerAccount, error) {
	const op = "tenant.owner"

	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 30 {
		return domain.OwnerAccount{}, domain.Invalid(op, "Owner username must be between 3 and 30 characters")
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return domain.OwnerAccount{}, domain.Invalid(op, "Owner email is not valid")
	}

	if len(password) < MinPasswordLength {
		return domain.OwnerAccount{}, domain.Invalid(op, "Owner password must be at least 8 characters")
	}
	if len(password) > maxPasswordBytes {
		return domain.OwnerAccount{}, domain.Invalid(op, "Owner password must be at most 72 bytes")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return domain.OwnerAccount{}, domain.Internal(err, op, "failed to hash password")
	}

	return domain.OwnerAccount{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}, nil
}
