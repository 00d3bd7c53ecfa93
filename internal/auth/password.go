package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for admin password hashes.
const BcryptCost = 12

// HashPassword hashes a password with bcrypt; used by the hashpw tool to
// produce the ADMIN_PASSWORD_HASH value.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// VerifyPassword checks a password against its bcrypt hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
