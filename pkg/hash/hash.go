// Package hash wraps bcrypt password hashing so stores never touch the
// crypto primitive directly.
package hash

import (
	"github.com/monstermq/core/pkg/er"
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is used when callers don't have an opinion on bcrypt cost.
const DefaultCost = bcrypt.DefaultCost

func HashPasswd(passwd string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passwd), cost)
	if err != nil {
		return "", er.New("Hash", er.KindStoragePermanent, er.ErrHashFailed)
	}

	return string(hash), nil
}

// VerifyPasswd reports whether passwd matches the bcrypt hash.
func VerifyPasswd(hash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(passwd))
	return err == nil
}
