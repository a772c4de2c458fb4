package utils

import "golang.org/x/crypto/bcrypt"

// HashPassword derives a bcrypt hash of the password at the given cost. A
// cost outside bcrypt's supported range falls back to the library default so
// a misconfigured BCRYPT_COST can never weaken or break registration.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword reports whether the password matches the stored hash. The
// comparison is constant-time inside bcrypt; any parse failure of the hash
// counts as a mismatch.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
