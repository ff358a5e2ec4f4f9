package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakPasswordScoreThreshold = 3

// IsWeakPassword reports whether the broker password scores below the
// acceptance threshold. An empty password means the broker runs without
// auth, so it is not treated as weak.
func IsWeakPassword(password string) bool {
	if password == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(password, nil)
	return result.Score < weakPasswordScoreThreshold
}
