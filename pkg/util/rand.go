package util

import (
	"crypto/rand"
	"math/big"
)

const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

// GenerateRandomString returns an unguessable string of n characters from a
// URL-safe alphabet. Used for authorization codes, state and nonce values.
func GenerateRandomString(n int) string {
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			panic("random number generation failed")
		}
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}
