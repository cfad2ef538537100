package services

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"
	claimAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength       = 8
)

func randomCode(alphabet string, n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// NewReferralCode returns an 8 character code without look-alike glyphs.
func NewReferralCode() (string, error) {
	return randomCode(referralAlphabet, codeLength)
}

// NewClaimCode returns PREFIX-XXXXXXXX using upper-case glyphs only.
func NewClaimCode(prefix string) (string, error) {
	code, err := randomCode(claimAlphabet, codeLength)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(prefix) + "-" + code, nil
}
