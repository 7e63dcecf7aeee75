package ride

import (
	"crypto/rand"
	"math/big"
)

// CodeGenerator issues rendezvous verification codes.
type CodeGenerator interface {
	NewCode() (string, error)
}

// NumericCodes produces fixed-length decimal codes from crypto/rand.
type NumericCodes struct {
	Length int
}

func (n NumericCodes) NewCode() (string, error) {
	length := n.Length
	if length <= 0 {
		length = 6
	}
	const digits = "0123456789"
	b := make([]byte, length)
	max := big.NewInt(int64(len(digits)))
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = digits[v.Int64()]
	}
	return string(b), nil
}
