package naming

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	hashids "github.com/speps/go-hashids/v2"
)

// Common names are derived from the time elapsed since a custom epoch to
// keep the identifier footprint low. Hashids of that duration are short,
// unique and non-sequential, which makes them suitable as unguessable
// device identifiers.
const epochYear = 2019

const saltBytes = 24

// Suffix generates the unique part of a certificate common name: a hashid
// of the nanoseconds elapsed since the epoch, computed with a fresh random
// salt so identifiers are not decodable across invocations.
func Suffix() (string, error) {
	salt, err := genSalt()
	if err != nil {
		return "", err
	}

	hd := hashids.NewData()
	hd.Salt = salt
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return "", err
	}

	elapsed := time.Since(time.Date(epochYear, time.January, 1, 0, 0, 0, 0, time.UTC))
	return h.EncodeInt64([]int64{elapsed.Nanoseconds()})
}

// CommonName composes the certificate common name from an optional prefix
// and a generated suffix. With an empty prefix the suffix stands alone.
func CommonName(prefix string) (string, error) {
	suffix, err := Suffix()
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return suffix, nil
	}
	return prefix + "-" + suffix, nil
}

func genSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
