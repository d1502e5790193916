// Package license mints and normalizes one-time redemption codes.
package license

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const (
	// DefaultPrefix is used when an admin does not choose one
	DefaultPrefix = "GIFT"

	// MaxPrefixLength bounds the human-chosen prefix
	MaxPrefixLength = 12

	// Unambiguous alphabet: no 0/O, 1/I/L
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	groupLength  = 4
	groupCount   = 2
)

// CodePattern matches PREFIX-XXXX-XXXX codes. Redemption accepts any code
// present in storage, this pattern only rejects obvious garbage early.
var CodePattern = regexp.MustCompile(`^[A-Z0-9]{1,12}(-[A-Z0-9]{1,12}){1,4}$`)

// NormalizeCode trims and upper-cases a user-supplied code
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidCodeFormat reports whether a normalized code could exist
func ValidCodeFormat(code string) bool {
	return CodePattern.MatchString(code)
}

// NormalizePrefix trims and upper-cases a prefix, falling back to DefaultPrefix
func NormalizePrefix(raw string) string {
	p := strings.ToUpper(strings.TrimSpace(raw))
	p = strings.TrimSuffix(p, "-")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// GenerateCode returns a new PREFIX-XXXX-XXXX code using crypto/rand
func GenerateCode(prefix string) (string, error) {
	groups := make([]string, 0, groupCount+1)
	groups = append(groups, NormalizePrefix(prefix))

	for g := 0; g < groupCount; g++ {
		part, err := randomString(groupLength)
		if err != nil {
			return "", err
		}
		groups = append(groups, part)
	}

	return strings.Join(groups, "-"), nil
}

// GenerateBatch returns n codes that are unique within the batch and absent
// from seen. Every returned code is added to seen, so repeated calls with the
// same map never hand out a code twice.
func GenerateBatch(prefix string, n int, seen map[string]struct{}) ([]string, error) {
	if seen == nil {
		seen = make(map[string]struct{}, n)
	}

	codes := make([]string, 0, n)
	// Collisions are astronomically rare with 31^8 suffixes; the bound only
	// stops a broken random source from spinning forever.
	maxAttempts := n*10 + 10

	for attempts := 0; len(codes) < n; attempts++ {
		if attempts >= maxAttempts {
			return codes, fmt.Errorf("could not generate %d unique codes after %d attempts", n, attempts)
		}

		code, err := GenerateCode(prefix)
		if err != nil {
			return codes, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	return codes, nil
}

func randomString(length int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		result[i] = codeAlphabet[n.Int64()]
	}
	return string(result), nil
}
