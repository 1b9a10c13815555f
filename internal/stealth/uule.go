package stealth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// uuleAlphabet indexes the canonical-name length into the UULE length
// character. Names longer than the alphabet fall back to 'A'.
const uuleAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// CanonicalLocation builds the canonical location name Google expects in a
// UULE parameter, e.g. "Boynton Beach,Florida,United States".
func CanonicalLocation(city, state string) string {
	parts := make([]string, 0, 3)
	if c := strings.TrimSpace(city); c != "" {
		parts = append(parts, c)
	}
	if s := strings.TrimSpace(state); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, "United States")
	return strings.Join(parts, ",")
}

// EncodeUULE encodes a canonical location name into the w+CAIQICI form used
// in the uule URL parameter. Deterministic: same input, same output.
func EncodeUULE(canonicalName string) string {
	lenChar := byte('A')
	if n := len(canonicalName); n < len(uuleAlphabet) {
		lenChar = uuleAlphabet[n]
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(canonicalName))
	return fmt.Sprintf("w+CAIQICI%c%s", lenChar, encoded)
}
