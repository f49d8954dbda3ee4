package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/creatorbot/market-engine/internal/model"
)

// symbolRegex matches 1 to 8 upper-case letters or digits.
// Example: MEME, GG2, CREATOR1
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)

// ErrInvalidSymbol is returned for malformed ticker symbols.
var ErrInvalidSymbol = &model.ValidationError{Field: "symbol", Reason: "expected 1-8 letters or digits"}

// NormalizeSymbol trims and upper-cases s, then validates it.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return sym, nil
}
