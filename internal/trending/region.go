package trending

import (
	"strings"

	"golang.org/x/text/language"

	apperrors "github.com/trendpipe/backend/internal/errors"
)

// DefaultRegion is used when a caller does not name one
const DefaultRegion = "US"

// ParseRegion normalizes an ISO 3166 country code. Three-letter and lower case
// forms are accepted; macro regions such as "419" are not.
func ParseRegion(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRegion, nil
	}

	region, err := language.ParseRegion(s)
	if err != nil || !region.IsCountry() {
		return "", apperrors.ValidationError("invalid region: " + s)
	}
	return region.Canonicalize().String(), nil
}
