package provision

import (
	"regexp"
	"strings"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// maxIdentifierLen is PostgreSQL's NAMEDATALEN-1.
const maxIdentifierLen = 63

var (
	invalidChars = regexp.MustCompile(`[^a-z0-9]+`)
	underscores  = regexp.MustCompile(`_{2,}`)
)

// Sanitize reduces a subdomain to [a-z0-9_] with no leading, trailing or
// repeated underscores. Applying it twice yields the same result.
func Sanitize(subdomain string) string {
	s := strings.ToLower(subdomain)
	s = invalidChars.ReplaceAllString(s, "_")
	s = underscores.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// DatabaseName derives the physical database name for a subdomain.
func (p *Provisioner) DatabaseName(subdomain string) (string, error) {
	return databaseName(p.prefix, subdomain)
}

func databaseName(prefix, subdomain string) (string, error) {
	token := Sanitize(subdomain)
	if token == "" {
		return "", apperr.Validation("subdomain %q has no usable characters", subdomain)
	}
	name := prefix + token
	if len(name) > maxIdentifierLen {
		return "", apperr.Validation("subdomain %q is too long", subdomain)
	}
	return name, nil
}
