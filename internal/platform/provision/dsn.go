package provision

import (
	"fmt"
	"net/url"
	"strings"
)

// DatabasePlaceholder is replaced by the database name in DSN templates.
const DatabasePlaceholder = "{database}"

// DSNBuilder turns a database locator into a connection string. Locators never
// carry credentials; those come from configuration at connect time.
type DSNBuilder struct {
	template string
	base     *url.URL
}

// NewDSNBuilder uses template when it is set, otherwise the admin URL with its
// path swapped for the target database.
func NewDSNBuilder(template, adminURL string) (*DSNBuilder, error) {
	if template != "" {
		if !strings.Contains(template, DatabasePlaceholder) {
			return nil, fmt.Errorf("tenant DSN template must contain %s", DatabasePlaceholder)
		}
		return &DSNBuilder{template: template}, nil
	}

	u, err := url.Parse(adminURL)
	if err != nil {
		return nil, fmt.Errorf("parse admin database url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("admin database url must be a postgres:// URL when no tenant template is set")
	}
	return &DSNBuilder{base: u}, nil
}

func (b *DSNBuilder) For(locator string) string {
	if b.template != "" {
		return strings.ReplaceAll(b.template, DatabasePlaceholder, url.PathEscape(locator))
	}
	u := *b.base
	u.Path = "/" + locator
	u.RawPath = ""
	return u.String()
}
