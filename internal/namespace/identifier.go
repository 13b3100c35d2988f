package namespace

import (
	"regexp"
	"strings"

	"schema-tenancy/internal/apperr"
)

// MaxIdentifierLen is the Postgres NAMEDATALEN limit minus the terminator.
const MaxIdentifierLen = 63

var (
	namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	slugPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	nonAlnum         = regexp.MustCompile(`[^a-z0-9]+`)
)

var reserved = map[string]struct{}{
	"public":             {},
	"information_schema": {},
}

// Validate checks a namespace name before it is ever interpolated into SQL.
func Validate(ns string) error {
	if ns == "" || len(ns) > MaxIdentifierLen || !namespacePattern.MatchString(ns) {
		return apperr.ErrInvalidNamespace
	}
	return nil
}

// ValidateTenantNamespace additionally rejects system schemas, which may never back a tenant.
func ValidateTenantNamespace(ns string) error {
	if err := Validate(ns); err != nil {
		return err
	}
	lower := strings.ToLower(ns)
	if _, ok := reserved[lower]; ok || strings.HasPrefix(lower, "pg_") {
		return apperr.ErrInvalidNamespace
	}
	return nil
}

func ValidateSlug(slug string) error {
	if slug == "" || len(slug) > MaxIdentifierLen || !slugPattern.MatchString(slug) {
		return apperr.Validationf("slug %q must match %s", slug, slugPattern.String())
	}
	return nil
}

// Slug derives a URL slug from a display name: "Acme Co." -> "acme-co".
func Slug(name string) string {
	return derive(name, "-")
}

// Name derives a physical namespace name from a display name: "Acme Co." -> "acme_co".
func Name(name string) string {
	return derive(name, "_")
}

func derive(name, sep string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), sep)
	s = strings.Trim(s, sep)
	if s == "" {
		return ""
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "t" + sep + s
	}
	if len(s) > MaxIdentifierLen {
		s = strings.TrimRight(s[:MaxIdentifierLen], sep)
	}
	return s
}
