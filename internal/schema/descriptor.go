package schema

import (
	"fmt"
	"regexp"
	"strings"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/namespace"
)

// FieldType is the semantic type of an entity field.
type FieldType string

const (
	Integer    FieldType = "integer"
	Text       FieldType = "text"
	Timestamp  FieldType = "timestamp"
	Boolean    FieldType = "boolean"
	Decimal    FieldType = "decimal"
	JSON       FieldType = "json"
	ForeignKey FieldType = "foreign_key"
)

var nativeTypes = map[FieldType]string{
	Integer:    "BIGINT",
	Text:       "TEXT",
	Timestamp:  "TIMESTAMPTZ",
	Boolean:    "BOOLEAN",
	Decimal:    "NUMERIC(18,4)",
	JSON:       "JSONB",
	ForeignKey: "BIGINT",
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
	// Default is a literal SQL default expression, e.g. "now()" or "false".
	Default string
	// References names the target table for ForeignKey fields.
	References string
}

// EntityDescriptor is the declarative shape of a table the synthesizer can create.
type EntityDescriptor struct {
	Table  string
	Fields []Field
	// Unique lists column groups that get a UNIQUE constraint.
	Unique [][]string
}

func (d EntityDescriptor) Validate() error {
	if !identPattern.MatchString(d.Table) {
		return apperr.Validationf("entity table %q is not a safe identifier", d.Table)
	}
	seen := map[string]bool{"id": true}
	for _, f := range d.Fields {
		if !identPattern.MatchString(f.Name) {
			return apperr.Validationf("field %q of %s is not a safe identifier", f.Name, d.Table)
		}
		if seen[f.Name] {
			return apperr.Validationf("field %q of %s declared twice", f.Name, d.Table)
		}
		seen[f.Name] = true
		if _, ok := nativeTypes[f.Type]; !ok {
			return apperr.Validationf("field %q of %s has unknown type %q", f.Name, d.Table, f.Type)
		}
		if f.Type == ForeignKey && !identPattern.MatchString(f.References) {
			return apperr.Validationf("foreign key %q of %s has invalid target %q", f.Name, d.Table, f.References)
		}
		if strings.ContainsAny(f.Default, ";") {
			return apperr.Validationf("field %q of %s has an unsafe default", f.Name, d.Table)
		}
	}
	for _, group := range d.Unique {
		if len(group) == 0 {
			return apperr.Validationf("empty unique group on %s", d.Table)
		}
		for _, col := range group {
			if !seen[col] {
				return apperr.Validationf("unique column %q is not a field of %s", col, d.Table)
			}
		}
	}
	return nil
}

// CreateTableSQL renders the CREATE TABLE statement for d inside ns.
func CreateTableSQL(ns string, d EntityDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\tid BIGSERIAL PRIMARY KEY", qualified(ns, d.Table))
	for _, f := range d.Fields {
		fmt.Fprintf(&b, ",\n\t%s %s", f.Name, nativeTypes[f.Type])
		if !f.Nullable {
			b.WriteString(" NOT NULL")
		}
		if f.Default != "" {
			b.WriteString(" DEFAULT " + f.Default)
		}
	}
	for _, group := range d.Unique {
		fmt.Fprintf(&b, ",\n\tCONSTRAINT %s UNIQUE (%s)", constraintName("uq", d.Table, group...), strings.Join(group, ", "))
	}
	b.WriteString("\n)")
	return b.String()
}

// ForeignKeySQL renders one deferred foreign-key constraint per ForeignKey field.
func ForeignKeySQL(ns string, d EntityDescriptor) []string {
	var out []string
	for _, f := range d.Fields {
		if f.Type != ForeignKey {
			continue
		}
		out = append(out, fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (id) DEFERRABLE INITIALLY DEFERRED",
			qualified(ns, d.Table), constraintName("fk", d.Table, f.Name), f.Name, qualified(ns, f.References),
		))
	}
	return out
}

func qualified(ns, table string) string {
	return namespace.Quote(ns) + "." + table
}

func constraintName(prefix, table string, cols ...string) string {
	name := prefix + "_" + table + "_" + strings.Join(cols, "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
