package pkgmeta

// Unknown is what an absent metadata field renders as.
const Unknown = "unknown"

// Field is an optional metadata string. The zero value is absent; a field
// holding the empty string is present and distinct from absent.
type Field struct {
	value string
	known bool
}

// Known returns a present field holding v.
func Known(v string) Field {
	return Field{value: v, known: true}
}

// Value returns the field's string and whether it is present.
func (f Field) Value() (string, bool) {
	return f.value, f.known
}

// IsKnown reports whether the evaluator reported this field.
func (f Field) IsKnown() bool {
	return f.known
}

// Or returns the field's value, or def when absent.
func (f Field) Or(def string) string {
	if !f.known {
		return def
	}
	return f.value
}

// String renders the field, using Unknown for absent values.
func (f Field) String() string {
	return f.Or(Unknown)
}
