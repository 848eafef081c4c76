// Package pkgmeta defines the package metadata model shared by the evaluator,
// the on-disk cache and the query engine.
package pkgmeta

import "strings"

// LicenseTerm is one license a package is distributed under. String fields
// are empty when the evaluator did not report them.
type LicenseTerm struct {
	SPDXID    string
	ShortName string
	FullName  string
	URL       string
	Free      bool
}

// License is the set of licenses attached to a package. A nil License means
// the evaluator reported none.
type License []LicenseTerm

// IsKnown reports whether any license was reported.
func (l License) IsKnown() bool {
	return len(l) > 0
}

// Unfree reports whether any term is marked non-free.
func (l License) Unfree() bool {
	for _, t := range l {
		if !t.Free {
			return true
		}
	}
	return false
}

// Record is a single package of a generation, keyed by its attribute path
// (e.g. "nixpkgs.gzip").
type Record struct {
	Attr            string
	Name            Field // derivation name, e.g. "gzip-1.12"
	Version         Field
	Description     Field
	LongDescription Field
	Homepage        Field
	Position        Field // "path:line" of the defining expression
	License         License
	Broken          bool
}

// ShortAttr returns the last dotted component of the attribute path.
func (r Record) ShortAttr() string {
	if i := strings.LastIndexByte(r.Attr, '.'); i >= 0 {
		return r.Attr[i+1:]
	}
	return r.Attr
}

// SearchText is the text a record is matched against besides its attribute.
func (r Record) SearchText() string {
	return r.Description.Or("")
}
