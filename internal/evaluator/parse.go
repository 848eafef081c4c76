package evaluator

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/kamusis/nix-query/internal/pkgmeta"
)

// rawPackage is one value of `nix-env --query --json --meta` output.
type rawPackage struct {
	Name    *string `json:"name"`
	Pname   *string `json:"pname"`
	Version *string `json:"version"`
	Meta    rawMeta `json:"meta"`
}

type rawMeta struct {
	Description     *string         `json:"description"`
	LongDescription *string         `json:"longDescription"`
	Homepage        json.RawMessage `json:"homepage"`
	License         json.RawMessage `json:"license"`
	Position        *string         `json:"position"`
	Broken          bool            `json:"broken"`
}

type rawLicense struct {
	SPDXID    string `json:"spdxId"`
	ShortName string `json:"shortName"`
	FullName  string `json:"fullName"`
	URL       string `json:"url"`
	Free      *bool  `json:"free"`
}

// ParsePackages decodes an attribute -> package JSON object into records.
// The object is streamed so the raw output is never held as a map. Private
// attributes (a path component starting with "_") are skipped.
func ParsePackages(r io.Reader) ([]pkgmeta.Record, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("cannot read package list: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("package list is not a JSON object")
	}

	var out []pkgmeta.Record
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("cannot read attribute name: %w", err)
		}
		attr, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in package list", tok)
		}
		var p rawPackage
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("invalid metadata for %s: %w", attr, err)
		}
		if attr == "" || isPrivate(attr) {
			continue
		}
		rec, err := p.record(attr)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("truncated package list: %w", err)
	}
	return out, nil
}

func isPrivate(attr string) bool {
	return strings.HasPrefix(attr, "_") || strings.Contains(attr, "._")
}

func (p rawPackage) record(attr string) (pkgmeta.Record, error) {
	rec := pkgmeta.Record{
		Attr:            attr,
		Name:            text(p.Name),
		Version:         text(p.Version),
		Description:     text(p.Meta.Description),
		LongDescription: text(p.Meta.LongDescription),
		Position:        text(p.Meta.Position),
		Broken:          p.Meta.Broken,
	}
	if !rec.Version.IsKnown() && p.Name != nil && p.Pname != nil {
		// Older nix-env output lacks "version"; derive it from name = pname-version.
		if v, ok := strings.CutPrefix(*p.Name, *p.Pname+"-"); ok && v != "" {
			rec.Version = pkgmeta.Known(v)
		}
	}

	hp, err := decodeHomepage(p.Meta.Homepage)
	if err != nil {
		return pkgmeta.Record{}, fmt.Errorf("invalid homepage for %s: %w", attr, err)
	}
	rec.Homepage = hp

	lic, err := decodeLicense(p.Meta.License)
	if err != nil {
		return pkgmeta.Record{}, fmt.Errorf("invalid license for %s: %w", attr, err)
	}
	rec.License = lic
	return rec, nil
}

func text(s *string) pkgmeta.Field {
	if s == nil {
		return pkgmeta.Field{}
	}
	return pkgmeta.Known(norm.NFC.String(strings.TrimSpace(*s)))
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// decodeHomepage accepts a string or a list of strings (first wins).
func decodeHomepage(raw json.RawMessage) (pkgmeta.Field, error) {
	if isNull(raw) {
		return pkgmeta.Field{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return pkgmeta.Known(s), nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return pkgmeta.Field{}, err
	}
	if len(list) == 0 {
		return pkgmeta.Field{}, nil
	}
	return pkgmeta.Known(list[0]), nil
}

// decodeLicense accepts every shape nixpkgs uses for meta.license: a bare
// identifier, a license attrset (possibly only fullName or url), or a list
// of either.
func decodeLicense(raw json.RawMessage) (pkgmeta.License, error) {
	if isNull(raw) {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		var out pkgmeta.License
		for _, item := range items {
			term, err := decodeLicenseTerm(item)
			if err != nil {
				return nil, err
			}
			out = append(out, term)
		}
		return out, nil
	}
	term, err := decodeLicenseTerm(raw)
	if err != nil {
		return nil, err
	}
	return pkgmeta.License{term}, nil
}

func decodeLicenseTerm(raw json.RawMessage) (pkgmeta.LicenseTerm, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return pkgmeta.LicenseTerm{ShortName: id, Free: !strings.EqualFold(id, "unfree")}, nil
	}
	var l rawLicense
	if err := json.Unmarshal(raw, &l); err != nil {
		return pkgmeta.LicenseTerm{}, err
	}
	free := true
	if l.Free != nil {
		free = *l.Free
	}
	return pkgmeta.LicenseTerm{
		SPDXID:    l.SPDXID,
		ShortName: l.ShortName,
		FullName:  l.FullName,
		URL:       l.URL,
		Free:      free,
	}, nil
}
