package pkgmeta

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	labelStyle  = lipgloss.NewStyle().Bold(true)
	attrStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	alertStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	urlStyle    = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.Color("39"))
	unknownText = lipgloss.NewStyle().Faint(true).Render(Unknown)
)

// continuation indents wrapped values so they line up under the first line.
const continuation = "             "

// FormatPreview renders the metadata block shown next to the result list.
// Absent fields are rendered as Unknown.
func FormatPreview(r Record) string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(label+":"), value)
	}

	line("attr", attrStyle.Render(r.Attr))
	line("name", fieldText(r.Name, attrStyle))
	line("version", fieldText(r.Version, lipgloss.NewStyle()))
	if r.Broken {
		line("broken", alertStyle.Render("true"))
	}
	line("homepage", fieldText(r.Homepage, urlStyle))
	line("description", fieldText(r.Description, lipgloss.NewStyle()))

	if long, ok := r.LongDescription.Value(); ok && strings.TrimSpace(long) != "" {
		lines := strings.Split(strings.TrimRight(long, "\n"), "\n")
		line("long desc.", lines[0])
		for _, l := range lines[1:] {
			b.WriteString(continuation + l + "\n")
		}
	} else {
		line("long desc.", unknownText)
	}

	if r.License.Unfree() {
		line("unfree", alertStyle.Render("true"))
	}
	line("license", FormatLicense(r.License))
	if pos, ok := r.Position.Value(); ok {
		line("defined in", pos)
	}
	return b.String()
}

func fieldText(f Field, style lipgloss.Style) string {
	v, ok := f.Value()
	if !ok {
		return unknownText
	}
	return style.Render(v)
}

// FormatLicense renders every license term, one per line.
func FormatLicense(l License) string {
	if !l.IsKnown() {
		return unknownText
	}
	parts := make([]string, 0, len(l))
	for _, t := range l {
		if t.Free {
			parts = append(parts, formatFree(t))
		} else {
			parts = append(parts, formatUnfree(t))
		}
	}
	return strings.Join(parts, "\n"+continuation)
}

func formatFree(t LicenseTerm) string {
	var b strings.Builder
	switch {
	case t.SPDXID != "":
		b.WriteString(t.SPDXID)
	case t.ShortName != "":
		b.WriteString(t.ShortName)
		// No URL to follow; spell the license out.
		if t.URL == "" && t.FullName != "" && t.FullName != t.ShortName {
			fmt.Fprintf(&b, " (%s)", t.FullName)
		}
	case t.FullName != "":
		b.WriteString(t.FullName)
	}
	if t.URL != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(urlStyle.Render(t.URL))
	}
	if b.Len() == 0 {
		return unknownText
	}
	return b.String()
}

func formatUnfree(t LicenseTerm) string {
	var b strings.Builder
	marker := alertStyle.Render("unfree")
	hasFull := t.FullName != "" && !strings.EqualFold(t.FullName, "unfree")
	hasShort := t.ShortName != "" && !strings.EqualFold(t.ShortName, "unfree")

	open := false
	if hasFull {
		fmt.Fprintf(&b, "%s (%s", t.FullName, marker)
		open = true
	} else {
		b.WriteString(marker)
	}
	switch {
	case hasShort && open:
		fmt.Fprintf(&b, "; %s)", t.ShortName)
	case hasShort:
		fmt.Fprintf(&b, " (%s)", t.ShortName)
	case open:
		b.WriteByte(')')
	}
	if t.URL != "" {
		b.WriteString(" " + urlStyle.Render(t.URL))
	}
	return b.String()
}
