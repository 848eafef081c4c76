package query

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/nix-query/internal/pkgmeta"
)

func generation(t *testing.T, records ...pkgmeta.Record) *pkgmeta.Generation {
	t.Helper()
	gen, err := pkgmeta.NewGeneration(pkgmeta.Channel{Name: "test"}, "", time.Now(), records)
	require.NoError(t, err)
	return gen
}

func attrs(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Record.Attr
	}
	return out
}

// isSubsequence is an independent oracle for fuzzy soundness.
func isSubsequence(pattern, s string) bool {
	pattern, s = strings.ToLower(pattern), strings.ToLower(s)
	i := 0
	for _, r := range s {
		if i < len(pattern) && rune(pattern[i]) == r {
			i++
		}
	}
	return i == len(pattern)
}

func gzipScenario(t *testing.T) *pkgmeta.Generation {
	return generation(t,
		pkgmeta.Record{
			Attr:        "gzip",
			Version:     pkgmeta.Known("1.12"),
			Description: pkgmeta.Known("GNU zip compression utility"),
			License:     pkgmeta.License{{SPDXID: "GPL-3.0-or-later", Free: true}},
		},
		pkgmeta.Record{Attr: "gzap"},
		pkgmeta.Record{Attr: "hello", Description: pkgmeta.Known("A program that produces a familiar, friendly greeting")},
	)
}

func TestSetQuery_GzipScenario(t *testing.T) {
	e := New(gzipScenario(t))

	got := e.SetQuery("gz")
	require.Equal(t, []string{"gzip", "gzap"}, attrs(got), "description also matching lifts gzip")

	exact := e.SetQuery("gzip")
	require.Equal(t, []string{"gzip"}, attrs(exact))

	partial := New(gzipScenario(t)).SetQuery("gzp")
	require.Equal(t, []string{"gzip", "gzap"}, attrs(partial)[:2])
	assert.Greater(t, exact[0].Score, partial[0].Score)

	assert.Empty(t, e.SetQuery("xyz"))
	_, ok := e.Selected()
	assert.False(t, ok)
}

func TestSetQuery_EmptyReturnsAllInAttributeOrder(t *testing.T) {
	e := New(gzipScenario(t))
	e.SetQuery("gz")
	all := e.SetQuery("")
	assert.Equal(t, []string{"gzap", "gzip", "hello"}, attrs(all))
	for _, m := range all {
		assert.Zero(t, m.Score)
	}
	assert.Equal(t, []string{"gzap", "gzip", "hello"}, attrs(e.SetQuery("   ")))
}

func TestSetQuery_TiesBrokenByAttribute(t *testing.T) {
	e := New(generation(t,
		pkgmeta.Record{Attr: "bbb"},
		pkgmeta.Record{Attr: "aaa"},
		pkgmeta.Record{Attr: "ccc"},
	))
	for _, q := range []string{"a", "b"} {
		got := e.SetQuery(q)
		require.Len(t, got, 1)
	}
	e2 := New(generation(t,
		pkgmeta.Record{Attr: "xa1"},
		pkgmeta.Record{Attr: "xa0"},
	))
	got := e2.SetQuery("xa")
	require.Len(t, got, 2)
	require.Equal(t, got[0].Score, got[1].Score)
	assert.Equal(t, []string{"xa0", "xa1"}, attrs(got))
}

func TestSetQuery_ExactComponentBonus(t *testing.T) {
	e := New(generation(t,
		pkgmeta.Record{Attr: "python3Packages.requests"},
		pkgmeta.Record{Attr: "python3Packages.requests-toolbelt"},
	))
	got := e.SetQuery("requests")
	require.Len(t, got, 2)
	assert.Equal(t, "python3Packages.requests", got[0].Record.Attr)
	assert.GreaterOrEqual(t, got[0].Score-got[1].Score, exactBonus)
}

func TestSetQuery_DescriptionOnlyRanksLast(t *testing.T) {
	e := New(generation(t,
		pkgmeta.Record{Attr: "ripgrep", Description: pkgmeta.Known("Utility that combines the usability of ag with the raw speed of grep")},
		pkgmeta.Record{Attr: "zstd", Description: pkgmeta.Known("Zstandard real-time compression algorithm")},
		pkgmeta.Record{Attr: "xz", Description: pkgmeta.Known("General-purpose data compression software")},
	))
	got := e.SetQuery("zs")
	require.Equal(t, []string{"zstd"}, attrs(got)[:1])

	got = e.SetQuery("compression")
	assert.ElementsMatch(t, []string{"zstd", "xz"}, attrs(got))
	for _, m := range got {
		assert.Less(t, m.Score, 0)
		assert.Empty(t, m.Positions)
	}
}

func TestSetQuery_MultipleTokensMustAllMatch(t *testing.T) {
	e := New(generation(t,
		pkgmeta.Record{Attr: "nodePackages.tern", Description: pkgmeta.Known("JavaScript code analyzer")},
		pkgmeta.Record{Attr: "nodePackages.typescript", Description: pkgmeta.Known("Superset of JavaScript")},
		pkgmeta.Record{Attr: "ternimal"},
	))
	assert.Equal(t, []string{"nodePackages.tern"}, attrs(e.SetQuery("node tern")))
	assert.ElementsMatch(t, []string{"nodePackages.tern", "ternimal"}, attrs(e.SetQuery("tern")))
}

func TestSetQuery_Soundness(t *testing.T) {
	var records []pkgmeta.Record
	words := []string{"gzip", "gnutar", "zstd", "xz", "git", "go", "gopls", "hello", "ripgrep", "fzf", "skim", "nix-query"}
	for i, w := range words {
		records = append(records, pkgmeta.Record{
			Attr:        fmt.Sprintf("pkgs%d.%s", i%3, w),
			Description: pkgmeta.Known("tool number " + w),
		})
	}
	e := New(generation(t, records...))

	for _, q := range []string{"g", "gz", "gzp", "git", "px", "nq", "tool", "zzzz"} {
		for _, m := range e.SetQuery(q) {
			ok := isSubsequence(q, m.Record.Attr) || isSubsequence(q, m.Record.SearchText())
			assert.Truef(t, ok, "%q does not match %q", q, m.Record.Attr)
			for _, p := range m.Positions {
				assert.Less(t, p, len(m.Record.Attr))
			}
		}
	}
}

func TestSetQuery_IncrementalMatchesFullRecompute(t *testing.T) {
	gen := generation(t,
		pkgmeta.Record{Attr: "gzip", Description: pkgmeta.Known("GNU zip")},
		pkgmeta.Record{Attr: "gzap"},
		pkgmeta.Record{Attr: "pigz", Description: pkgmeta.Known("parallel gzip")},
		pkgmeta.Record{Attr: "zopfli"},
	)
	typed := New(gen)
	for _, q := range []string{"g", "gz", "gzi", "gzip"} {
		incremental := typed.SetQuery(q)
		fresh := New(gen).SetQuery(q)
		assert.Equal(t, attrs(fresh), attrs(incremental), "query %q", q)
	}
	// backspace falls back to the full candidate set
	assert.Equal(t, attrs(New(gen).SetQuery("g")), attrs(typed.SetQuery("g")))
}

func TestSetQuery_TokensMatchInAnyOrder(t *testing.T) {
	e := New(gzipScenario(t))
	want := []string{"gzip"}
	assert.Equal(t, want, attrs(e.SetQuery("utility gz")))
	assert.Equal(t, want, attrs(e.SetQuery("gz utility")))
	assert.Equal(t, want, attrs(e.SetQuery("zip gnu")))
}

func TestDescriptionScore(t *testing.T) {
	contiguous, ok := descriptionScore("gnu zip compression utility", "zip")
	require.True(t, ok)
	scattered, ok := descriptionScore("gnu zip compression utility", "zpu")
	require.True(t, ok)
	inner, ok := descriptionScore("gnu zip compression utility", "ression")
	require.True(t, ok)
	assert.Greater(t, contiguous, scattered)
	assert.Greater(t, contiguous, inner, "word starts rank first")

	_, ok = descriptionScore("gnu zip", "xz")
	assert.False(t, ok)

	long, ok := descriptionScore("a"+strings.Repeat(" ", 5000)+"b", "ab")
	require.True(t, ok)
	assert.Greater(t, long-descriptionOnlyPenalty, -2*descriptionOnlyPenalty)
}

func TestSubsequence(t *testing.T) {
	assert.True(t, subsequence("python3packages.requests", "pyreq"))
	assert.True(t, subsequence("anything", ""))
	assert.False(t, subsequence("gzip", "gzz"))
	assert.True(t, subsequence("café au lait", "éa"))
	// "ã©" shares bytes with "é" but not its rune.
	assert.False(t, subsequence("ã©", "é"))
}

func TestSelection(t *testing.T) {
	e := New(gzipScenario(t))
	r, ok := e.Selected()
	require.True(t, ok)
	assert.Equal(t, "gzap", r.Attr)

	e.Move(1)
	r, _ = e.Selected()
	assert.Equal(t, "gzip", r.Attr)

	e.Move(10)
	assert.Equal(t, 2, e.Cursor())
	e.Move(-10)
	assert.Equal(t, 0, e.Cursor())
	e.Select(1)
	assert.Equal(t, 1, e.Cursor())

	e.SetQuery("hello")
	assert.Equal(t, 0, e.Cursor(), "new query resets the selection")
}

func TestPreview(t *testing.T) {
	gen := gzipScenario(t)
	e := New(gen)
	r, _ := gen.Lookup("gzip")
	out := e.Preview(r)
	assert.Contains(t, out, "gzip")
	assert.Contains(t, out, "GNU zip compression utility")
}

// largeGeneration builds n records shaped like a nixpkgs channel: package
// sets, dashed names and descriptions of about ninety characters.
func largeGeneration(tb testing.TB, n int) *pkgmeta.Generation {
	tb.Helper()
	sets := []string{"", "python313Packages.", "haskellPackages.", "nodePackages.", "perlPackages.", "rubyPackages."}
	words := []string{"lib", "tools", "utils", "http", "json", "parser", "client", "server", "cli", "gtk", "qt", "rs"}
	records := make([]pkgmeta.Record, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s-%s%d", words[i%len(words)], words[(i/7)%len(words)], i)
		records = append(records, pkgmeta.Record{
			Attr:    sets[i%len(sets)] + name,
			Version: pkgmeta.Known(fmt.Sprintf("%d.%d", i%9, i%13)),
			Description: pkgmeta.Known(fmt.Sprintf(
				"A %s library for %s handling with streaming support and bindings, release %d",
				words[(i/3)%len(words)], words[(i/5)%len(words)], i)),
		})
	}
	gen, err := pkgmeta.NewGeneration(pkgmeta.Channel{Name: "large"}, "", time.Now(), records)
	require.NoError(tb, err)
	return gen
}

func TestSetQuery_KeystrokeLatency(t *testing.T) {
	if testing.Short() || raceEnabled {
		t.Skip("timing is meaningless under -short or -race")
	}
	const budget = 50 * time.Millisecond
	gen := largeGeneration(t, 50000)

	for _, typed := range [][]string{{"p", "py", "pyt", "pyth"}, {"x", "xz"}, {"l", "li", "lib", "lib h"}} {
		var worst time.Duration
		// best of three runs filters scheduler noise.
		for run := 0; run < 3; run++ {
			e := New(gen)
			var slowest time.Duration
			for _, q := range typed {
				start := time.Now()
				e.SetQuery(q)
				slowest = max(slowest, time.Since(start))
			}
			if run == 0 || slowest < worst {
				worst = slowest
			}
		}
		assert.Lessf(t, worst, budget, "typing %q over %d records", typed, gen.Len())
	}
}

func BenchmarkSetQuery(b *testing.B) {
	e := New(largeGeneration(b, 50000))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.SetQuery("p")
		e.SetQuery("py")
		e.SetQuery("pyth")
	}
}
