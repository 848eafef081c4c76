package cachestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/nix-query/internal/pkgmeta"
)

func sampleGeneration(t *testing.T, channel string) *pkgmeta.Generation {
	t.Helper()
	records := []pkgmeta.Record{
		{
			Attr:        "gzip",
			Name:        pkgmeta.Known("gzip-1.12"),
			Version:     pkgmeta.Known("1.12"),
			Description: pkgmeta.Known("GNU zip compression program"),
			LongDescription: pkgmeta.Known("gzip (GNU zip) is a popular data compression program.\n" +
				"It replaces compress."),
			Homepage: pkgmeta.Known("https://www.gnu.org/software/gzip/"),
			Position: pkgmeta.Known("pkgs/tools/compression/gzip/default.nix:12"),
			License: pkgmeta.License{{
				SPDXID: "GPL-3.0-or-later", ShortName: "gpl3Plus",
				FullName: "GNU General Public License v3.0 or later", Free: true,
			}},
		},
		{Attr: "gzap"},
		{
			Attr:        "nodePackages.tern",
			Description: pkgmeta.Known(""),
			License:     pkgmeta.License{},
			Broken:      true,
		},
	}
	gen, err := pkgmeta.NewGeneration(
		pkgmeta.Channel{Name: channel, Root: "<nixpkgs>", ExtraAttrs: []string{"nodePackages"}},
		digest.FromString("/nix/store/abc-nixpkgs"),
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		records,
	)
	require.NoError(t, err)
	return gen
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cache"))
	gen := sampleGeneration(t, "nixpkgs")

	require.NoError(t, s.Save(gen))
	got, err := s.Load("nixpkgs")
	require.NoError(t, err)

	assert.Equal(t, gen.Channel, got.Channel)
	assert.Equal(t, gen.Fingerprint, got.Fingerprint)
	assert.True(t, gen.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, gen.Records, got.Records)

	// absent and present-but-empty stay distinct
	gzap, ok := got.Lookup("gzap")
	require.True(t, ok)
	assert.False(t, gzap.Description.IsKnown())
	assert.Nil(t, gzap.License)
	tern, ok := got.Lookup("nodePackages.tern")
	require.True(t, ok)
	assert.True(t, tern.Description.IsKnown())
	assert.NotNil(t, tern.License)
	assert.True(t, tern.Broken)
}

func TestSaveLoad_RoundTripIsExact(t *testing.T) {
	s := New(t.TempDir())
	gen, err := pkgmeta.NewGeneration(
		pkgmeta.Channel{Name: "nixos", Root: "<nixos>", ExtraAttrs: []string{}},
		"",
		time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		[]pkgmeta.Record{{Attr: "hello"}},
	)
	require.NoError(t, err)
	require.NoError(t, s.Save(gen))

	got, err := s.Load("nixos")
	require.NoError(t, err)
	assert.Equal(t, gen.Channel, got.Channel)
	assert.True(t, gen.CreatedAt.Equal(got.CreatedAt), "got %v", got.CreatedAt)
}

func TestSave_RejectsZeroCreationTime(t *testing.T) {
	s := New(t.TempDir())
	gen := &pkgmeta.Generation{Channel: pkgmeta.Channel{Name: "nixpkgs"}}
	require.Error(t, s.Save(gen))
	_, err := os.Stat(s.Path("nixpkgs"))
	assert.True(t, os.IsNotExist(err))
}

func TestSave_ReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(sampleGeneration(t, "nixpkgs")))

	one, err := pkgmeta.NewGeneration(pkgmeta.Channel{Name: "nixpkgs"}, "", time.Now(), []pkgmeta.Record{{Attr: "hello"}})
	require.NoError(t, err)
	require.NoError(t, s.Save(one))

	got, err := s.Load("nixpkgs")
	require.NoError(t, err)
	require.Equal(t, 1, got.Len())
	assert.Equal(t, "hello", got.Records[0].Attr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(s.Path("nixpkgs")), entries[0].Name())
}

func TestLoad_Missing(t *testing.T) {
	_, err := New(t.TempDir()).Load("nixpkgs")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_Corrupt(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(sampleGeneration(t, "nixpkgs")))
	path := s.Path("nixpkgs")
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	flipLast := append([]byte(nil), good...)
	flipLast[len(flipLast)-1] ^= 0xff
	badVersion := append([]byte(nil), good...)
	badVersion[4] = 9

	cases := map[string][]byte{
		"empty":        {},
		"bad magic":    append([]byte("XXXX"), good[4:]...),
		"bad version":  badVersion,
		"truncated":    good[:len(good)/2],
		"header only":  good[:12],
		"digest wrong": flipLast,
		"trailing":     append(append([]byte(nil), good...), 0),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, data, 0o644))
			_, err := s.Load("nixpkgs")
			var ce *CorruptError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, path, ce.Path)
		})
	}
}

func TestLoad_ChannelMismatch(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(sampleGeneration(t, "nixpkgs")))
	// a file copied under another channel's name must not be served
	data, err := os.ReadFile(s.Path("nixpkgs"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path("nixos"), data, 0o644))

	_, err = s.Load("nixos")
	var ce *CorruptError
	assert.ErrorAs(t, err, &ce)
}

func TestLoad_ArbitraryBytesNeverPanic(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(sampleGeneration(t, "nixpkgs")))
	good, err := os.ReadFile(s.Path("nixpkgs"))
	require.NoError(t, err)

	for i := 0; i < len(good); i += 7 {
		data := append([]byte(nil), good...)
		data[i] ^= 0x5a
		require.NoError(t, os.WriteFile(s.Path("nixpkgs"), data, 0o644))
		assert.NotPanics(t, func() { _, _ = s.Load("nixpkgs") })
	}
	for n := 0; n < len(good); n += 5 {
		require.NoError(t, os.WriteFile(s.Path("nixpkgs"), good[:n], 0o644))
		assert.NotPanics(t, func() { _, _ = s.Load("nixpkgs") })
	}
}

func TestDecodeRecords_HostileCounts(t *testing.T) {
	var e encoder
	e.uvarint(1 << 40)
	_, err := decodeRecords(e.buf)
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Remove("nixpkgs"), "missing file is not an error")

	require.NoError(t, s.Save(sampleGeneration(t, "nixpkgs")))
	require.NoError(t, s.Remove("nixpkgs"))
	_, err := s.Load("nixpkgs")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveAll(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(sampleGeneration(t, "nixpkgs")))
	require.NoError(t, s.Save(sampleGeneration(t, "nixos")))
	stray := filepath.Join(dir, "."+filepath.Base(s.Path("nixos"))+"-123.tmp")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))
	unrelated := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o644))

	require.NoError(t, s.RemoveAll())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Name())

	require.NoError(t, New(filepath.Join(dir, "absent")).RemoveAll())
}

func TestList(t *testing.T) {
	s := New(t.TempDir())
	entries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.Save(sampleGeneration(t, "nixpkgs")))
	require.NoError(t, s.Save(sampleGeneration(t, "nixos")))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "broken"+Ext), []byte("junk"), 0o644))

	entries, err = s.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// corrupt entry has no channel name and sorts first
	assert.Error(t, entries[0].Err)
	assert.True(t, errors.As(entries[0].Err, new(*CorruptError)))

	assert.Equal(t, "nixos", entries[1].Channel.Name)
	assert.Equal(t, "nixpkgs", entries[2].Channel.Name)
	assert.Equal(t, 3, entries[2].Records)
	assert.Positive(t, entries[2].Size)
	assert.Equal(t, digest.FromString("/nix/store/abc-nixpkgs"), entries[2].Fingerprint)
}

func TestPath(t *testing.T) {
	s := New("/cache")
	assert.NotEqual(t, s.Path("nixpkgs"), s.Path("NixPkgs"))
	assert.Regexp(t, `^nixpkgs-[0-9a-f]{8}\.nqc$`, filepath.Base(s.Path("nixpkgs")))
	assert.Regexp(t, `^home-me-nixpkgs-[0-9a-f]{8}\.nqc$`, filepath.Base(s.Path("/home/me/nixpkgs")))
	assert.Regexp(t, `^channel-[0-9a-f]{8}\.nqc$`, filepath.Base(s.Path("///")))
}
