// Package cachestore persists one Generation per channel as a single
// checksummed, zstd-compressed file.
package cachestore

import (
	"bufio"
	"bytes"
	_ "crypto/sha256" // registers sha256 for go-digest
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/kamusis/nix-query/internal/pkgmeta"
)

const (
	magic = "NXQC"
	// FormatVersion is bumped whenever the file layout changes; older files
	// are then treated as corrupt and rebuilt.
	FormatVersion = 1
	// Ext is the file extension of cache files.
	Ext = ".nqc"

	flagZstd uint32 = 1 << 0

	// maxDecodedSize bounds decompression of hostile files.
	maxDecodedSize = 1 << 30
)

// ErrNotFound reports that no cache file exists for a channel.
var ErrNotFound = platformerrors.New(platformerrors.CodeNotFound, "no cache for channel")

// CorruptError reports a cache file that exists but cannot be trusted.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt cache file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// IOError reports a failure to write or remove a cache file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cannot %s cache file %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Store keeps cache files in a single directory.
type Store struct {
	dir string
}

// New returns a store rooted at dir. The directory is created on first Save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir returns the per-user cache directory for nix-query.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine cache dir: %w", err)
	}
	return filepath.Join(base, "nix-query"), nil
}

// Dir returns the directory holding the cache files.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the cache file for a channel. The name keeps a readable slug
// and a short digest so that distinct channels never collide.
func (s *Store) Path(channel string) string {
	sum := digest.FromString(channel).Encoded()[:8]
	return filepath.Join(s.dir, slug(channel)+"-"+sum+Ext)
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	s := strings.Trim(b.String(), "-.")
	if s == "" {
		return "channel"
	}
	return s
}

// Save writes gen as the cache of its channel, replacing any previous file.
// Readers see either the old or the new file, never a partial one.
func (s *Store) Save(gen *pkgmeta.Generation) error {
	if err := gen.Validate(); err != nil {
		return err
	}
	path := s.Path(gen.Channel.Name)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &IOError{Op: "create directory for", Path: path, Err: err}
	}

	data, err := encodeFile(gen)
	if err != nil {
		return &IOError{Op: "encode", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return &IOError{Op: "create temp for", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(data); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := bw.Flush(); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &IOError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close", Path: path, Err: err}
	}
	if err := replaceFile(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		committed = true
		return &IOError{Op: "replace", Path: path, Err: err}
	}
	committed = true
	return nil
}

func encodeFile(gen *pkgmeta.Generation) ([]byte, error) {
	raw := encodePayload(meta{
		Channel:     gen.Channel,
		Fingerprint: gen.Fingerprint,
		CreatedAt:   gen.CreatedAt,
		Records:     gen.Len(),
	}, gen.Records)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, err
	}
	payload := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return nil, err
	}

	sum := digest.FromBytes(payload).String()
	var buf bytes.Buffer
	buf.Grow(len(magic) + 2 + 4 + 2 + len(sum) + 8 + len(payload))
	buf.WriteString(magic)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(FormatVersion))
	_ = binary.Write(&buf, binary.LittleEndian, flagZstd)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(sum)))
	buf.WriteString(sum)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Load reads the cache of a channel.
func (s *Store) Load(channel string) (*pkgmeta.Generation, error) {
	path := s.Path(channel)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, platformerrors.Wrapf(ErrNotFound, platformerrors.CodeNotFound, "no cache for channel %s", channel)
		}
		return nil, &CorruptError{Path: path, Err: err}
	}

	m, body, err := decodeFile(data)
	if err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if m.Channel.Name != channel {
		return nil, &CorruptError{Path: path, Err: fmt.Errorf("file holds channel %q", m.Channel.Name)}
	}
	records, err := decodeRecords(body)
	if err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if len(records) != m.Records {
		return nil, &CorruptError{Path: path, Err: fmt.Errorf("record count mismatch: header %d, payload %d", m.Records, len(records))}
	}

	gen := &pkgmeta.Generation{
		Channel:     m.Channel,
		Fingerprint: m.Fingerprint,
		CreatedAt:   m.CreatedAt,
		Records:     records,
	}
	if err := gen.Validate(); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	return gen, nil
}

// decodeFile checks the envelope and returns the header and encoded records.
func decodeFile(data []byte) (meta, []byte, error) {
	d := data
	take := func(n int) ([]byte, error) {
		if n < 0 || n > len(d) {
			return nil, errShort
		}
		b := d[:n]
		d = d[n:]
		return b, nil
	}

	b, err := take(len(magic))
	if err != nil {
		return meta{}, nil, err
	}
	if string(b) != magic {
		return meta{}, nil, fmt.Errorf("bad magic %q", b)
	}
	if b, err = take(2); err != nil {
		return meta{}, nil, err
	}
	if v := binary.LittleEndian.Uint16(b); v != FormatVersion {
		return meta{}, nil, fmt.Errorf("unsupported format version %d", v)
	}
	if b, err = take(4); err != nil {
		return meta{}, nil, err
	}
	flags := binary.LittleEndian.Uint32(b)
	if flags&^flagZstd != 0 {
		return meta{}, nil, fmt.Errorf("unknown flags %#x", flags)
	}
	if b, err = take(2); err != nil {
		return meta{}, nil, err
	}
	if b, err = take(int(binary.LittleEndian.Uint16(b))); err != nil {
		return meta{}, nil, err
	}
	want, err := digest.Parse(string(b))
	if err != nil {
		return meta{}, nil, fmt.Errorf("invalid checksum: %w", err)
	}
	if b, err = take(8); err != nil {
		return meta{}, nil, err
	}
	n := binary.LittleEndian.Uint64(b)
	if n != uint64(len(d)) {
		return meta{}, nil, fmt.Errorf("payload length %d, file has %d bytes", n, len(d))
	}
	payload := d

	if got := want.Algorithm().FromBytes(payload); got != want {
		return meta{}, nil, fmt.Errorf("checksum mismatch: want %s, got %s", want, got)
	}

	raw := payload
	if flags&flagZstd != 0 {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecodedSize))
		if err != nil {
			return meta{}, nil, err
		}
		defer dec.Close()
		if raw, err = dec.DecodeAll(payload, nil); err != nil {
			return meta{}, nil, fmt.Errorf("cannot decompress payload: %w", err)
		}
	}
	return splitPayload(raw)
}

// Remove deletes the cache of a channel. A missing file is not an error.
func (s *Store) Remove(channel string) error {
	path := s.Path(channel)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// RemoveAll deletes every file the store owns, including leftover temp
// files and evaluation markers.
func (s *Store) RemoveAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "list", Path: s.dir, Err: err}
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isCacheFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, &IOError{Op: "remove", Path: path, Err: err})
		}
	}
	return errors.Join(errs...)
}

func isCacheFile(name string) bool {
	if strings.HasSuffix(name, Ext) || strings.HasSuffix(name, Ext+".lock") {
		return true
	}
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp") && strings.Contains(name, Ext+"-")
}

// Entry summarizes one cache file.
type Entry struct {
	Path        string
	Channel     pkgmeta.Channel
	Fingerprint digest.Digest
	CreatedAt   time.Time
	Records     int
	Size        int64
	// Err is set when the file could not be read; the other header fields
	// are then zero.
	Err error
}

// List describes every cache file in the store, sorted by channel name.
// Unreadable files are reported through Entry.Err.
func (s *Store) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read cache dir %s: %w", s.dir, err)
	}

	var out []Entry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		ent := Entry{Path: path}
		if info, err := e.Info(); err == nil {
			ent.Size = info.Size()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			ent.Err = err
			out = append(out, ent)
			continue
		}
		m, _, err := decodeFile(data)
		if err != nil {
			ent.Err = &CorruptError{Path: path, Err: err}
			out = append(out, ent)
			continue
		}
		ent.Channel = m.Channel
		ent.Fingerprint = m.Fingerprint
		ent.CreatedAt = m.CreatedAt
		ent.Records = m.Records
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel.Name != out[j].Channel.Name {
			return out[i].Channel.Name < out[j].Channel.Name
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}
