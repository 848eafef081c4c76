package pkgmeta

import (
	"fmt"
	"sort"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/opencontainers/go-digest"
)

// Channel identifies a package set: a stable name used to address the cache
// and the expression root handed to the evaluator.
type Channel struct {
	Name       string
	Root       string
	ExtraAttrs []string
}

// String returns the channel name.
func (c Channel) String() string {
	return c.Name
}

// Generation is an immutable snapshot of every record of one channel at one
// evaluation. Records are sorted by attribute name.
type Generation struct {
	Channel     Channel
	Fingerprint digest.Digest
	CreatedAt   time.Time
	Records     []Record
}

// NewGeneration sorts records by attribute and validates them. The records
// slice is taken over by the generation. An empty ExtraAttrs is stored as nil.
func NewGeneration(ch Channel, fp digest.Digest, createdAt time.Time, records []Record) (*Generation, error) {
	if len(ch.ExtraAttrs) == 0 {
		ch.ExtraAttrs = nil
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Attr < records[j].Attr
	})
	g := &Generation{
		Channel:     ch,
		Fingerprint: fp,
		CreatedAt:   createdAt.UTC().Round(0),
		Records:     records,
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks that the channel is named, the creation time fits the
// nanosecond range of the cache format and every attribute is non-empty,
// sorted and unique.
func (g *Generation) Validate() error {
	if g.Channel.Name == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "generation has no channel name")
	}
	if g.CreatedAt.IsZero() {
		return platformerrors.New(platformerrors.CodeInvalidInput, "generation has no creation time")
	}
	if !time.Unix(0, g.CreatedAt.UnixNano()).Equal(g.CreatedAt) {
		return platformerrors.Newf(platformerrors.CodeInvalidInput, "creation time %s out of range", g.CreatedAt.Format(time.RFC3339))
	}
	for i, r := range g.Records {
		if r.Attr == "" {
			return platformerrors.Newf(platformerrors.CodeInvalidInput, "record %d has an empty attribute name", i)
		}
		if i == 0 {
			continue
		}
		prev := g.Records[i-1].Attr
		if prev == r.Attr {
			return platformerrors.Newf(platformerrors.CodeInvalidInput, "duplicate attribute %q", r.Attr)
		}
		if prev > r.Attr {
			return platformerrors.Newf(platformerrors.CodeInvalidInput, "records out of order at %q", r.Attr)
		}
	}
	return nil
}

// Len returns the number of records.
func (g *Generation) Len() int {
	return len(g.Records)
}

// Lookup finds a record by exact attribute name.
func (g *Generation) Lookup(attr string) (Record, bool) {
	i := sort.Search(len(g.Records), func(i int) bool {
		return g.Records[i].Attr >= attr
	})
	if i < len(g.Records) && g.Records[i].Attr == attr {
		return g.Records[i], true
	}
	return Record{}, false
}

// Describe returns a one-line summary used in logs and status output.
func (g *Generation) Describe() string {
	return fmt.Sprintf("%s (%d packages, %s)", g.Channel.Name, len(g.Records), g.CreatedAt.Format(time.RFC3339))
}
