// Package query ranks the records of a generation against an interactive
// fuzzy query.
package query

import (
	"runtime"
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/errgroup"

	"github.com/kamusis/nix-query/internal/pkgmeta"
)

const (
	// descriptionBonus is added when an attribute match is backed by the
	// description too.
	descriptionBonus = 10
	// exactBonus is added when a query token names the attribute exactly,
	// either in full or by its last dotted component.
	exactBonus = 100
	// descriptionOnlyPenalty keeps records matched only by their description
	// below every attribute match.
	descriptionOnlyPenalty = 1000
	// chunkSize is the number of candidates a ranking worker handles at
	// least; smaller pools are ranked on the calling goroutine.
	chunkSize = 4096
)

// Match is one ranked record. Positions are byte offsets into Record.Attr
// that matched the query.
type Match struct {
	Record    pkgmeta.Record
	Score     int
	Positions []int
}

// candidate caches the lowercase search strings of one record.
type candidate struct {
	attr  string
	lattr string
	short string
	desc  string
}

// Engine holds the query state of one session: the candidates of a
// generation, the current query, its ranked matches and the selection.
// It is not safe for concurrent use.
type Engine struct {
	gen   *pkgmeta.Generation
	cands []candidate

	query   string
	tokens  []string
	matches []Match
	// hits holds the candidate indexes of matches, in candidate order, so
	// that a longer query only re-scores what the shorter one matched.
	hits     []int
	selected int
}

// New prepares gen for querying and starts with the empty query.
func New(gen *pkgmeta.Generation) *Engine {
	e := &Engine{
		gen:   gen,
		cands: make([]candidate, len(gen.Records)),
	}
	for i, r := range gen.Records {
		e.cands[i] = candidate{
			attr:  r.Attr,
			lattr: strings.ToLower(r.Attr),
			short: strings.ToLower(r.ShortAttr()),
			desc:  strings.ToLower(r.SearchText()),
		}
	}
	e.reset()
	return e
}

func (e *Engine) reset() {
	e.query = ""
	e.tokens = nil
	e.hits = make([]int, len(e.cands))
	e.matches = make([]Match, len(e.cands))
	for i := range e.cands {
		e.hits[i] = i
		e.matches[i] = Match{Record: e.gen.Records[i]}
	}
	e.selected = 0
}

// Query returns the current query string.
func (e *Engine) Query() string {
	return e.query
}

// Matches returns the ranked result of the current query. The slice is
// owned by the engine and replaced by the next SetQuery.
func (e *Engine) Matches() []Match {
	return e.matches
}

// Total returns the number of records in the generation.
func (e *Engine) Total() int {
	return len(e.cands)
}

// SetQuery re-ranks for q and resets the selection to the best match. The
// query is split on whitespace; every token must match the attribute name
// or the description. Tokens are matched independently and in any order, so
// "utility gz" finds gzip through its description and its name. An empty
// query yields all records in attribute order.
func (e *Engine) SetQuery(q string) []Match {
	tokens := tokenize(q)
	if len(tokens) == 0 {
		e.reset()
		e.query = q
		return e.matches
	}

	pool := e.hits
	if !extends(q, e.query) || len(e.tokens) == 0 {
		pool = nil
	}
	e.query = q
	e.tokens = tokens
	e.matches, e.hits = e.rank(tokens, pool)
	e.selected = 0
	return e.matches
}

// extends reports whether every record matching q also matches prev, which
// holds when q only appends to prev.
func extends(q, prev string) bool {
	return prev != "" && strings.HasPrefix(q, prev)
}

// source exposes a subset of candidate attributes to the fuzzy matcher.
// idx holds positions into pool.
type source struct {
	cands []candidate
	pool  []int
	idx   []int
}

func (s source) String(i int) string {
	return s.cands[s.pool[s.idx[i]]].attr
}

func (s source) Len() int {
	return len(s.idx)
}

// rank scores pool (candidate indexes; nil means all) against tokens and
// returns the surviving matches sorted, plus their candidate indexes in
// candidate order.
func (e *Engine) rank(tokens []string, pool []int) ([]Match, []int) {
	if pool == nil {
		pool = make([]int, len(e.cands))
		for i := range pool {
			pool[i] = i
		}
	}

	st := rankState{
		cands:     e.cands,
		pool:      pool,
		alive:     make([]bool, len(pool)),
		scores:    make([]int, len(pool)),
		positions: make([][]int, len(pool)),
	}
	for i := range st.alive {
		st.alive[i] = true
	}
	for _, tok := range tokens {
		st.parallel(func(lo, hi int) { st.score(tok, lo, hi) })
	}

	n := 0
	for _, ok := range st.alive {
		if ok {
			n++
		}
	}
	matches := make([]Match, 0, n)
	hits := make([]int, 0, n)
	for i, idx := range pool {
		if !st.alive[i] {
			continue
		}
		hits = append(hits, idx)
		matches = append(matches, Match{
			Record:    e.gen.Records[idx],
			Score:     st.scores[i],
			Positions: dedupe(st.positions[i]),
		})
	}
	sortMatches(matches)
	return matches, hits
}

// rankState is the per-query scratch space. Workers own disjoint ranges of
// pool positions, so no locking is needed.
type rankState struct {
	cands     []candidate
	pool      []int
	alive     []bool
	scores    []int
	positions [][]int
}

// parallel runs fn over chunks of the pool. Small pools run inline.
func (st *rankState) parallel(fn func(lo, hi int)) {
	n := len(st.pool)
	workers := min(runtime.GOMAXPROCS(0), n/chunkSize)
	if workers <= 1 {
		fn(0, n)
		return
	}
	var g errgroup.Group
	step := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += step {
		hi := min(lo+step, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// score applies one token to pool positions [lo, hi). Attributes that hold
// the token as a byte subsequence go to the fuzzy scorer; the rest can only
// survive through their description.
func (st *rankState) score(tok string, lo, hi int) {
	var survivors []int
	for i := lo; i < hi; i++ {
		if st.alive[i] && subsequence(st.cands[st.pool[i]].lattr, tok) {
			survivors = append(survivors, i)
		}
	}

	attrOK := make([]bool, hi-lo)
	attrScore := make([]int, hi-lo)
	if len(survivors) > 0 {
		for _, m := range fuzzy.FindFrom(tok, source{cands: st.cands, pool: st.pool, idx: survivors}) {
			i := survivors[m.Index]
			attrOK[i-lo] = true
			attrScore[i-lo] = m.Score
			st.positions[i] = append(st.positions[i], m.MatchedIndexes...)
		}
	}

	for i := lo; i < hi; i++ {
		if !st.alive[i] {
			continue
		}
		c := &st.cands[st.pool[i]]
		if attrOK[i-lo] {
			st.scores[i] += attrScore[i-lo]
			if subsequence(c.desc, tok) {
				st.scores[i] += descriptionBonus
			}
			if tok == c.lattr || tok == c.short {
				st.scores[i] += exactBonus
			}
			continue
		}
		if s, ok := descriptionScore(c.desc, tok); ok {
			st.scores[i] += s - descriptionOnlyPenalty
			continue
		}
		st.alive[i] = false
	}
}

func dedupe(p []int) []int {
	if len(p) < 2 {
		return p
	}
	slices.Sort(p)
	return slices.Compact(p)
}

func tokenize(q string) []string {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}
	parts := strings.Fields(q)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(p))
	}
	return out
}

// Select moves the selection to index i, clamped to the current matches.
func (e *Engine) Select(i int) {
	e.selected = clamp(i, len(e.matches))
}

// Move shifts the selection by delta, clamped to the current matches.
func (e *Engine) Move(delta int) {
	e.Select(e.selected + delta)
}

// Cursor returns the selected index.
func (e *Engine) Cursor() int {
	return e.selected
}

// Selected returns the selected record; false when nothing matches.
func (e *Engine) Selected() (pkgmeta.Record, bool) {
	if len(e.matches) == 0 {
		return pkgmeta.Record{}, false
	}
	return e.matches[e.selected].Record, true
}

// Preview formats the metadata block of r.
func (e *Engine) Preview(r pkgmeta.Record) string {
	return pkgmeta.FormatPreview(r)
}

func clamp(i, n int) int {
	if n == 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
