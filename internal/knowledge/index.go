// Package knowledge retrieves reference snippets that ground responses.
// Documents are plain text objects under a bucket prefix; they are split
// into chunks and ranked by embedding similarity, or by keyword overlap
// when embeddings are unavailable.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"mesh-assistant/internal/archive"
	"mesh-assistant/internal/domain"
)

const (
	DefaultPrefix     = "knowledge/"
	DefaultChunkRunes = 1000
	DefaultMaxBytes   = 1 << 20
	minTokenRunes     = 3
)

// BlobStore is the object storage the index reads documents from.
// *archive.Client satisfies this interface.
type BlobStore interface {
	ListByPrefix(ctx context.Context, prefix string) ([]archive.Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Embedder turns text into a vector. Provider implementations satisfy it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Available() bool
}

type chunk struct {
	source  string
	content string
	tokens  map[string]struct{}
	vector  []float32
}

// Index is an in-memory snapshot of the knowledge documents. Load replaces
// the snapshot atomically; Retrieve never blocks on a running Load.
type Index struct {
	blobs      BlobStore
	embedder   Embedder
	prefix     string
	chunkRunes int
	maxBytes   int
	now        func() time.Time
	log        zerolog.Logger

	mu       sync.RWMutex
	chunks   []chunk
	embedded bool
	loadedAt time.Time
}

type Option func(*Index)

func WithPrefix(prefix string) Option {
	return func(ix *Index) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			ix.prefix = prefix + "/"
		}
	}
}

func WithEmbedder(e Embedder) Option {
	return func(ix *Index) { ix.embedder = e }
}

func WithChunkRunes(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.chunkRunes = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(ix *Index) { ix.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(ix *Index) {
		if now != nil {
			ix.now = now
		}
	}
}

func New(blobs BlobStore, opts ...Option) (*Index, error) {
	if blobs == nil {
		return nil, errors.New("knowledge: blob store is nil")
	}
	ix := &Index{
		blobs:      blobs,
		prefix:     DefaultPrefix,
		chunkRunes: DefaultChunkRunes,
		maxBytes:   DefaultMaxBytes,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Load reads every document under the prefix and rebuilds the snapshot.
// Unreadable documents are skipped. Embeddings are computed when an
// embedder is available; the first embedding failure switches the whole
// snapshot to keyword ranking.
func (ix *Index) Load(ctx context.Context) error {
	objects, err := ix.blobs.ListByPrefix(ctx, ix.prefix)
	if err != nil {
		return fmt.Errorf("knowledge: list: %w", err)
	}

	var chunks []chunk
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") || obj.Size > int64(ix.maxBytes) {
			continue
		}
		body, err := ix.blobs.Get(ctx, obj.Key)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("knowledge: load: %w", ctx.Err())
			}
			ix.log.Warn().Err(err).Str("key", obj.Key).Msg("skipping unreadable knowledge document")
			continue
		}
		if !utf8.Valid(body) {
			ix.log.Warn().Str("key", obj.Key).Msg("skipping non-text knowledge document")
			continue
		}
		source := strings.TrimPrefix(obj.Key, ix.prefix)
		for _, content := range splitChunks(string(body), ix.chunkRunes) {
			chunks = append(chunks, chunk{source: source, content: content, tokens: keywords(content)})
		}
	}

	embedded := ix.embedAll(ctx, chunks)

	ix.mu.Lock()
	ix.chunks = chunks
	ix.embedded = embedded
	ix.loadedAt = ix.now()
	ix.mu.Unlock()

	ix.log.Info().Int("documents", len(objects)).Int("chunks", len(chunks)).Bool("embedded", embedded).Msg("knowledge index loaded")
	return nil
}

func (ix *Index) embedAll(ctx context.Context, chunks []chunk) bool {
	if ix.embedder == nil || !ix.embedder.Available() || len(chunks) == 0 {
		return false
	}
	for i := range chunks {
		v, err := ix.embedder.Embed(ctx, chunks[i].content)
		if err != nil || len(v) == 0 {
			ix.log.Warn().Err(err).Str("source", chunks[i].source).Msg("embedding failed, using keyword ranking")
			for j := range chunks {
				chunks[j].vector = nil
			}
			return false
		}
		chunks[i].vector = v
	}
	return true
}

// Add stores a text document under the prefix. It becomes retrievable after
// the next Load.
func (ix *Index) Add(ctx context.Context, name string, body []byte) (string, error) {
	name = strings.Trim(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return "", errors.New("knowledge: document name is required")
	}
	if !utf8.Valid(body) {
		return "", errors.New("knowledge: document is not valid UTF-8 text")
	}
	key := ix.prefix + name
	if err := ix.blobs.Put(ctx, key, body, "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("knowledge: add: %w", err)
	}
	return key, nil
}

// Retrieve returns up to limit snippets relevant to query, best first. It
// never fails: an empty index or a failed query embedding degrade to
// keyword ranking or no documents.
func (ix *Index) Retrieve(ctx context.Context, query string, limit int) []domain.Document {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	ix.mu.RLock()
	chunks, embedded := ix.chunks, ix.embedded
	ix.mu.RUnlock()
	if len(chunks) == 0 {
		return nil
	}

	var scores []float64
	if embedded && ix.embedder != nil && ix.embedder.Available() {
		if qv, err := ix.embedder.Embed(ctx, query); err == nil && len(qv) > 0 {
			scores = make([]float64, len(chunks))
			for i, c := range chunks {
				scores[i] = cosine(qv, c.vector)
			}
		} else {
			ix.log.Debug().Err(err).Msg("query embedding failed, using keyword ranking")
		}
	}
	if scores == nil {
		q := keywords(query)
		scores = make([]float64, len(chunks))
		for i, c := range chunks {
			scores[i] = overlap(q, c.tokens)
		}
	}

	docs := make([]domain.Document, 0, len(chunks))
	for i, c := range chunks {
		if scores[i] <= 0 {
			continue
		}
		docs = append(docs, domain.Document{Source: c.source, Content: c.content, Relevance: scores[i]})
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Relevance != docs[j].Relevance {
			return docs[i].Relevance > docs[j].Relevance
		}
		return docs[i].Source < docs[j].Source
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}

// Stats reports the snapshot size.
func (ix *Index) Stats() (chunks int, embedded bool, loadedAt time.Time) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.chunks), ix.embedded, ix.loadedAt
}

// splitChunks cuts text into pieces of at most limit runes, preferring to
// break at whitespace in the second half of a window.
func splitChunks(text string, limit int) []string {
	runes := []rune(strings.TrimSpace(text))
	var out []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			out = append(out, string(runes))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	return out
}

func keywords(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) >= minTokenRunes {
			set[f] = struct{}{}
		}
	}
	return set
}

// overlap is the share of query keywords present in the chunk.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for k := range query {
		if _, ok := doc[k]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
