// Package discovery implements the Discovery Index (spec §4.3, C3): a
// per-namespace in-memory vector index over tools, with incremental
// re-indexing by content hash and cosine-similarity search.
package discovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/metamcp/pkg/logger"
)

// EmbeddingProvider is the embedding provider port (spec §6): embed(text)
// -> normalized, fixed-dimension vector. The first call may download a
// model; concrete implementations must make concurrent callers share one
// loading future themselves.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// entry is one indexed tool within a namespace (spec §4.3).
type entry struct {
	FullName     string
	ServerName   string
	OriginalName string
	Description  string
	InputSchema  []byte
	Embedding    []float32
	ContentHash  [32]byte
}

// SearchResult is one hit returned by Search.
type SearchResult struct {
	FullName     string
	ServerName   string
	OriginalName string
	Description  string
	InputSchema  []byte
	Score        float64
}

// ToolInput is what callers pass to IndexTools: one tool as listed by the
// aggregator, with any tool-name override already applied to FullName.
type ToolInput struct {
	FullName     string
	ServerName   string
	OriginalName string
	Title        string
	Description  string
	InputSchema  []byte
	ContentHash  [32]byte
}

const (
	// DefaultSearchLimit is applied when callers don't specify one (spec §4.3).
	DefaultSearchLimit = 5
	// MaxSearchLimit is the cap callers may request (spec §4.3).
	MaxSearchLimit = 20
	// DefaultThreshold is the minimum cosine similarity kept by Search (spec §4.3).
	DefaultThreshold = 0.3
	// embedBatchSize bounds how many embeddings run concurrently per
	// IndexTools call (spec §4.3).
	embedBatchSize = 5
)

// Index is the per-namespace discovery index. A single Index instance
// serves every namespace; namespaces are isolated by the nsUUID key.
type Index struct {
	embedder EmbeddingProvider

	mu    sync.RWMutex
	byNS  map[string]map[string]entry // namespace -> full tool name -> entry

	group singleflight.Group // collapses concurrent IndexTools for one namespace
}

// New constructs an Index backed by the given embedding provider.
func New(embedder EmbeddingProvider) *Index {
	return &Index{
		embedder: embedder,
		byNS:     make(map[string]map[string]entry),
	}
}

// embeddingText builds the text embedded for a tool (spec §4.3):
// "Server: <s>. Tool: <n>.[ Title: <t>.] Description: <d|No description>".
func embeddingText(serverName, toolName, title, description string) string {
	desc := description
	if desc == "" {
		desc = "No description"
	}
	if title == "" {
		return fmt.Sprintf("Server: %s. Tool: %s. Description: %s", serverName, toolName, desc)
	}
	return fmt.Sprintf("Server: %s. Tool: %s. Title: %s. Description: %s", serverName, toolName, title, desc)
}

// IndexTools embeds and caches tools for a namespace, skipping any tool
// whose content hash is unchanged since the last index (spec §4.3).
// Re-entrant calls for the same namespace share one pending operation.
// Embedding runs with up to embedBatchSize requests in flight at once.
func (idx *Index) IndexTools(ctx context.Context, namespaceUUID string, tools []ToolInput) error {
	_, err, _ := idx.group.Do(namespaceUUID, func() (any, error) {
		return nil, idx.indexToolsLocked(ctx, namespaceUUID, tools)
	})
	return err
}

func (idx *Index) indexToolsLocked(ctx context.Context, namespaceUUID string, tools []ToolInput) error {
	idx.mu.RLock()
	existing := idx.byNS[namespaceUUID]
	idx.mu.RUnlock()

	toEmbed := make([]ToolInput, 0, len(tools))
	unchanged := make(map[string]entry, len(tools))
	for _, t := range tools {
		if prev, ok := existing[t.FullName]; ok && prev.ContentHash == t.ContentHash {
			unchanged[t.FullName] = prev
			continue
		}
		toEmbed = append(toEmbed, t)
	}

	embedded := make(map[string]entry, len(toEmbed))
	var embeddedMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedBatchSize)
	for _, t := range toEmbed {
		t := t
		g.Go(func() error {
			text := embeddingText(t.ServerName, t.OriginalName, t.Title, t.Description)
			vec, err := idx.embedder.Embed(gctx, text)
			if err != nil {
				logger.Warnf("discovery: embedding failed for %s/%s: %v", namespaceUUID, t.FullName, err)
				return nil // a single tool failure must not abort the batch
			}
			e := entry{
				FullName:     t.FullName,
				ServerName:   t.ServerName,
				OriginalName: t.OriginalName,
				Description:  t.Description,
				InputSchema:  t.InputSchema,
				Embedding:    normalize(vec),
				ContentHash:  t.ContentHash,
			}
			embeddedMu.Lock()
			embedded[t.FullName] = e
			embeddedMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged := make(map[string]entry, len(unchanged)+len(embedded))
	for k, v := range unchanged {
		merged[k] = v
	}
	for k, v := range embedded {
		merged[k] = v
	}

	idx.mu.Lock()
	idx.byNS[namespaceUUID] = merged
	idx.mu.Unlock()
	return nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Search embeds query and returns the namespace's tools with cosine
// similarity >= threshold, sorted descending, truncated to limit (spec
// §4.3). A threshold of 0 uses DefaultThreshold and a limit of 0 uses
// DefaultSearchLimit; a limit above MaxSearchLimit is lowered to it.
func (idx *Index) Search(ctx context.Context, namespaceUUID, query string, limit int, threshold float64) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	qVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("discovery: embedding query: %w", err)
	}
	qVec = normalize(qVec)

	idx.mu.RLock()
	entries := idx.byNS[namespaceUUID]
	results := make([]SearchResult, 0, len(entries))
	for _, e := range entries {
		score := cosine(qVec, e.Embedding)
		if score < threshold {
			continue
		}
		results = append(results, SearchResult{
			FullName:     e.FullName,
			ServerName:   e.ServerName,
			OriginalName: e.OriginalName,
			Description:  e.Description,
			InputSchema:  e.InputSchema,
			Score:        score,
		})
	}
	idx.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FullName < results[j].FullName
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Stats reports how many tools are currently indexed per namespace, used
// for observability of background indexing (spec §8 scenario 3).
func (idx *Index) Stats(namespaceUUID string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byNS[namespaceUUID])
}

// ClearNamespaceCache drops every indexed tool for one namespace (spec
// §4.3, called on namespace delete per §5 resource policy).
func (idx *Index) ClearNamespaceCache(namespaceUUID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byNS, namespaceUUID)
}

// ClearAllCaches drops every indexed tool across every namespace (spec §4.3).
func (idx *Index) ClearAllCaches() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byNS = make(map[string]map[string]entry)
}
