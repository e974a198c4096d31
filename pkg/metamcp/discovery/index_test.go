package discovery

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns a deterministic vector derived from the text's
// length and first byte, so cosine search ordering is reproducible
// across runs (spec §8: "Cosine search determinism").
type fakeEmbedder struct {
	calls atomic.Int64
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if text == "" {
		return []float32{0, 0, 0}, nil
	}
	return []float32{float32(len(text)), float32(text[0]), 1}, nil
}

func toolInput(server, name, desc string) ToolInput {
	full := server + "__" + name
	return ToolInput{
		FullName:     full,
		ServerName:   server,
		OriginalName: name,
		Description:  desc,
		ContentHash:  [32]byte{byte(len(desc)), byte(len(name))},
	}
}

func TestIndexTools_And_Search(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := New(emb)

	tools := []ToolInput{
		toolInput("alpha", "read", "read a file from disk"),
		toolInput("alpha", "write", "write a file to disk"),
		toolInput("beta", "query", "run a sql query"),
	}
	require.NoError(t, idx.IndexTools(context.Background(), "ns-1", tools))
	assert.Equal(t, 3, idx.Stats("ns-1"))

	results, err := idx.Search(context.Background(), "ns-1", "read a file", 5, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, DefaultThreshold)
	}
}

func TestIndexTools_SkipsUnchangedContentHash(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := New(emb)

	tools := []ToolInput{toolInput("alpha", "read", "read a file")}
	require.NoError(t, idx.IndexTools(context.Background(), "ns-1", tools))
	firstCalls := emb.calls.Load()
	assert.Equal(t, int64(1), firstCalls)

	// Re-index identical content hash: embedding must not be called again.
	require.NoError(t, idx.IndexTools(context.Background(), "ns-1", tools))
	assert.Equal(t, firstCalls, emb.calls.Load())
}

func TestIndexTools_ReembedsOnContentHashChange(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := New(emb)

	tools := []ToolInput{toolInput("alpha", "read", "read a file")}
	require.NoError(t, idx.IndexTools(context.Background(), "ns-1", tools))

	changed := []ToolInput{toolInput("alpha", "read", "read a file, now documented differently")}
	require.NoError(t, idx.IndexTools(context.Background(), "ns-1", changed))
	assert.Equal(t, int64(2), emb.calls.Load())
}

func TestSearch_LimitAndThreshold(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := New(emb)

	var tools []ToolInput
	for i := 0; i < 10; i++ {
		suffix := string(rune('a' + i))
		tools = append(tools, toolInput("srv", "tool"+suffix, "description number "+suffix))
	}
	require.NoError(t, idx.IndexTools(context.Background(), "ns-1", tools))
	require.Equal(t, 10, idx.Stats("ns-1"))

	// With fakeEmbedder every entry scores about 0.91 against this query.
	results, err := idx.Search(context.Background(), "ns-1", "description number a", 3, 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	results, err = idx.Search(context.Background(), "ns-1", "description number a", 3, 0.95)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClearNamespaceCache(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := New(emb)
	require.NoError(t, idx.IndexTools(context.Background(), "ns-1", []ToolInput{toolInput("a", "b", "c")}))
	idx.ClearNamespaceCache("ns-1")
	assert.Equal(t, 0, idx.Stats("ns-1"))
}

func TestClearAllCaches(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := New(emb)
	require.NoError(t, idx.IndexTools(context.Background(), "ns-1", []ToolInput{toolInput("a", "b", "c")}))
	require.NoError(t, idx.IndexTools(context.Background(), "ns-2", []ToolInput{toolInput("a", "b", "c")}))
	idx.ClearAllCaches()
	assert.Equal(t, 0, idx.Stats("ns-1"))
	assert.Equal(t, 0, idx.Stats("ns-2"))
}

func TestEmbeddingText_Format(t *testing.T) {
	assert.Equal(t, "Server: alpha. Tool: read. Description: No description", embeddingText("alpha", "read", "", ""))
	assert.Equal(t, "Server: alpha. Tool: read. Title: Reader. Description: reads files", embeddingText("alpha", "read", "Reader", "reads files"))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine(nil, []float32{1}))
}
