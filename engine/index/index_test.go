package index

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/gamerec/engine/catalog"
	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/provider"
)

// keywordEmbedder maps text onto fixed axes by keyword so rankings are
// predictable.
var axes = []string{"strategy", "racing", "puzzle", "rpg"}

func keywordEmbed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, len(axes))
	lower := strings.ToLower(text)
	for i, a := range axes {
		if strings.Contains(lower, a) {
			v[i] = 1
		}
	}
	return v, nil
}

func games() []catalog.Record {
	return []catalog.Record{
		catalog.NewTextRecord("chess", "Chess Classic, genre=strategy, rating=4.5"),
		catalog.NewTextRecord("racer", "Speed Racer, genre=racing, rating=3.0"),
		catalog.NewTextRecord("tetris", "Block Drop, genre=puzzle, rating=4.8"),
		catalog.NewTextRecord("go", "Go Master, genre=strategy, rating=4.1"),
		catalog.NewTextRecord("quest", "Dragon Quest, genre=rpg strategy, rating=4.6"),
	}
}

func mustBuild(t *testing.T, recs []catalog.Record, e provider.Embedder) *Index {
	t.Helper()
	idx, err := Build(context.Background(), recs, e, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestQueryReturnsMinKN(t *testing.T) {
	idx := mustBuild(t, games(), provider.EmbedFunc(keywordEmbed))
	q, _ := keywordEmbed(context.Background(), "strategy")
	for _, k := range []int{0, 1, 2, 5, 10} {
		hits, err := idx.Query(q, k)
		if err != nil {
			t.Fatal(err)
		}
		if want := min(k, idx.Len()); len(hits) != want {
			t.Fatalf("k=%d: got %d hits, want %d", k, len(hits), want)
		}
		for i := 1; i < len(hits); i++ {
			if hits[i].Score > hits[i-1].Score {
				t.Fatalf("k=%d: scores not non-increasing at %d", k, i)
			}
		}
	}
}

func TestQueryTiesKeepInsertionOrder(t *testing.T) {
	idx := mustBuild(t, games(), provider.EmbedFunc(keywordEmbed))
	q, _ := keywordEmbed(context.Background(), "strategy")
	hits, _ := idx.Query(q, 3)
	// chess and go score 1.0; quest scores 1/sqrt(2).
	got := []string{hits[0].Record.ID(), hits[1].Record.ID(), hits[2].Record.ID()}
	if got[0] != "chess" || got[1] != "go" || got[2] != "quest" {
		t.Fatalf("order = %v", got)
	}
	if hits[0].Score != 1 {
		t.Fatalf("score = %v", hits[0].Score)
	}
}

func TestSelfMatchFirst(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	vecs := map[string][]float32{}
	var recs []catalog.Record
	for i := range 50 {
		id := fmt.Sprintf("g%d", i)
		v := make([]float32, 16)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		vecs[id] = v
		recs = append(recs, catalog.NewTextRecord(id, id))
	}
	embed := provider.EmbedFunc(func(_ context.Context, text string) ([]float32, error) { return vecs[text], nil })
	idx := mustBuild(t, recs, embed)

	for _, id := range []string{"g0", "g17", "g49"} {
		hits, err := idx.Query(vecs[id], 1)
		if err != nil {
			t.Fatal(err)
		}
		if hits[0].Record.ID() != id {
			t.Fatalf("self-match for %s returned %s", id, hits[0].Record.ID())
		}
		if hits[0].Score < 0.999999 {
			t.Fatalf("self score = %v", hits[0].Score)
		}
	}
}

func TestBuildTwiceSameRanking(t *testing.T) {
	a := mustBuild(t, games(), provider.EmbedFunc(keywordEmbed))
	b := mustBuild(t, games(), provider.EmbedFunc(keywordEmbed))
	q, _ := keywordEmbed(context.Background(), "rpg strategy")
	ha, _ := a.Query(q, 5)
	hb, _ := b.Query(q, 5)
	for i := range ha {
		if ha[i].Record.ID() != hb[i].Record.ID() || ha[i].Score != hb[i].Score {
			t.Fatalf("rank %d differs: %s vs %s", i, ha[i].Record.ID(), hb[i].Record.ID())
		}
	}
}

func TestQueryNegativeK(t *testing.T) {
	idx := mustBuild(t, games(), provider.EmbedFunc(keywordEmbed))
	_, err := idx.Query(make([]float32, 4), -1)
	if !errors.Is(err, domain.ErrInvalidArgument) || !errors.Is(err, domain.ErrNegativeK) {
		t.Fatalf("err = %v", err)
	}
}

func TestQueryDimensionMismatch(t *testing.T) {
	idx := mustBuild(t, games(), provider.EmbedFunc(keywordEmbed))
	_, err := idx.Query([]float32{1, 0}, 3)
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmptyIndex(t *testing.T) {
	idx := mustBuild(t, nil, provider.EmbedFunc(keywordEmbed))
	hits, err := idx.Query([]float32{1, 2, 3}, 5)
	if err != nil || len(hits) != 0 {
		t.Fatalf("hits=%v err=%v", hits, err)
	}
	if idx.Dim() != 0 {
		t.Fatalf("dim = %d", idx.Dim())
	}
}

func TestZeroVectorScoresZero(t *testing.T) {
	idx := mustBuild(t, games(), provider.EmbedFunc(keywordEmbed))
	hits, err := idx.Query(make([]float32, 4), 5)
	if err != nil {
		t.Fatal(err)
	}
	for i, h := range hits {
		if h.Score != 0 {
			t.Fatalf("score = %v", h.Score)
		}
		if h.Record.ID() != games()[i].ID() {
			t.Fatal("all-zero scores must keep insertion order")
		}
	}
}

func TestBuildEmbeddingFailure(t *testing.T) {
	boom := errors.New("provider unreachable")
	embed := provider.EmbedFunc(func(_ context.Context, text string) ([]float32, error) {
		if strings.Contains(text, "Racer") {
			return nil, boom
		}
		return keywordEmbed(context.Background(), text)
	})
	_, err := Build(context.Background(), games(), embed, DefaultOptions())
	if !errors.Is(err, domain.ErrEmbedding) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), `"racer"`) {
		t.Fatalf("error should name the record: %v", err)
	}
}

func TestBuildDimensionMismatch(t *testing.T) {
	embed := provider.EmbedFunc(func(_ context.Context, text string) ([]float32, error) {
		if strings.Contains(text, "puzzle") {
			return []float32{1, 2}, nil
		}
		return keywordEmbed(context.Background(), text)
	})
	_, err := Build(context.Background(), games(), embed, DefaultOptions())
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildEmptyVector(t *testing.T) {
	embed := provider.EmbedFunc(func(context.Context, string) ([]float32, error) { return []float32{}, nil })
	_, err := Build(context.Background(), games(), embed, DefaultOptions())
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("err = %v", err)
	}
}

type batchEmbedder struct {
	mu      sync.Mutex
	batches [][]string
}

func (b *batchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return keywordEmbed(ctx, text)
}

func (b *batchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	b.batches = append(b.batches, texts)
	b.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = keywordEmbed(ctx, t)
	}
	return out, nil
}

func TestBuildUsesBatches(t *testing.T) {
	be := &batchEmbedder{}
	idx, err := Build(context.Background(), games(), be, Options{Workers: 2, BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(be.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(be.batches))
	}
	// Insertion order survives concurrent batches.
	for i, r := range idx.Records() {
		if r.ID() != games()[i].ID() {
			t.Fatalf("record %d = %s", i, r.ID())
		}
	}
}

func TestConcurrentQueries(t *testing.T) {
	idx := mustBuild(t, games(), provider.EmbedFunc(keywordEmbed))
	q, _ := keywordEmbed(context.Background(), "racing")
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := idx.Query(q, 1)
			if err != nil || hits[0].Record.ID() != "racer" {
				t.Errorf("hits=%v err=%v", hits, err)
			}
		}()
	}
	wg.Wait()
}

// --- Holder ---

type countingSource struct {
	*catalog.Memory
	loads atomic.Int32
	delay time.Duration
	err   error
}

func (c *countingSource) Load(ctx context.Context) ([]catalog.Record, error) {
	c.loads.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.Memory.Load(ctx)
}

func TestHolderMemoizes(t *testing.T) {
	src := &countingSource{Memory: catalog.NewMemory("mem", games()...)}
	h := NewHolder(src, provider.EmbedFunc(keywordEmbed), DefaultOptions(), nil, nil)

	a, err := h.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := h.Get(context.Background())
	if a != b || src.loads.Load() != 1 {
		t.Fatalf("loads = %d, want 1", src.loads.Load())
	}
}

func TestHolderSingleFlight(t *testing.T) {
	src := &countingSource{Memory: catalog.NewMemory("mem", games()...), delay: 30 * time.Millisecond}
	h := NewHolder(src, provider.EmbedFunc(keywordEmbed), DefaultOptions(), nil, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Get(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if src.loads.Load() != 1 {
		t.Fatalf("loads = %d, want 1", src.loads.Load())
	}
}

func TestHolderInvalidateRebuilds(t *testing.T) {
	src := &countingSource{Memory: catalog.NewMemory("mem", games()...)}
	h := NewHolder(src, provider.EmbedFunc(keywordEmbed), DefaultOptions(), nil, nil)
	first, _ := h.Get(context.Background())
	h.Invalidate()
	if h.Current() != nil {
		t.Fatal("Invalidate should drop the live index")
	}
	second, err := h.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first == second || src.loads.Load() != 2 {
		t.Fatalf("loads = %d, want 2", src.loads.Load())
	}
}

func TestHolderBuildFailureKeepsPrevious(t *testing.T) {
	src := &countingSource{Memory: catalog.NewMemory("mem", games()...)}
	h := NewHolder(src, provider.EmbedFunc(keywordEmbed), DefaultOptions(), nil, nil)
	good, _ := h.Get(context.Background())

	src.err = errors.New("disk gone")
	if _, err := h.Build(context.Background()); err == nil {
		t.Fatal("expected build error")
	}
	if h.Current() != good {
		t.Fatal("failed rebuild must leave the previous index live")
	}
}

func TestHolderSearch(t *testing.T) {
	h := NewHolder(catalog.NewMemory("mem", games()...), provider.EmbedFunc(keywordEmbed), DefaultOptions(), nil, nil)
	q, _ := keywordEmbed(context.Background(), "puzzle")
	hits, err := h.Search(context.Background(), q, 1)
	if err != nil {
		t.Fatal(err)
	}
	if hits[0].Record.ID() != "tetris" {
		t.Fatalf("top = %s", hits[0].Record.ID())
	}
	if h.BuiltAt().IsZero() {
		t.Fatal("BuiltAt should be set")
	}
}

func TestHolderGetHonoursCallerContext(t *testing.T) {
	src := &countingSource{Memory: catalog.NewMemory("mem", games()...), delay: 200 * time.Millisecond}
	h := NewHolder(src, provider.EmbedFunc(keywordEmbed), DefaultOptions(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

// shrinkingSource serves a one-record catalog on its first load and the
// current two-record catalog afterwards.
type shrinkingSource struct {
	loads atomic.Int32
}

func (s *shrinkingSource) Name() string { return "games" }

func (s *shrinkingSource) Load(context.Context) ([]catalog.Record, error) {
	if s.loads.Add(1) == 1 {
		return []catalog.Record{catalog.NewTextRecord("old", "old strategy game")}, nil
	}
	return []catalog.Record{
		catalog.NewTextRecord("chess", "Chess Classic, genre=strategy"),
		catalog.NewTextRecord("racer", "Speed Racer, genre=racing"),
	}, nil
}

func TestHolderOlderBuildDoesNotReplaceNewer(t *testing.T) {
	src := &shrinkingSource{}
	embed := provider.EmbedFunc(func(ctx context.Context, text string) ([]float32, error) {
		if strings.HasPrefix(text, "old") {
			time.Sleep(200 * time.Millisecond)
		}
		return keywordEmbed(ctx, text)
	})
	h := NewHolder(src, embed, DefaultOptions(), nil, nil)

	warm := make(chan struct{})
	go func() {
		defer close(warm)
		h.Get(context.Background())
	}()
	for src.loads.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	idx, err := h.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 2 || h.Current() != idx {
		t.Fatalf("rebuild not installed: len=%d", idx.Len())
	}
	<-warm
	if cur := h.Current(); cur != idx {
		t.Fatalf("stale build installed: len=%d first=%s", cur.Len(), cur.Records()[0].ID())
	}
}

func TestHolderWarmBuildsOnce(t *testing.T) {
	src := &countingSource{Memory: catalog.NewMemory("mem", games()...)}
	h := NewHolder(src, provider.EmbedFunc(keywordEmbed), DefaultOptions(), nil, nil)
	for range 2 {
		if err := h.Warm(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if h.Current() == nil || src.loads.Load() != 1 {
		t.Fatalf("loads = %d", src.loads.Load())
	}
}
