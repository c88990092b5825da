package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/lessonforge/internal/cache"
	"github.com/kalambet/lessonforge/internal/composer"
	"github.com/kalambet/lessonforge/internal/fallback"
	"github.com/kalambet/lessonforge/internal/frontmatter"
	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/logging"
	"github.com/kalambet/lessonforge/internal/metrics"
	"github.com/kalambet/lessonforge/internal/retrieval"
	"github.com/kalambet/lessonforge/internal/stream"
)

// --- fake provider ---

type fakeReader struct {
	chunks  []stream.Chunk
	failErr error
}

func (r *fakeReader) Next() (stream.Chunk, error) {
	if len(r.chunks) == 0 {
		if r.failErr != nil {
			return stream.Chunk{}, r.failErr
		}
		return stream.Chunk{}, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func (r *fakeReader) Close() error { return nil }

type fakeProvider struct {
	chunks  []stream.Chunk
	failErr error
	openErr error

	mu      sync.Mutex
	calls   int
	bundles []composer.Bundle
}

func (p *fakeProvider) Name() string  { return "fake" }
func (p *fakeProvider) Model() string { return "fake-model" }

func (p *fakeProvider) Open(ctx context.Context, b composer.Bundle, params stream.Params) (stream.ChunkReader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.bundles = append(p.bundles, b)
	if p.openErr != nil {
		return nil, p.openErr
	}
	chunks := append([]stream.Chunk(nil), p.chunks...)
	return &fakeReader{chunks: chunks, failErr: p.failErr}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// --- recording sink ---

type recordingSink struct {
	mu       sync.Mutex
	sb       strings.Builder
	writes   int
	failOn   int // 1-based write that reports a disconnect; 0 never
	closes   int
	closeErr error
}

func (s *recordingSink) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn > 0 && s.writes+1 >= s.failOn {
		return stream.ErrClientGone
	}
	s.writes++
	s.sb.WriteString(text)
	return nil
}

func (s *recordingSink) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.closeErr = err
}

func (s *recordingSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.String()
}

// --- recording observer ---

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []lesson.Outcome
	err      error
}

func (o *recordingObserver) Observe(_ context.Context, out lesson.Outcome) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
	return o.err
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.outcomes)
}

// --- helpers ---

type testEnv struct {
	c        *Coordinator
	provider *fakeProvider
	cache    *cache.Cache
	observer *recordingObserver
}

func newTestEnv(t *testing.T, p *fakeProvider, s retrieval.Searcher, retrievalTimeout time.Duration) *testEnv {
	t.Helper()
	rec, err := metrics.New(nil)
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	env := &testEnv{
		provider: p,
		cache:    cache.New(cache.DefaultMaxEntries, cache.DefaultTTL),
		observer: &recordingObserver{},
	}
	d := Deps{
		Cache:     env.cache,
		Metrics:   rec,
		Observers: []Observer{env.observer},
	}
	if p != nil {
		d.Generator = stream.NewGenerator(p)
	}
	if s != nil {
		d.Retriever = retrieval.NewRetriever(s, 3)
		d.RetrievalName = "test"
	}
	env.c = New(d, Config{IDPrefix: "T", RetrievalTimeout: retrievalTimeout})
	return env
}

func quietContext() context.Context {
	return logging.WithLogger(context.Background(), slog.New(slog.DiscardHandler))
}

func contentChunks(parts ...string) []stream.Chunk {
	out := make([]stream.Chunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, stream.Content(p))
	}
	return out
}

var mathPlan = lesson.Params{Subject: "数学", Grade: "三年级", Topic: "小数加法"}

const mathPlanDoc = "---\n" +
	"title: \"小数加法\"\n" +
	"subject: \"数学\"\n" +
	"grade: \"三年级\"\n" +
	"referenceSources:\n" +
	"  - \"三上第七单元\"\n" +
	"---\n\n" +
	"# 小数加法\n\n## 教学目标\n\n- 掌握小数加法的计算方法\n"

// --- end-to-end scenarios ---

func TestGenerate_LessonPlanWithRetrieval(t *testing.T) {
	searcher := retrieval.SearcherFunc(func(ctx context.Context, q string, f retrieval.Filters) (retrieval.SearchResult, error) {
		return retrieval.SearchResult{
			Context: "小数加法要把小数点对齐。",
			Sources: []string{"三上第七单元"},
			Total:   1,
		}, nil
	})
	p := &fakeProvider{chunks: contentChunks(strings.SplitAfter(mathPlanDoc, "\n")...)}
	env := newTestEnv(t, p, searcher, time.Second)
	sink := &recordingSink{}

	out := env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, sink)

	if out.Failed || out.FallbackUsed || out.CacheHit {
		t.Fatalf("outcome = %+v, want plain success", out)
	}
	got := sink.text()
	if !strings.Contains(got, `subject: "数学"`) {
		t.Errorf("stream missing subject frontmatter:\n%s", got)
	}
	doc, body, err := frontmatter.Parse(got)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Subject != "数学" || !strings.Contains(body, "小数加法") {
		t.Errorf("doc = %+v, body = %q", doc, body)
	}
	if sink.closes != 1 || sink.closeErr != nil {
		t.Errorf("closes = %d, closeErr = %v", sink.closes, sink.closeErr)
	}

	sys := p.bundles[0].SystemPrompt
	if !strings.Contains(sys, "小数加法要把小数点对齐。") {
		t.Error("system prompt missing retrieved context")
	}
	if !strings.Contains(sys, `"三上第七单元"`) {
		t.Error("system prompt missing retrieved source")
	}
}

func TestGenerate_RetrievalTimeout(t *testing.T) {
	searcher := retrieval.SearcherFunc(func(ctx context.Context, q string, f retrieval.Filters) (retrieval.SearchResult, error) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
		return retrieval.SearchResult{}, errors.New("index unavailable")
	})
	doc := "---\ntitle: \"小数加法\"\nsubject: \"数学\"\ngrade: \"三年级\"\nreferenceSources: []\n---\n\n# 小数加法\n"
	p := &fakeProvider{chunks: contentChunks(doc)}
	env := newTestEnv(t, p, searcher, 30*time.Millisecond)

	var logs bytes.Buffer
	ctx := logging.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&logs, nil)))
	sink := &recordingSink{}

	start := time.Now()
	out := env.c.Generate(ctx, lesson.KindLessonPlan, mathPlan, sink)
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("Generate took %v, retrieval timeout not enforced", elapsed)
	}

	if out.Failed {
		t.Fatalf("outcome failed: %v", out.Err)
	}
	parsed, _, err := frontmatter.Parse(sink.text())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.ReferenceSources) != 0 {
		t.Errorf("ReferenceSources = %v, want empty", parsed.ReferenceSources)
	}

	sys := p.bundles[0].SystemPrompt
	if strings.Contains(sys, "参考资料") {
		t.Error("system prompt references material that was never retrieved")
	}
	if !strings.Contains(sys, "referenceSources: []") {
		t.Error("system prompt should require empty referenceSources")
	}
	if !strings.Contains(logs.String(), "retrieval timeout") {
		t.Errorf("timeout not logged:\n%s", logs.String())
	}
	if !strings.Contains(logs.String(), "request_id="+out.RequestID) {
		t.Errorf("timeout log missing request_id:\n%s", logs.String())
	}
}

func TestGenerate_ValidationPrecedesIO(t *testing.T) {
	var searches int
	searcher := retrieval.SearcherFunc(func(ctx context.Context, q string, f retrieval.Filters) (retrieval.SearchResult, error) {
		searches++
		return retrieval.SearchResult{}, nil
	})
	p := &fakeProvider{chunks: contentChunks("x")}
	env := newTestEnv(t, p, searcher, time.Second)
	sink := &recordingSink{}

	out := env.c.Generate(quietContext(), lesson.KindExercises,
		lesson.Params{Subject: "物理", Grade: "一年级", Topic: "力"}, sink)

	if !out.Failed {
		t.Fatal("expected failed outcome")
	}
	var ve *lesson.ValidationError
	if !errors.As(out.Err, &ve) {
		t.Fatalf("Err = %T, want *lesson.ValidationError", out.Err)
	}
	if !strings.Contains(out.Err.Error(), "一年级暂不支持物理") {
		t.Errorf("message = %q", out.Err.Error())
	}
	if p.callCount() != 0 || searches != 0 {
		t.Errorf("provider calls = %d, searches = %d, want 0/0", p.callCount(), searches)
	}
	if sink.writes != 0 {
		t.Errorf("writes = %d, want 0", sink.writes)
	}
	if sink.closes != 1 || !errors.As(sink.closeErr, &ve) {
		t.Errorf("closes = %d, closeErr = %v", sink.closes, sink.closeErr)
	}
	if out.RequestID == "" {
		t.Error("rejected request has no ID")
	}
	if env.observer.count() != 1 {
		t.Errorf("observer saw %d outcomes, want 1", env.observer.count())
	}
}

func TestGenerate_ProviderFailsMidStream(t *testing.T) {
	p := &fakeProvider{
		chunks:  contentChunks("第一段内容", "第二段内容"),
		failErr: errors.New("upstream reset"),
	}
	env := newTestEnv(t, p, nil, 0)
	sink := &recordingSink{}

	out := env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, sink)

	got := sink.text()
	for _, want := range []string{"第一段内容", "第二段内容", "AI服务错误: upstream reset", fallback.SectionHeader} {
		if !strings.Contains(got, want) {
			t.Errorf("stream missing %q:\n%s", want, got)
		}
	}
	if !strings.HasPrefix(got, "第一段内容第二段内容") {
		t.Error("partial content was not streamed first")
	}
	if sink.closes != 1 {
		t.Errorf("closes = %d, want 1", sink.closes)
	}
	if out.Failed || !out.FallbackUsed {
		t.Errorf("Failed/FallbackUsed = %v/%v, want false/true", out.Failed, out.FallbackUsed)
	}
	if out.FullText != got {
		t.Error("FullText differs from what was streamed")
	}
	if st := env.cache.Stats(); st.Entries != 0 {
		t.Errorf("fallback output was cached (%d entries)", st.Entries)
	}
}

func TestGenerate_CacheRoundTrip(t *testing.T) {
	p := &fakeProvider{chunks: contentChunks(mathPlanDoc)}
	env := newTestEnv(t, p, nil, 0)

	first := &recordingSink{}
	out1 := env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, first)
	second := &recordingSink{}
	out2 := env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, second)

	if out1.CacheHit {
		t.Error("first request should miss")
	}
	if !out2.CacheHit {
		t.Error("second request should hit")
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
	if second.text() != first.text() {
		t.Error("cached text differs from the original stream")
	}
	if second.closes != 1 {
		t.Errorf("closes = %d, want 1", second.closes)
	}
	if out1.RequestID == out2.RequestID {
		t.Error("requests share an ID")
	}
}

// --- strategy chain ---

func TestGenerate_MalformedChunksCloseOnce(t *testing.T) {
	p := &fakeProvider{chunks: []stream.Chunk{stream.Content("A"), stream.Malformed(), stream.Content("B")}}
	env := newTestEnv(t, p, nil, 0)
	sink := &recordingSink{}

	out := env.c.Generate(quietContext(), lesson.KindAnalysis, lesson.Params{Content: "一节课的教案"}, sink)

	if out.FullText != "AB" || sink.text() != "AB" {
		t.Errorf("FullText = %q, stream = %q, want AB", out.FullText, sink.text())
	}
	if sink.closes != 1 {
		t.Errorf("closes = %d, want 1", sink.closes)
	}
}

func TestGenerate_ProviderDisabledUsesFallback(t *testing.T) {
	env := newTestEnv(t, nil, nil, 0)
	sink := &recordingSink{}

	out := env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, sink)

	if out.Failed || !out.FallbackUsed {
		t.Fatalf("outcome = %+v", out)
	}
	got := sink.text()
	want, _ := fallback.Synthesize(lesson.KindLessonPlan, "数学", "三年级", "小数加法")
	if got != want {
		t.Errorf("stream is not the fallback document:\n%s", got)
	}
	if strings.Contains(got, "AI服务错误") {
		t.Error("error marker written without partial content")
	}
	if env.c.Status().ProviderEnabled {
		t.Error("status reports provider enabled")
	}
}

func TestGenerate_OpenFailureStreamsFallbackOnly(t *testing.T) {
	p := &fakeProvider{openErr: errors.New("connection refused")}
	env := newTestEnv(t, p, nil, 0)
	sink := &recordingSink{}

	out := env.c.Generate(quietContext(), lesson.KindExercises, mathPlan, sink)

	if !out.FallbackUsed || out.Failed {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.HasPrefix(sink.text(), "---\n") || !strings.Contains(sink.text(), fallback.Marker) {
		t.Errorf("unexpected fallback stream:\n%s", sink.text())
	}
}

func TestGenerate_FallbackFailureIsTerminal(t *testing.T) {
	p := &fakeProvider{chunks: contentChunks("部分"), failErr: errors.New("boom")}
	env := newTestEnv(t, p, nil, 0)
	env.c.synthesize = func(lesson.Kind, string, string, string) (string, error) {
		return "", errors.New("template missing")
	}
	sink := &recordingSink{}

	out := env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, sink)

	if !out.Failed {
		t.Fatal("expected failed outcome")
	}
	var fe *lesson.FallbackError
	if !errors.As(out.Err, &fe) {
		t.Fatalf("Err = %T, want *lesson.FallbackError", out.Err)
	}
	if !strings.HasPrefix(sink.text(), "部分") || !strings.Contains(sink.text(), "AI服务错误: boom") {
		t.Errorf("stream = %q", sink.text())
	}
	if sink.closes != 1 || !errors.As(sink.closeErr, &fe) {
		t.Errorf("closes = %d, closeErr = %v", sink.closes, sink.closeErr)
	}
	if env.observer.count() != 1 {
		t.Errorf("observer saw %d outcomes, want 1", env.observer.count())
	}
}

func TestGenerate_ClientDisconnect(t *testing.T) {
	p := &fakeProvider{chunks: contentChunks("一", "二", "三", "四")}
	env := newTestEnv(t, p, nil, 0)
	sink := &recordingSink{failOn: 2}

	out := env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, sink)

	if !out.Cancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
	if sink.text() != "一" {
		t.Errorf("stream = %q, want only the first chunk", sink.text())
	}
	if sink.closes != 1 {
		t.Errorf("closes = %d, want 1", sink.closes)
	}
	if env.observer.count() != 0 {
		t.Error("observers called after disconnect")
	}
	if m := env.c.Status().Metrics; m.Cancelled != 1 || m.Requests != 1 || m.Succeeded != 0 {
		t.Errorf("metrics after disconnect = %+v", m)
	}
	if env.cache.Stats().Entries != 0 {
		t.Error("cache written after disconnect")
	}
	if strings.Contains(sink.text(), fallback.Marker) {
		t.Error("fallback attempted after disconnect")
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	p := &fakeProvider{chunks: contentChunks("一", "二")}
	env := newTestEnv(t, p, nil, 0)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(quietContext())
	cancel()
	out := env.c.Generate(ctx, lesson.KindLessonPlan, mathPlan, sink)

	if !out.Cancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
	if sink.writes != 0 {
		t.Errorf("writes = %d, want 0", sink.writes)
	}
	if sink.closes != 1 {
		t.Errorf("closes = %d, want 1", sink.closes)
	}
	if env.observer.count() != 0 {
		t.Error("observers called for a cancelled request")
	}
	if got := env.c.Status().Metrics.Cancelled; got != 1 {
		t.Errorf("Cancelled = %d, want 1", got)
	}
}

func TestGenerate_ObserverErrorIgnored(t *testing.T) {
	p := &fakeProvider{chunks: contentChunks(mathPlanDoc)}
	env := newTestEnv(t, p, nil, 0)
	env.observer.err = errors.New("journal offline")
	sink := &recordingSink{}

	out := env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, sink)

	if out.Failed || sink.closeErr != nil {
		t.Errorf("observer error leaked into the response: %+v", out)
	}
}

func TestGenerate_AnalysisNotCached(t *testing.T) {
	var searches int
	searcher := retrieval.SearcherFunc(func(ctx context.Context, q string, f retrieval.Filters) (retrieval.SearchResult, error) {
		searches++
		return retrieval.SearchResult{Context: "x", Sources: []string{"s"}}, nil
	})
	p := &fakeProvider{chunks: contentChunks("## 总体评价\n结构清晰。")}
	env := newTestEnv(t, p, searcher, time.Second)
	params := lesson.Params{Content: "教案全文", AnalysisType: "structure"}

	env.c.Generate(quietContext(), lesson.KindAnalysis, params, &recordingSink{})
	out := env.c.Generate(quietContext(), lesson.KindAnalysis, params, &recordingSink{})

	if out.CacheHit || p.callCount() != 2 {
		t.Errorf("CacheHit = %v, provider calls = %d", out.CacheHit, p.callCount())
	}
	if searches != 0 {
		t.Errorf("analysis ran %d searches, want 0", searches)
	}
}

// --- IDs and status ---

func TestNextID_ConcurrentUnique(t *testing.T) {
	env := newTestEnv(t, nil, nil, 0)

	const n = 100
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = env.c.NextID()
		}()
	}
	wg.Wait()

	type parsed struct{ ms, counter int64 }
	seen := make(map[string]bool, n)
	all := make([]parsed, 0, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
		parts := strings.Split(id, "-")
		if len(parts) != 3 || parts[0] != "T" {
			t.Fatalf("malformed ID %q", id)
		}
		ms, _ := strconv.ParseInt(parts[1], 10, 64)
		c, _ := strconv.ParseInt(parts[2], 10, 64)
		all = append(all, parsed{ms, c})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].counter < all[j].counter })
	for i := 1; i < len(all); i++ {
		if all[i].ms < all[i-1].ms {
			t.Fatalf("timestamp decreased at counter %d", all[i].counter)
		}
	}

	other := newTestEnv(t, nil, nil, 0)
	if got := other.c.NextID(); !strings.HasSuffix(got, "-000001") {
		t.Errorf("coordinators share a counter: %q", got)
	}
}

func TestStatus(t *testing.T) {
	p := &fakeProvider{chunks: contentChunks(mathPlanDoc)}
	env := newTestEnv(t, p, retrieval.SearcherFunc(func(ctx context.Context, q string, f retrieval.Filters) (retrieval.SearchResult, error) {
		return retrieval.SearchResult{}, nil
	}), time.Second)

	env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, &recordingSink{})
	env.c.Generate(quietContext(), lesson.KindLessonPlan, mathPlan, &recordingSink{})

	st := env.c.Status()
	if st.Provider != "fake" || st.Model != "fake-model" || !st.ProviderEnabled {
		t.Errorf("provider fields = %q/%q/%v", st.Provider, st.Model, st.ProviderEnabled)
	}
	if st.Retrieval != "test" {
		t.Errorf("Retrieval = %q", st.Retrieval)
	}
	if !st.CacheEnabled || st.Cache == nil || st.Cache.Hits != 1 || st.Cache.Entries != 1 {
		t.Errorf("cache stats = %+v", st.Cache)
	}
	if st.Metrics.Requests != 2 || st.Metrics.CacheHits != 1 || st.Metrics.Succeeded != 2 {
		t.Errorf("metrics = %+v", st.Metrics)
	}
}

func TestStatus_ModelParameters(t *testing.T) {
	temp := 0.7
	c := New(Deps{Generator: stream.NewGenerator(&fakeProvider{})}, Config{
		Model: stream.Params{MaxTokens: 4096, Temperature: &temp},
	})

	st := c.Status()
	if st.MaxTokens != 4096 || st.Temperature == nil || *st.Temperature != 0.7 {
		t.Errorf("model parameters = %d/%v", st.MaxTokens, st.Temperature)
	}

	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"maxTokens":4096`) || !strings.Contains(string(b), `"temperature":0.7`) {
		t.Errorf("status JSON = %s", b)
	}
}
