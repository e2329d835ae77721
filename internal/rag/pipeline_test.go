package rag

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"support-kb-backend/internal/metrics"
	"support-kb-backend/internal/vectorstore"
	"support-kb-backend/models"
)

// fakeEmbedder returns fixed vectors per text, with a fallback for anything
// unmapped.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

// flakyEmbedder fails a fixed number of times before succeeding.
type flakyEmbedder struct {
	failuresLeft int
	calls        int
}

func (f *flakyEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("rate limited")
	}
	return []float32{1, 0}, nil
}

// fakeGenerator records the prompt and replies with canned fragments.
type fakeGenerator struct {
	fragments []string
	err       error
	prompt    string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return strings.Join(f.fragments, ""), nil
}

func (f *fakeGenerator) GenerateStream(_ context.Context, prompt string) (<-chan string, <-chan error) {
	f.prompt = prompt
	frags := make(chan string, len(f.fragments))
	errs := make(chan error, 1)
	for _, frag := range f.fragments {
		frags <- frag
	}
	close(frags)
	if f.err != nil {
		errs <- f.err
	}
	close(errs)
	return frags, errs
}

func newTestStore(t *testing.T) *metrics.Store {
	t.Helper()
	store, err := metrics.Open(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("opening metrics store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		IndexDir:        t.TempDir(),
		BatchSize:       2,
		EmbedAttempts:   5,
		EmbedRetryDelay: time.Millisecond,
		TopK:            2,
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		budget int
		want   string
	}{
		{"short is untouched", "hello", 10, "hello"},
		{"exact fits", "hello", 5, "hello"},
		{"long is cut", "hello world", 5, "hello"},
		{"zero budget disables", "hello", 0, "hello"},
		{"multibyte counted as runes", "héllö wörld", 5, "héllö"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.text, tt.budget); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.text, tt.budget, got, tt.want)
			}
		})
	}
	// Truncation is deterministic: same input, same prefix, every time.
	a := Truncate(strings.Repeat("abc ", 100), 37)
	b := Truncate(strings.Repeat("abc ", 100), 37)
	if a != b {
		t.Errorf("Truncate not deterministic: %q vs %q", a, b)
	}
}

func TestTemplateRender(t *testing.T) {
	tmpl := TemplateByName("default")
	out := tmpl.Render("CTX", "QUESTION", "fr")
	for _, want := range []string{"CTX", "QUESTION", `"fr"`} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered prompt missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "{context}") || strings.Contains(out, "{question}") || strings.Contains(out, "{language}") {
		t.Errorf("rendered prompt has unfilled slots:\n%s", out)
	}
}

func TestTemplateByNameFallback(t *testing.T) {
	if got := TemplateByName("no-such-template"); got.Name != "default" {
		t.Errorf("fallback template = %q, want default", got.Name)
	}
}

func TestBuildIndexEmptyInput(t *testing.T) {
	cfg := testConfig(t)
	p := New(&fakeEmbedder{}, &fakeGenerator{}, newTestStore(t), cfg)

	count, err := p.BuildIndex(context.Background(), nil)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
	if vectorstore.Exists(cfg.IndexDir) {
		t.Error("empty build persisted an index")
	}
	if p.Initialized() {
		t.Error("Initialized = true after empty build")
	}
}

func TestBuildIndexRetriesTransientFailures(t *testing.T) {
	cfg := testConfig(t)
	embedder := &flakyEmbedder{failuresLeft: 4}
	p := New(embedder, &fakeGenerator{}, newTestStore(t), cfg)

	records := []models.ContentRecord{{Title: "A", Body: "body", SourceURL: "u"}}
	count, err := p.BuildIndex(context.Background(), records)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (succeeds on the fifth attempt)", count)
	}
	if embedder.calls != 5 {
		t.Errorf("embed calls = %d, want 5", embedder.calls)
	}
	if !vectorstore.Exists(cfg.IndexDir) {
		t.Error("index not persisted")
	}
}

func TestBuildIndexSkipsExhaustedBatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 1
	cfg.EmbedAttempts = 2
	// More failures than the retry budget of the first batch; the second
	// batch then succeeds immediately.
	embedder := &flakyEmbedder{failuresLeft: 2}
	p := New(embedder, &fakeGenerator{}, newTestStore(t), cfg)

	records := []models.ContentRecord{
		{Title: "doomed", Body: "a", SourceURL: "u1"},
		{Title: "fine", Body: "b", SourceURL: "u2"},
	}
	count, err := p.BuildIndex(context.Background(), records)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (failed batch skipped, build continues)", count)
	}
}

func TestRetrieveUninitialized(t *testing.T) {
	p := New(&fakeEmbedder{}, &fakeGenerator{}, newTestStore(t), testConfig(t))
	hits, err := p.Retrieve(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if hits != nil {
		t.Errorf("hits = %v, want nil before first build", hits)
	}
}

func TestAnswerUninitialized(t *testing.T) {
	store := newTestStore(t)
	p := New(&fakeEmbedder{}, &fakeGenerator{}, store, testConfig(t))

	result, id, err := p.Answer(context.Background(), "hello?", "")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if result.Response != NotInitializedResponse {
		t.Errorf("Response = %q, want the designed degraded answer", result.Response)
	}
	if len(result.Sources) != 0 {
		t.Errorf("Sources = %v, want empty", result.Sources)
	}
	if result.Language != "en" {
		t.Errorf("Language = %q, want default en", result.Language)
	}

	rec, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("degraded answer was not logged: %v", err)
	}
	if rec.Response != NotInitializedResponse {
		t.Errorf("logged response = %q", rec.Response)
	}
}

func knowledgeBase(t *testing.T, store *metrics.Store, gen *fakeGenerator) *Pipeline {
	t.Helper()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Support hours are 8am-5pm on weekdays.": {1, 0, 0},
		"Invoices are issued monthly.":           {0, 1, 0},
		"when is support open?":                  {1, 0, 0},
	}}
	p := New(embedder, gen, store, Config{
		IndexDir:        t.TempDir(),
		BatchSize:       10,
		EmbedAttempts:   1,
		EmbedRetryDelay: time.Millisecond,
		TopK:            1,
		Product:         "Acme",
	})

	records := []models.ContentRecord{
		{Title: "Support Hours", Body: "Support hours are 8am-5pm on weekdays.", SourceURL: "https://help.example.com/a/1"},
		{Title: "Billing", Body: "Invoices are issued monthly.", SourceURL: "https://help.example.com/a/2"},
	}
	if _, err := p.BuildIndex(context.Background(), records); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	return p
}

func TestAnswerGroundsPromptInRetrievedContext(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{fragments: []string{"We are open 8am-5pm."}}
	p := knowledgeBase(t, store, gen)

	result, id, err := p.Answer(context.Background(), "when is support open?", "en")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if !strings.Contains(gen.prompt, "Support hours are 8am-5pm on weekdays.") {
		t.Errorf("prompt missing retrieved context:\n%s", gen.prompt)
	}
	if !strings.Contains(gen.prompt, "when is support open?") {
		t.Errorf("prompt missing the question:\n%s", gen.prompt)
	}
	if result.Response != "We are open 8am-5pm." {
		t.Errorf("Response = %q", result.Response)
	}
	if len(result.Sources) != 1 || result.Sources[0].Title != "Support Hours" {
		t.Errorf("Sources = %v, want the support-hours article", result.Sources)
	}
	if result.Sources[0].Product != "Acme" {
		t.Errorf("source Product = %q, want Acme", result.Sources[0].Product)
	}

	rec, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("interaction not logged: %v", err)
	}
	if rec.Response != "We are open 8am-5pm." {
		t.Errorf("logged response = %q", rec.Response)
	}
}

func collectEvents(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestAnswerStreamOrdering(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{fragments: []string{"We are ", "open ", "8am-5pm."}}
	p := knowledgeBase(t, store, gen)

	got := collectEvents(t, p.AnswerStream(context.Background(), "when is support open?", "en"))
	if len(got) < 3 {
		t.Fatalf("got %d events, want meta + fragments + end", len(got))
	}

	if got[0].Type != EventMeta {
		t.Fatalf("first event type = %v, want EventMeta", got[0].Type)
	}
	if len(got[0].Sources) != 1 || got[0].Sources[0].Title != "Support Hours" {
		t.Errorf("meta sources = %v", got[0].Sources)
	}
	if got[0].Language != "en" {
		t.Errorf("meta language = %q", got[0].Language)
	}

	last := got[len(got)-1]
	if last.Type != EventEnd {
		t.Fatalf("last event type = %v, want EventEnd", last.Type)
	}
	if last.RequestID == "" {
		t.Fatal("end event has empty request id")
	}

	var text strings.Builder
	for _, ev := range got[1 : len(got)-1] {
		if ev.Type != EventFragment {
			t.Fatalf("middle event type = %v, want EventFragment", ev.Type)
		}
		text.WriteString(ev.Text)
	}
	if text.String() != "We are open 8am-5pm." {
		t.Errorf("streamed text = %q", text.String())
	}

	rec, err := store.Get(context.Background(), last.RequestID)
	if err != nil {
		t.Fatalf("streamed interaction not logged: %v", err)
	}
	if rec.Response != "We are open 8am-5pm." {
		t.Errorf("logged response = %q", rec.Response)
	}
}

func TestAnswerStreamUninitialized(t *testing.T) {
	store := newTestStore(t)
	p := New(&fakeEmbedder{}, &fakeGenerator{}, store, testConfig(t))

	got := collectEvents(t, p.AnswerStream(context.Background(), "hello?", ""))
	if len(got) != 3 {
		t.Fatalf("got %d events, want meta + fragment + end", len(got))
	}
	if got[0].Type != EventMeta || len(got[0].Sources) != 0 {
		t.Errorf("first event = %+v, want empty meta", got[0])
	}
	if got[1].Type != EventFragment || got[1].Text != NotInitializedResponse {
		t.Errorf("second event = %+v, want the degraded answer", got[1])
	}
	if got[2].Type != EventEnd || got[2].RequestID == "" {
		t.Errorf("third event = %+v, want end with id", got[2])
	}
}

func TestAnswerStreamGenerationFailure(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	p := knowledgeBase(t, store, gen)

	got := collectEvents(t, p.AnswerStream(context.Background(), "when is support open?", "en"))
	last := got[len(got)-1]
	if last.Type != EventError {
		t.Fatalf("last event type = %v, want EventError when nothing was generated", last.Type)
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "model unavailable") {
		t.Errorf("error = %v", last.Err)
	}
}
