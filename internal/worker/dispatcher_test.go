package worker_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docqa/internal/apperr"
	"docqa/internal/config"
	"docqa/internal/extract"
	"docqa/internal/ingest"
	"docqa/internal/retrieval"
	"docqa/internal/worker"
)

type published struct {
	channel string
	body    []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	subs      map[string]chan []byte
	out       chan published
	subErr    error
	publishFn func(channel string) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs: map[string]chan []byte{
			config.ChannelIngestRequests: make(chan []byte, 8),
			config.ChannelQueryRequests:  make(chan []byte, 8),
		},
		out: make(chan published, 16),
	}
}

func (f *fakeTransport) Publish(_ context.Context, channel string, body []byte) error {
	if f.publishFn != nil {
		if err := f.publishFn(channel); err != nil {
			return err
		}
	}
	f.out <- published{channel: channel, body: body}
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[channel], nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) send(channel string, v any) {
	body, ok := v.([]byte)
	if !ok {
		body, _ = json.Marshal(v)
	}
	f.subs[channel] <- body
}

func (f *fakeTransport) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-f.out:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no response published")
		return published{}
	}
}

type mockIngester struct{ mock.Mock }

func (m *mockIngester) Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingest.Result), args.Error(1)
}

type mockAnswerer struct{ mock.Mock }

func (m *mockAnswerer) Answer(ctx context.Context, q string) (*retrieval.Result, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*retrieval.Result), args.Error(1)
}

func startDispatcher(t *testing.T, ft *fakeTransport, ing worker.Ingester, ans worker.Answerer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	d := worker.NewDispatcher(ft, ing, ans, worker.Options{MaxFileSizeMB: 100})
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func decodeIngest(t *testing.T, p published) worker.IngestResponse {
	t.Helper()
	require.Equal(t, config.ChannelIngestResponses, p.channel)
	var resp worker.IngestResponse
	require.NoError(t, json.Unmarshal(p.body, &resp))
	return resp
}

func decodeQuery(t *testing.T, p published) worker.QueryResponse {
	t.Helper()
	require.Equal(t, config.ChannelQueryResponses, p.channel)
	var resp worker.QueryResponse
	require.NoError(t, json.Unmarshal(p.body, &resp))
	return resp
}

func TestDispatcher_IngestSuccess(t *testing.T) {
	ft := newFakeTransport()
	ing := new(mockIngester)
	ing.On("Ingest", mock.Anything, ingest.Request{Filename: "notes.txt", Content: []byte("hello")}).
		Return(&ingest.Result{Status: "success", Processed: 3, Skipped: 1, Total: 4}, nil)
	startDispatcher(t, ft, ing, new(mockAnswerer))

	ft.send(config.ChannelIngestRequests, worker.IngestRequest{
		FileContent: base64.StdEncoding.EncodeToString([]byte("hello")),
		Filename:    "notes.txt",
		RequestID:   "req-1",
	})

	resp := decodeIngest(t, ft.next(t))
	assert.Equal(t, worker.StatusSuccess, resp.Status)
	assert.Equal(t, "req-1", resp.RequestID)
	require.NotNil(t, resp.ProcessedChunks)
	assert.Equal(t, 3, *resp.ProcessedChunks)
	assert.Equal(t, 1, *resp.SkippedChunks)
	assert.Equal(t, 4, *resp.TotalChunks)
	assert.Equal(t, 0, *resp.FailedChunks)
	assert.Empty(t, resp.Detail)
	assert.Empty(t, resp.Message)
	assert.Regexp(t, `^\d+\.\d{2}s$`, resp.ProcessingTime)
	ing.AssertExpectations(t)
}

func TestDispatcher_IngestAllDuplicates(t *testing.T) {
	ft := newFakeTransport()
	ing := new(mockIngester)
	ing.On("Ingest", mock.Anything, mock.Anything).
		Return(&ingest.Result{Status: "success", Skipped: 2, Total: 2}, nil)
	startDispatcher(t, ft, ing, new(mockAnswerer))

	ft.send(config.ChannelIngestRequests, worker.IngestRequest{
		FileContent: base64.StdEncoding.EncodeToString([]byte("x")), Filename: "a.txt", RequestID: "r",
	})

	resp := decodeIngest(t, ft.next(t))
	assert.Equal(t, worker.StatusSuccess, resp.Status)
	assert.Equal(t, worker.AllChunksExistMessage, resp.Message)
}

func TestDispatcher_IngestErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		detail string
	}{
		{"Too Large", apperr.Stage("validate", apperr.ErrFileTooLarge), "File too large (max 100MB)."},
		{"Empty", apperr.Stage("validate", apperr.ErrEmptyFile), "File is empty."},
		{"No Text", apperr.Stage("segment", apperr.ErrNoText), "No text extracted from file."},
		{"Unsupported", apperr.Stage("extract", extract.ErrUnsupportedFormat), "Unsupported file type."},
		{"Extraction", apperr.Stage("extract", fmt.Errorf("%w: broken pdf", apperr.ErrExtraction)), "Failed to extract text from file."},
		{"Other Validation", apperr.Stage("validate", fmt.Errorf("%w: filename missing", apperr.ErrValidation)), "filename missing"},
		{"Rate Limited", apperr.Stage("embed", apperr.ErrRateLimited), worker.RateLimitMessage},
		{"Timeout", apperr.Stage("insert", context.DeadlineExceeded), "insert timed out"},
		{"Internal", apperr.Stage("insert", errors.New("syntax error at or near")), "internal error"},
		{"Transient Store", apperr.Stage("dedup", apperr.ErrTransientStore), "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			ing := new(mockIngester)
			ing.On("Ingest", mock.Anything, mock.Anything).Return(nil, tt.err)
			startDispatcher(t, ft, ing, new(mockAnswerer))

			ft.send(config.ChannelIngestRequests, worker.IngestRequest{
				FileContent: base64.StdEncoding.EncodeToString([]byte("data")), Filename: "f.txt", RequestID: "id-" + tt.name,
			})

			resp := decodeIngest(t, ft.next(t))
			assert.Equal(t, worker.StatusError, resp.Status)
			assert.Equal(t, "id-"+tt.name, resp.RequestID)
			assert.Equal(t, tt.detail, resp.Detail)
			assert.Nil(t, resp.ProcessedChunks)
		})
	}
}

func TestDispatcher_IngestBadBase64(t *testing.T) {
	ft := newFakeTransport()
	ing := new(mockIngester)
	startDispatcher(t, ft, ing, new(mockAnswerer))

	ft.send(config.ChannelIngestRequests, worker.IngestRequest{FileContent: "!!not base64!!", Filename: "f.txt", RequestID: "b64"})

	resp := decodeIngest(t, ft.next(t))
	assert.Equal(t, worker.StatusError, resp.Status)
	assert.Equal(t, "Invalid file content encoding.", resp.Detail)
	ing.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
}

func TestDispatcher_MalformedBody(t *testing.T) {
	ft := newFakeTransport()
	startDispatcher(t, ft, new(mockIngester), new(mockAnswerer))

	ft.send(config.ChannelIngestRequests, []byte("{not json"))
	resp := decodeIngest(t, ft.next(t))
	assert.Equal(t, worker.StatusError, resp.Status)
	assert.Equal(t, worker.UnknownRequestID, resp.RequestID)
	assert.Equal(t, "Malformed request.", resp.Detail)

	ft.send(config.ChannelQueryRequests, []byte(`{"question": 42, "request_id": "kept"}`))
	qresp := decodeQuery(t, ft.next(t))
	assert.Equal(t, worker.StatusError, qresp.Status)
	assert.Equal(t, "kept", qresp.RequestID)
}

func TestDispatcher_QuerySuccess(t *testing.T) {
	ft := newFakeTransport()
	ans := new(mockAnswerer)
	ans.On("Answer", mock.Anything, "What is Go?").
		Return(&retrieval.Result{Status: retrieval.StatusSuccess, Answer: "A language.", DocumentsFound: 2}, nil)
	startDispatcher(t, ft, new(mockIngester), ans)

	ft.send(config.ChannelQueryRequests, worker.QueryRequest{Question: "What is Go?", RequestID: "q-1"})

	resp := decodeQuery(t, ft.next(t))
	assert.Equal(t, worker.StatusSuccess, resp.Status)
	assert.Equal(t, "q-1", resp.RequestID)
	assert.Equal(t, "A language.", resp.Answer)
	require.NotNil(t, resp.DocumentsFound)
	assert.Equal(t, 2, *resp.DocumentsFound)
	assert.NotEmpty(t, resp.ResponseTime)
}

func TestDispatcher_QueryErrors(t *testing.T) {
	ft := newFakeTransport()
	ans := new(mockAnswerer)
	ans.On("Answer", mock.Anything, "  ").Return(nil, apperr.ErrEmptyQuestion).Once()
	ans.On("Answer", mock.Anything, "slow").Return(nil, apperr.Stage("generate", context.DeadlineExceeded)).Once()
	startDispatcher(t, ft, new(mockIngester), ans)

	ft.send(config.ChannelQueryRequests, worker.QueryRequest{Question: "  ", RequestID: "e1"})
	resp := decodeQuery(t, ft.next(t))
	assert.Equal(t, worker.StatusError, resp.Status)
	assert.Equal(t, "Question cannot be empty.", resp.Detail)
	assert.Nil(t, resp.DocumentsFound)

	ft.send(config.ChannelQueryRequests, worker.QueryRequest{Question: "slow", RequestID: "e2"})
	resp = decodeQuery(t, ft.next(t))
	assert.Equal(t, "generate timed out", resp.Detail)
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	ft := newFakeTransport()
	ans := new(mockAnswerer)
	ans.On("Answer", mock.Anything, "boom").Run(func(mock.Arguments) { panic("kaboom") }).Once()
	ans.On("Answer", mock.Anything, "after").
		Return(&retrieval.Result{Status: retrieval.StatusSuccess, Answer: "ok", DocumentsFound: 1}, nil).Once()
	startDispatcher(t, ft, new(mockIngester), ans)

	ft.send(config.ChannelQueryRequests, worker.QueryRequest{Question: "boom", RequestID: "p1"})
	resp := decodeQuery(t, ft.next(t))
	assert.Equal(t, worker.StatusError, resp.Status)
	assert.Equal(t, "internal error", resp.Detail)

	ft.send(config.ChannelQueryRequests, worker.QueryRequest{Question: "after", RequestID: "p2"})
	resp = decodeQuery(t, ft.next(t))
	assert.Equal(t, worker.StatusSuccess, resp.Status)
	assert.Equal(t, "p2", resp.RequestID)
}

func TestDispatcher_PublishFailureKeepsLoopAlive(t *testing.T) {
	ft := newFakeTransport()
	var calls int
	var mu sync.Mutex
	ft.publishFn = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	ans := new(mockAnswerer)
	ans.On("Answer", mock.Anything, mock.Anything).
		Return(&retrieval.Result{Status: retrieval.StatusSuccess, Answer: "ok"}, nil)
	startDispatcher(t, ft, new(mockIngester), ans)

	ft.send(config.ChannelQueryRequests, worker.QueryRequest{Question: "one", RequestID: "1"})
	ft.send(config.ChannelQueryRequests, worker.QueryRequest{Question: "two", RequestID: "2"})

	resp := decodeQuery(t, ft.next(t))
	assert.Equal(t, "2", resp.RequestID)
}

func TestDispatcher_StopsWhenChannelsClose(t *testing.T) {
	ft := newFakeTransport()
	d := worker.NewDispatcher(ft, new(mockIngester), new(mockAnswerer), worker.Options{})

	close(ft.subs[config.ChannelIngestRequests])
	close(ft.subs[config.ChannelQueryRequests])

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDispatcher_SubscribeError(t *testing.T) {
	ft := newFakeTransport()
	ft.subErr = errors.New("redis down")
	d := worker.NewDispatcher(ft, new(mockIngester), new(mockAnswerer), worker.Options{})

	err := d.Run(context.Background())
	assert.ErrorContains(t, err, "subscribe ingest_requests")
}
