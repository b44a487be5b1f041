package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"docqa/internal/apperr"
	"docqa/internal/config"
	"docqa/internal/extract"
	"docqa/internal/ingest"
	"docqa/internal/middleware"
	"docqa/internal/retrieval"
	"docqa/internal/transport"
)

const RateLimitMessage = "Error: Gemini API quota exceeded. Please check your plan and billing details. See: https://ai.google.dev/gemini-api/docs/rate-limits"

const internalErrorDetail = "internal error"

var (
	ErrMalformedRequest = fmt.Errorf("%w: malformed request", apperr.ErrValidation)
	ErrInvalidEncoding  = fmt.Errorf("%w: file content is not valid base64", apperr.ErrValidation)
	errPanic            = errors.New("panic while handling request")
)

const publishTimeout = 5 * time.Second

type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

type Answerer interface {
	Answer(ctx context.Context, question string) (*retrieval.Result, error)
}

type Options struct {
	// MaxFileSizeMB is only used to word the size-limit error.
	MaxFileSizeMB int64
}

// Dispatcher reads requests off the transport, runs them through the
// pipelines and publishes one response per request.
type Dispatcher struct {
	transport transport.Transport
	ingester  Ingester
	answerer  Answerer
	opts      Options
}

func NewDispatcher(t transport.Transport, ing Ingester, ans Answerer, opts Options) *Dispatcher {
	return &Dispatcher{transport: t, ingester: ing, answerer: ans, opts: opts}
}

// Run blocks until ctx is done or both request channels close. A failing
// request never stops the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	ingestCh, err := d.transport.Subscribe(ctx, config.ChannelIngestRequests)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", config.ChannelIngestRequests, err)
	}
	queryCh, err := d.transport.Subscribe(ctx, config.ChannelQueryRequests)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", config.ChannelQueryRequests, err)
	}

	slog.InfoContext(ctx, "dispatcher started",
		"ingest_channel", config.ChannelIngestRequests,
		"query_channel", config.ChannelQueryRequests)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.loop(gctx, KindIngest, ingestCh)
		return nil
	})
	g.Go(func() error {
		d.loop(gctx, KindQuery, queryCh)
		return nil
	})
	err = g.Wait()
	slog.InfoContext(ctx, "dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, kind Kind, in <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-in:
			if !ok {
				slog.InfoContext(ctx, "request channel closed", "kind", kind)
				return
			}
			d.Handle(ctx, kind, body)
		}
	}
}

// Handle processes a single request body and publishes its response.
func (d *Dispatcher) Handle(ctx context.Context, kind Kind, body []byte) {
	req, decodeErr := DecodeRequest(kind, body)
	requestID := req.RequestID()
	ctx = middleware.WithRequestID(ctx, requestID)

	var (
		channel string
		resp    any
	)
	switch kind {
	case KindIngest:
		channel = config.ChannelIngestResponses
		resp = d.handleIngest(ctx, req, decodeErr)
	case KindQuery:
		channel = config.ChannelQueryResponses
		resp = d.handleQuery(ctx, req, decodeErr)
	default:
		slog.ErrorContext(ctx, "unknown request kind", "kind", kind)
		return
	}

	out, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := d.transport.Publish(pubCtx, channel, out); err != nil {
		slog.ErrorContext(ctx, "failed to publish response", "channel", channel, "error", err)
	}
}

func (d *Dispatcher) handleIngest(ctx context.Context, req Request, decodeErr error) IngestResponse {
	start := time.Now()
	resp := IngestResponse{RequestID: req.RequestID()}

	res, err := guard(ctx, func() (*ingest.Result, error) {
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, decodeErr)
		}
		content, err := base64.StdEncoding.DecodeString(req.Ingest.FileContent)
		if err != nil {
			return nil, apperr.Stage("validate", ErrInvalidEncoding)
		}
		slog.InfoContext(ctx, "ingest request received", "filename", req.Ingest.Filename, "bytes", len(content))
		return d.ingester.Ingest(ctx, ingest.Request{Filename: req.Ingest.Filename, Content: content})
	})
	resp.ProcessingTime = formatSeconds(time.Since(start))
	if err != nil {
		resp.Status = StatusError
		resp.Detail = d.detail(ctx, err)
		return resp
	}

	resp.Status = StatusSuccess
	resp.ProcessedChunks = intPtr(res.Processed)
	resp.SkippedChunks = intPtr(res.Skipped)
	resp.TotalChunks = intPtr(res.Total)
	resp.FailedChunks = intPtr(res.Failed)
	if res.Total > 0 && res.Skipped == res.Total {
		resp.Message = AllChunksExistMessage
	}
	slog.InfoContext(ctx, "ingest request completed",
		"processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed, "total", res.Total)
	return resp
}

func (d *Dispatcher) handleQuery(ctx context.Context, req Request, decodeErr error) QueryResponse {
	start := time.Now()
	resp := QueryResponse{RequestID: req.RequestID()}

	res, err := guard(ctx, func() (*retrieval.Result, error) {
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, decodeErr)
		}
		slog.InfoContext(ctx, "query request received")
		return d.answerer.Answer(ctx, req.Query.Question)
	})
	resp.ResponseTime = formatSeconds(time.Since(start))
	if err != nil {
		resp.Status = StatusError
		resp.Detail = d.detail(ctx, err)
		return resp
	}

	resp.Status = StatusSuccess
	resp.Answer = res.Answer
	resp.DocumentsFound = intPtr(res.DocumentsFound)
	slog.InfoContext(ctx, "query request completed", "documents_found", res.DocumentsFound, "cached", res.Cached)
	return resp
}

// guard runs fn and turns a panic into an error.
func guard[T any](ctx context.Context, fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "recovered from panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return fn()
}

// detail is the client-facing text for err.
func (d *Dispatcher) detail(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, apperr.ErrEmptyFile):
		return "File is empty."
	case errors.Is(err, apperr.ErrFileTooLarge):
		if d.opts.MaxFileSizeMB > 0 {
			return fmt.Sprintf("File too large (max %dMB).", d.opts.MaxFileSizeMB)
		}
		return "File too large."
	case errors.Is(err, apperr.ErrNoText):
		return "No text extracted from file."
	case errors.Is(err, apperr.ErrEmptyQuestion):
		return "Question cannot be empty."
	case errors.Is(err, ErrMalformedRequest):
		return "Malformed request."
	case errors.Is(err, ErrInvalidEncoding):
		return "Invalid file content encoding."
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return "Unsupported file type."
	}

	switch apperr.Classify(err) {
	case apperr.ClassValidation:
		slog.WarnContext(ctx, "request rejected", "error", err)
		return innerMessage(err, apperr.ErrValidation)
	case apperr.ClassExtraction:
		slog.WarnContext(ctx, "extraction failed", "error", err)
		return "Failed to extract text from file."
	case apperr.ClassRateLimited:
		slog.WarnContext(ctx, "rate limited", "error", err)
		return RateLimitMessage
	case apperr.ClassTimeout:
		stage := apperr.StageOf(err)
		if stage == "" {
			stage = "request"
		}
		slog.WarnContext(ctx, "stage timed out", "stage", stage, "error", err)
		return stage + " timed out"
	default:
		slog.ErrorContext(ctx, "request failed", "stage", apperr.StageOf(err), "error", err)
		return internalErrorDetail
	}
}

// innerMessage strips stage and class prefixes from err's text.
func innerMessage(err error, class error) string {
	for {
		var se *apperr.StageError
		if !errors.As(err, &se) {
			break
		}
		err = se.Err
	}
	return strings.TrimPrefix(err.Error(), class.Error()+": ")
}
