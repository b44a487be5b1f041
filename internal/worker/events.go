package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// UnknownRequestID is echoed back when a request body carries no usable id.
const UnknownRequestID = "unknown"

const AllChunksExistMessage = "All chunks already exist"

type Kind string

const (
	KindIngest Kind = "ingest"
	KindQuery  Kind = "query"
)

type IngestRequest struct {
	FileContent string `json:"file_content"`
	Filename    string `json:"filename"`
	RequestID   string `json:"request_id"`
}

type IngestResponse struct {
	Status          string `json:"status"`
	RequestID       string `json:"request_id"`
	ProcessedChunks *int   `json:"processed_chunks,omitempty"`
	SkippedChunks   *int   `json:"skipped_chunks,omitempty"`
	TotalChunks     *int   `json:"total_chunks,omitempty"`
	FailedChunks    *int   `json:"failed_chunks,omitempty"`
	Message         string `json:"message,omitempty"`
	ProcessingTime  string `json:"processing_time,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

type QueryRequest struct {
	Question  string `json:"question"`
	RequestID string `json:"request_id"`
}

type QueryResponse struct {
	Status         string `json:"status"`
	RequestID      string `json:"request_id"`
	Answer         string `json:"answer,omitempty"`
	DocumentsFound *int   `json:"documents_found,omitempty"`
	ResponseTime   string `json:"response_time,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// Request holds exactly one of Ingest or Query, selected by Kind.
type Request struct {
	Kind   Kind
	Ingest *IngestRequest
	Query  *QueryRequest
}

func (r Request) RequestID() string {
	var id string
	switch r.Kind {
	case KindIngest:
		if r.Ingest != nil {
			id = r.Ingest.RequestID
		}
	case KindQuery:
		if r.Query != nil {
			id = r.Query.RequestID
		}
	}
	if id == "" {
		return UnknownRequestID
	}
	return id
}

// DecodeRequest parses body as the envelope for kind. On a parse failure the
// returned Request still carries whatever request id could be recovered so
// the caller can answer with an error envelope.
func DecodeRequest(kind Kind, body []byte) (Request, error) {
	req := Request{Kind: kind}
	switch kind {
	case KindIngest:
		var in IngestRequest
		err := json.Unmarshal(body, &in)
		req.Ingest = &in
		if err != nil {
			req.Ingest.RequestID = salvageRequestID(body)
			return req, fmt.Errorf("decode ingest request: %w", err)
		}
	case KindQuery:
		var q QueryRequest
		err := json.Unmarshal(body, &q)
		req.Query = &q
		if err != nil {
			req.Query.RequestID = salvageRequestID(body)
			return req, fmt.Errorf("decode query request: %w", err)
		}
	default:
		return req, fmt.Errorf("unknown request kind %q", kind)
	}
	return req, nil
}

// salvageRequestID pulls request_id out of a body whose other fields are malformed.
func salvageRequestID(body []byte) string {
	var partial struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return ""
	}
	return partial.RequestID
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func intPtr(v int) *int {
	return &v
}
