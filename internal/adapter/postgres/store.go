package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"docqa/internal/embed"
	"docqa/internal/retry"
	"docqa/internal/text"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Options struct {
	Dimension       int
	InsertBatchSize int
	RetryAttempts   int
	RetryDelay      time.Duration
}

// Store keeps documents in a pgvector table. Every operation borrows one
// pooled connection for its whole duration and transient connection failures
// are retried under a bounded policy.
type Store struct {
	db     *sql.DB
	opts   Options
	policy retry.Policy
}

func NewStore(db *sql.DB, opts Options) *Store {
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = 100
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Store{
		db:   db,
		opts: opts,
		policy: retry.Policy{
			Attempts:  opts.RetryAttempts,
			Delay:     opts.RetryDelay,
			Retryable: IsTransient,
		},
	}
}

// withConn acquires a connection, runs fn, and always returns the connection to the pool.
func (s *Store) withConn(ctx context.Context, op string, fn func(ctx context.Context, conn *sql.Conn) error) error {
	return retry.Do(ctx, s.policy, op, func(ctx context.Context) error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, sql.ErrConnDone) {
				slog.WarnContext(ctx, "failed to release connection", "op", op, "error", cerr)
			}
		}()
		return fn(ctx, conn)
	})
}

func (s *Store) FindExisting(ctx context.Context, fingerprints []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(fingerprints) == 0 {
		return found, nil
	}

	query := `SELECT content_hash FROM documents WHERE content_hash = ANY($1::text[])`
	err := s.withConn(ctx, "find_existing", func(ctx context.Context, conn *sql.Conn) error {
		clear(found)
		rows, err := conn.QueryContext(ctx, query, pq.Array(fingerprints))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return err
			}
			found[h] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// InsertBatch writes pairs in sub-batches. Rows whose content_hash already
// exists are skipped by the database, so retried or concurrent inserts of the
// same content neither duplicate nor fail.
func (s *Store) InsertBatch(ctx context.Context, pairs []embed.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	for _, p := range pairs {
		if err := s.checkDimension(p.Vector); err != nil {
			return err
		}
	}

	return s.withConn(ctx, "insert_batch", func(ctx context.Context, conn *sql.Conn) error {
		for i := 0; i < len(pairs); i += s.opts.InsertBatchSize {
			end := min(i+s.opts.InsertBatchSize, len(pairs))
			query, args := buildInsert(pairs[i:end])
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return err
			}
			slog.DebugContext(ctx, "inserted document batch", "from", i, "to", end, "total", len(pairs))
		}
		return nil
	})
}

func buildInsert(pairs []embed.Pair) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO documents (content, content_hash, embedding) VALUES `)
	args := make([]any, 0, len(pairs)*3)
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		fp := p.Chunk.Fingerprint
		if fp == "" {
			fp = text.Fingerprint(p.Chunk.Text)
		}
		args = append(args, p.Chunk.Text, fp, pgvector.NewVector(p.Vector))
	}
	b.WriteString(` ON CONFLICT (content_hash) DO NOTHING`)
	return b.String(), args
}

// Search returns the k nearest contents by L2 distance, nearest first.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]string, error) {
	if err := s.checkDimension(vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []string{}, nil
	}

	query := `SELECT content FROM documents ORDER BY embedding <-> $1 LIMIT $2`
	var out []string
	err := s.withConn(ctx, "search", func(ctx context.Context, conn *sql.Conn) error {
		out = out[:0]
		rows, err := conn.QueryContext(ctx, query, pgvector.NewVector(vector), k)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.withConn(ctx, "count", func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	})
	return n, err
}

func (s *Store) Clear(ctx context.Context) (int, error) {
	var n int64
	err := s.withConn(ctx, "clear", func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM documents`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.withConn(ctx, "ping", func(ctx context.Context, conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
}

func (s *Store) checkDimension(v []float32) error {
	if s.opts.Dimension > 0 && len(v) != s.opts.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.opts.Dimension)
	}
	return nil
}

// IsTransient reports whether err is a connection-level failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
