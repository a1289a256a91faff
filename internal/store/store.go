package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/terralens/geolocator/config"
	"github.com/terralens/geolocator/internal/engine"
)

// Store persists analysis requests and consensus results in Postgres.
type Store struct {
	DB *sql.DB
}

// New opens a connection pool using the configured DSN and verifies it.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// RequestRecord is the stored view of a request, including the failure
// reason for FAILED requests.
type RequestRecord struct {
	Request       engine.AnalysisRequest
	FailureReason string
	UpdatedAt     time.Time
}

// SaveRequest inserts the request, or refreshes its state if it already
// exists.
func (s *Store) SaveRequest(ctx context.Context, req engine.AnalysisRequest) error {
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO analysis_requests (id, descriptor_ref, requester_id, metadata, state, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (id) DO UPDATE SET
  state = EXCLUDED.state,
  updated_at = NOW();
`, req.ID, req.DescriptorRef, req.RequesterID, meta, string(req.State), req.CreatedAt)
	return err
}

// UpdateRequestState records a state transition. failureReason is empty for
// non-FAILED states.
func (s *Store) UpdateRequestState(ctx context.Context, id string, state engine.RequestState, failureReason string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE analysis_requests SET state=$2, failure_reason=NULLIF($3,''), updated_at=NOW() WHERE id=$1
`, id, string(state), failureReason)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return engine.ErrUnknownRequest
	}
	return nil
}

// GetRequest loads one request record. ok=false when the id is unknown.
func (s *Store) GetRequest(ctx context.Context, id string) (RequestRecord, bool, error) {
	var (
		rec    RequestRecord
		meta   []byte
		state  string
		reason sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, descriptor_ref, requester_id, metadata, state, failure_reason, created_at, updated_at
FROM analysis_requests
WHERE id=$1
`, id).Scan(&rec.Request.ID, &rec.Request.DescriptorRef, &rec.Request.RequesterID, &meta, &state, &reason, &rec.Request.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return RequestRecord{}, false, nil
	}
	if err != nil {
		return RequestRecord{}, false, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Request.Metadata); err != nil {
			return RequestRecord{}, false, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	rec.Request.State = engine.RequestState(state)
	rec.FailureReason = reason.String
	return rec, true, nil
}

// ListRequestsByRequester returns a requester's most recent requests.
func (s *Store) ListRequestsByRequester(ctx context.Context, requesterID string, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, descriptor_ref, requester_id, metadata, state, failure_reason, created_at, updated_at
FROM analysis_requests
WHERE requester_id=$1
ORDER BY created_at DESC
LIMIT $2
`, requesterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var (
			rec    RequestRecord
			meta   []byte
			state  string
			reason sql.NullString
		)
		if err := rows.Scan(&rec.Request.ID, &rec.Request.DescriptorRef, &rec.Request.RequesterID, &meta, &state, &reason, &rec.Request.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Request.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		rec.Request.State = engine.RequestState(state)
		rec.FailureReason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveConsensusResult stores the final result document for a request.
func (s *Store) SaveConsensusResult(ctx context.Context, result engine.ConsensusResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO consensus_results (request_id, result, created_at)
VALUES ($1,$2,NOW())
ON CONFLICT (request_id) DO UPDATE SET
  result = EXCLUDED.result;
`, result.RequestID, doc)
	return err
}

// GetConsensusResult loads a stored result. ok=false when no result exists
// for the id.
func (s *Store) GetConsensusResult(ctx context.Context, requestID string) (engine.ConsensusResult, bool, error) {
	var doc []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT result FROM consensus_results WHERE request_id=$1
`, requestID).Scan(&doc)
	if err == sql.ErrNoRows {
		return engine.ConsensusResult{}, false, nil
	}
	if err != nil {
		return engine.ConsensusResult{}, false, err
	}
	var result engine.ConsensusResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return engine.ConsensusResult{}, false, fmt.Errorf("unmarshal result: %w", err)
	}
	return result, true, nil
}
