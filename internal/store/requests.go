package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of an inference request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusError     RequestStatus = "error"
)

const (
	RequestTypeChat       = "chat"
	RequestTypeCompletion = "completion"
	DefaultType           = "LLM"
)

// InferenceRequest is one recorded call to a model endpoint.
type InferenceRequest struct {
	ID          string          `json:"id"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Type        string          `json:"type"`
	RequestType string          `json:"request_type"`
	NimID       string          `json:"nim_id"`
	Model       string          `json:"model"`
	Stream      bool            `json:"stream"`
	Status      RequestStatus   `json:"status"`
	CreatedAt   time.Time       `json:"date_created"`
	UpdatedAt   time.Time       `json:"date_updated"`
}

// Filter narrows ListRequests and CountRequests. Empty fields match everything.
type Filter struct {
	RequestType string
	NimID       string
	Status      string
	Type        string
}

func (f Filter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		clauses = append(clauses, column+" = ?")
		args = append(args, value)
	}
	add("request_type", f.RequestType)
	add("nim_id", f.NimID)
	add("status", f.Status)
	add("type", f.Type)
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Stats aggregates the stored requests.
type Stats struct {
	TotalRequests int            `json:"total_requests"`
	ByType        map[string]int `json:"by_type"`
	ByStatus      map[string]int `json:"by_status"`
	ByNim         map[string]int `json:"by_nim"`
	Streaming     StreamCounts   `json:"streaming_vs_non_streaming"`
}

type StreamCounts struct {
	Streaming    int `json:"streaming"`
	NonStreaming int `json:"non_streaming"`
}

const requestColumns = `id, input_json, output_json, error_json, type, request_type, nim_id, model, stream, status, created_at, updated_at`

// CreateRequest inserts req, assigning an id and timestamps when missing.
func (s *Store) CreateRequest(ctx context.Context, req *InferenceRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if len(req.Input) == 0 {
		return errors.New("request input required")
	}
	if req.Type == "" {
		req.Type = DefaultType
	}
	if req.RequestType == "" {
		req.RequestType = RequestTypeChat
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO inference_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.ID, string(req.Input), nullJSON(req.Output), nullJSON(req.Error), req.Type, req.RequestType,
		req.NimID, req.Model, req.Stream, string(req.Status), req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert inference request: %w", err)
	}
	return nil
}

// UpdateRequest stores the output, error and status of an existing request.
func (s *Store) UpdateRequest(ctx context.Context, req *InferenceRequest) error {
	req.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE inference_requests
		SET output_json=?, error_json=?, status=?, model=?, nim_id=?, stream=?, updated_at=? WHERE id=?`),
		nullJSON(req.Output), nullJSON(req.Error), string(req.Status), req.Model, req.NimID, req.Stream, req.UpdatedAt, req.ID,
	)
	if err != nil {
		return fmt.Errorf("update inference request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*InferenceRequest, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+requestColumns+` FROM inference_requests WHERE id=?`), id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListRequests returns matching requests from newest to oldest. A non-positive
// limit returns every match.
func (s *Store) ListRequests(ctx context.Context, filter Filter, limit, offset int) ([]InferenceRequest, error) {
	where, args := filter.where()
	query := `SELECT ` + requestColumns + ` FROM inference_requests` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list inference requests: %w", err)
	}
	defer rows.Close()

	requests := []InferenceRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// CountRequests counts the requests matching filter.
func (s *Store) CountRequests(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM inference_requests`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count inference requests: %w", err)
	}
	return n, nil
}

// DeleteRequest removes a request by id.
func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM inference_requests WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete inference request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats counts requests by type, status, NIM and streaming mode.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByType:   map[string]int{RequestTypeChat: 0, RequestTypeCompletion: 0},
		ByStatus: map[string]int{string(StatusPending): 0, string(StatusCompleted): 0, string(StatusError): 0},
		ByNim:    map[string]int{},
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inference_requests`).Scan(&stats.TotalRequests); err != nil {
		return Stats{}, fmt.Errorf("count inference requests: %w", err)
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"request_type", stats.ByType},
		{"status", stats.ByStatus},
		{"nim_id", stats.ByNim},
	}
	for _, g := range groups {
		if err := s.countBy(ctx, g.column, g.into); err != nil {
			return Stats{}, err
		}
	}
	delete(stats.ByNim, "")

	rows, err := s.db.QueryContext(ctx, `SELECT stream, COUNT(*) FROM inference_requests GROUP BY stream`)
	if err != nil {
		return Stats{}, fmt.Errorf("stream stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stream bool
			n      int
		)
		if err := rows.Scan(&stream, &n); err != nil {
			return Stats{}, err
		}
		if stream {
			stats.Streaming.Streaming += n
		} else {
			stats.Streaming.NonStreaming += n
		}
	}
	return stats, rows.Err()
}

func (s *Store) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM inference_requests GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("%s stats: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scanner) (*InferenceRequest, error) {
	var (
		req            InferenceRequest
		input          string
		output, errMsg sql.NullString
		status         string
	)
	if err := row.Scan(&req.ID, &input, &output, &errMsg, &req.Type, &req.RequestType, &req.NimID, &req.Model,
		&req.Stream, &status, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	req.Input = json.RawMessage(input)
	if output.Valid && output.String != "" {
		req.Output = json.RawMessage(output.String)
	}
	if errMsg.Valid && errMsg.String != "" {
		req.Error = json.RawMessage(errMsg.String)
	}
	req.Status = RequestStatus(status)
	return &req, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
