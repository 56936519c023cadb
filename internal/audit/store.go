package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// Invocation is one audit row for a directory tool run. The log is
// append-only; rows are never updated or deleted.
type Invocation struct {
	ID         int64           `json:"id" db:"id"`
	Cmdlet     string          `json:"cmdlet" db:"cmdlet"`
	Parameters json.RawMessage `json:"parameters" db:"parameters"`
	Stdout     string          `json:"stdout" db:"stdout"`
	Stderr     string          `json:"stderr" db:"stderr"`
	ExitCode   int             `json:"exit_code" db:"exit_code"`
	DurationMS int64           `json:"duration_ms" db:"duration_ms"`
	ScimUserID *string         `json:"scim_user_id,omitempty" db:"scim_user_id"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// QueryParams holds filters for browsing the invocation log.
type QueryParams struct {
	Cmdlet     *string
	ScimUserID *string
	ExitCode   *int
	Limit      int
	Offset     int
}

// Store defines invocation log storage operations.
type Store interface {
	Insert(ctx context.Context, inv Invocation) (int64, error)
	Query(ctx context.Context, params QueryParams) ([]Invocation, int, error)
	Get(ctx context.Context, id int64) (Invocation, error)
}

type store struct {
	db *sqlx.DB
}

// NewStore creates a new invocation log store.
func NewStore(db *sqlx.DB) Store {
	return &store{db: db}
}

func (s *store) Insert(ctx context.Context, inv Invocation) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO command_log (cmdlet, parameters, stdout, stderr, exit_code, duration_ms, scim_user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		inv.Cmdlet, inv.Parameters, inv.Stdout, inv.Stderr, inv.ExitCode, inv.DurationMS, inv.ScimUserID,
	).Scan(&id)
	return id, err
}

func (s *store) Query(ctx context.Context, params QueryParams) ([]Invocation, int, error) {
	query := `SELECT * FROM command_log WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM command_log WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if params.Cmdlet != nil {
		clause := ` AND cmdlet = $` + strconv.Itoa(argIdx)
		query += clause
		countQuery += clause
		args = append(args, *params.Cmdlet)
		argIdx++
	}
	if params.ScimUserID != nil {
		clause := ` AND scim_user_id = $` + strconv.Itoa(argIdx)
		query += clause
		countQuery += clause
		args = append(args, *params.ScimUserID)
		argIdx++
	}
	if params.ExitCode != nil {
		clause := ` AND exit_code = $` + strconv.Itoa(argIdx)
		query += clause
		countQuery += clause
		args = append(args, *params.ExitCode)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query += ` ORDER BY created_at DESC`
	if params.Limit > 0 {
		query += ` LIMIT $` + strconv.Itoa(argIdx)
		args = append(args, params.Limit)
		argIdx++
	}
	if params.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(argIdx)
		args = append(args, params.Offset)
	}

	var invocations []Invocation
	if err := s.db.SelectContext(ctx, &invocations, query, args...); err != nil {
		return nil, 0, err
	}
	return invocations, total, nil
}

func (s *store) Get(ctx context.Context, id int64) (Invocation, error) {
	var inv Invocation
	err := s.db.GetContext(ctx, &inv, `SELECT * FROM command_log WHERE id = $1`, id)
	return inv, err
}
