package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dhawalhost/scimbridge/internal/scim"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Sync states of a cached user row relative to the directory.
const (
	SyncSynced  = "synced"
	SyncPending = "pending"
	SyncError   = "error"
)

var (
	// ErrNotFound is returned when no row matches the requested id.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateSam is returned when a write collides with an existing
	// sam_account_name.
	ErrDuplicateSam = errors.New("sam account name already in use")
)

// Row is one cached user in the scim_users table. ScimResource holds the
// canonical SCIM document; ADResource holds the last directory read-back.
type Row struct {
	ID             string     `db:"id"`
	ADObjectGUID   *string    `db:"ad_object_guid"`
	SamAccountName *string    `db:"sam_account_name"`
	ScimResource   string     `db:"scim_resource"`
	ADResource     *string    `db:"ad_resource"`
	SyncStatus     string     `db:"sync_status"`
	LastError      *string    `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// RowUpdate is a partial update. Nil fields are left untouched;
// ClearLastError resets last_error to NULL.
type RowUpdate struct {
	ADObjectGUID   *string
	SamAccountName *string
	ScimResource   *string
	ADResource     *string
	SyncStatus     *string
	LastError      *string
	ClearLastError bool
}

// Store defines cache storage operations for provisioned users.
type Store interface {
	Insert(ctx context.Context, row Row) error
	Get(ctx context.Context, id string) (Row, error)
	GetBySam(ctx context.Context, sam string) (Row, error)
	Update(ctx context.Context, id string, upd RowUpdate) error
	Delete(ctx context.Context, id string) error
	Page(ctx context.Context, pred *scim.Predicate, offset, limit int) ([]Row, int, error)
}

type store struct {
	db *sqlx.DB
}

// NewStore creates a new provisioning store.
func NewStore(db *sqlx.DB) Store {
	return &store{db: db}
}

func (s *store) Insert(ctx context.Context, row Row) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scim_users (id, ad_object_guid, sam_account_name, scim_resource, ad_resource, sync_status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.ID, row.ADObjectGUID, row.SamAccountName, row.ScimResource, row.ADResource, row.SyncStatus, row.LastError)
	return mapWriteError(err)
}

func (s *store) Get(ctx context.Context, id string) (Row, error) {
	var row Row
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM scim_users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	return row, err
}

func (s *store) GetBySam(ctx context.Context, sam string) (Row, error) {
	var row Row
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM scim_users WHERE sam_account_name = $1`, sam)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	return row, err
}

func (s *store) Update(ctx context.Context, id string, upd RowUpdate) error {
	sets := []string{}
	args := []interface{}{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if upd.ADObjectGUID != nil {
		add("ad_object_guid", *upd.ADObjectGUID)
	}
	if upd.SamAccountName != nil {
		add("sam_account_name", *upd.SamAccountName)
	}
	if upd.ScimResource != nil {
		add("scim_resource", *upd.ScimResource)
	}
	if upd.ADResource != nil {
		add("ad_resource", *upd.ADResource)
	}
	if upd.SyncStatus != nil {
		add("sync_status", *upd.SyncStatus)
	}
	if upd.LastError != nil {
		add("last_error", *upd.LastError)
	} else if upd.ClearLastError {
		sets = append(sets, "last_error = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	query := `UPDATE scim_users SET ` + strings.Join(sets, ", ") +
		` WHERE id = $` + strconv.Itoa(len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scim_users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *store) Page(ctx context.Context, pred *scim.Predicate, offset, limit int) ([]Row, int, error) {
	where, args := buildWhere(pred)

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM scim_users`+where, args...); err != nil {
		return nil, 0, err
	}

	pageArgs := append(args, limit, offset)
	n := len(args)
	query := `SELECT * FROM scim_users` + where +
		` ORDER BY created_at ASC LIMIT $` + strconv.Itoa(n+1) +
		` OFFSET $` + strconv.Itoa(n+2)

	rows := []Row{}
	if err := s.db.SelectContext(ctx, &rows, query, pageArgs...); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// buildWhere renders one parsed filter predicate as a WHERE clause. The
// column name comes from the fixed attribute binding in the filter parser,
// never from client input.
func buildWhere(pred *scim.Predicate) (string, []interface{}) {
	if pred == nil {
		return "", nil
	}

	col := pred.Column
	switch pred.Operator {
	case "eq":
		return ` WHERE ` + col + ` = $1`, []interface{}{pred.Value}
	case "ne":
		return ` WHERE ` + col + ` <> $1`, []interface{}{pred.Value}
	case "co":
		return ` WHERE ` + col + ` LIKE '%' || $1 || '%'`, []interface{}{pred.Value}
	case "sw":
		return ` WHERE ` + col + ` LIKE $1 || '%'`, []interface{}{pred.Value}
	case "ew":
		return ` WHERE ` + col + ` LIKE '%' || $1`, []interface{}{pred.Value}
	case "gt":
		return ` WHERE ` + col + ` > $1`, []interface{}{pred.Value}
	case "ge":
		return ` WHERE ` + col + ` >= $1`, []interface{}{pred.Value}
	case "lt":
		return ` WHERE ` + col + ` < $1`, []interface{}{pred.Value}
	case "le":
		return ` WHERE ` + col + ` <= $1`, []interface{}{pred.Value}
	case "pr":
		return ` WHERE ` + col + ` IS NOT NULL`, nil
	default:
		return "", nil
	}
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateSam
	}
	return err
}
