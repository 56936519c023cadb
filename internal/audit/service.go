package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// maxFieldLen caps stdout, stderr, and serialized parameters per row.
const maxFieldLen = 65535

// RecordInput holds one tool invocation to log. Parameters must already be
// redacted by the caller; Record serializes them as given.
type RecordInput struct {
	Cmdlet     string
	Parameters map[string]interface{}
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMS int64
	ScimUserID *string
}

// Service defines invocation log operations.
type Service interface {
	// Record appends one invocation row.
	Record(ctx context.Context, input RecordInput) error

	// Query retrieves invocations with filtering.
	Query(ctx context.Context, params QueryParams) ([]Invocation, int, error)

	// Export retrieves all matching invocations for export.
	Export(ctx context.Context, params QueryParams) ([]Invocation, error)

	// Get retrieves a single invocation.
	Get(ctx context.Context, id int64) (Invocation, error)
}

type service struct {
	store Store
}

// NewService creates a new audit service.
func NewService(store Store) Service {
	return &service{store: store}
}

func (s *service) Record(ctx context.Context, input RecordInput) error {
	if input.Cmdlet == "" {
		return fmt.Errorf("cmdlet is required")
	}

	params, err := json.Marshal(input.Parameters)
	if err != nil {
		return fmt.Errorf("failed to serialize parameters: %w", err)
	}

	inv := Invocation{
		Cmdlet:     input.Cmdlet,
		Parameters: json.RawMessage(truncate(string(params), maxFieldLen)),
		Stdout:     truncate(input.Stdout, maxFieldLen),
		Stderr:     truncate(input.Stderr, maxFieldLen),
		ExitCode:   input.ExitCode,
		DurationMS: input.DurationMS,
		ScimUserID: input.ScimUserID,
	}

	_, err = s.store.Insert(ctx, inv)
	return err
}

func (s *service) Query(ctx context.Context, params QueryParams) ([]Invocation, int, error) {
	if params.Limit == 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	return s.store.Query(ctx, params)
}

func (s *service) Export(ctx context.Context, params QueryParams) ([]Invocation, error) {
	params.Limit = 10000
	params.Offset = 0
	invocations, _, err := s.store.Query(ctx, params)
	return invocations, err
}

func (s *service) Get(ctx context.Context, id int64) (Invocation, error) {
	return s.store.Get(ctx, id)
}

// truncate caps s at max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
