package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dhawalhost/scimbridge/internal/directory"
	"github.com/dhawalhost/scimbridge/internal/scim"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxErrorLen caps last_error per cache row.
const maxErrorLen = 2000

// Config holds processor settings.
type Config struct {
	// BaseOU is the distinguished name of the container new users are
	// created under.
	BaseOU string
	// BaseURL is the externally visible origin used for meta.location and
	// the Location header on create.
	BaseURL string
}

// Notifier publishes lifecycle events. Delivery is asynchronous and
// best-effort; implementations must never block the caller.
type Notifier interface {
	Publish(eventType string, payload interface{})
}

// Service is the SCIM request processor: it orchestrates cache reads and
// writes around directory tool invocations and enforces the SCIM error
// contract. SCIM-mapped failures come back as *scim.Error; anything else is
// an internal failure the transport renders as a generic 500.
type Service interface {
	List(ctx context.Context, filter string, startIndex, count int) (scim.ListResponse, error)
	Get(ctx context.Context, id string) (scim.Resource, error)
	Create(ctx context.Context, user scim.Resource) (scim.Resource, string, error)
	Replace(ctx context.Context, id string, user scim.Resource) (scim.Resource, error)
	Patch(ctx context.Context, id string, req scim.PatchRequest) (scim.Resource, error)
	Delete(ctx context.Context, id string) error
	Reconcile(ctx context.Context, id string) (scim.Resource, error)
}

type service struct {
	store    Store
	runner   directory.Runner
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
}

// NewService creates the request processor. notifier may be nil when no
// webhook endpoint is configured.
func NewService(store Store, runner directory.Runner, notifier Notifier, cfg Config, logger *zap.Logger) Service {
	return &service{
		store:    store,
		runner:   runner,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *service) List(ctx context.Context, filter string, startIndex, count int) (scim.ListResponse, error) {
	if startIndex < 1 {
		startIndex = 1
	}
	if count < 1 {
		count = 1
	}
	if count > 200 {
		count = 200
	}

	var pred *scim.Predicate
	if filter != "" {
		parsed, err := scim.ParseFilter(filter)
		if err == nil {
			// userName values are compared against the derived
			// sAMAccountName, so "x@y" matches the row stored as "x".
			if parsed.Column == "sam_account_name" {
				parsed.Value = SamFromUserName(parsed.Value)
			}
			pred = &parsed
		}
	}

	rows, total, err := s.store.Page(ctx, pred, startIndex-1, count)
	if err != nil {
		return scim.ListResponse{}, fmt.Errorf("page users: %w", err)
	}

	resources := make([]scim.Resource, 0, len(rows))
	for _, row := range rows {
		resource, err := formatUser(row, s.cfg.BaseURL)
		if err != nil {
			return scim.ListResponse{}, fmt.Errorf("format user %s: %w", row.ID, err)
		}
		resources = append(resources, resource)
	}
	return scim.NewListResponse(total, startIndex, resources), nil
}

func (s *service) Get(ctx context.Context, id string) (scim.Resource, error) {
	row, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, scim.NoTarget("User " + id + " not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return formatUser(row, s.cfg.BaseURL)
}

func (s *service) Create(ctx context.Context, user scim.Resource) (scim.Resource, string, error) {
	userName, ok := user.StringField("userName")
	if !ok || userName == "" {
		return nil, "", scim.InvalidValue("userName is required")
	}
	sam := SamFromUserName(userName)

	// Pre-check is an optimization; the unique constraint on the insert
	// below is the authoritative guard against concurrent creates.
	if _, err := s.store.GetBySam(ctx, sam); err == nil {
		return nil, "", scim.Uniqueness("User with userName " + userName + " already exists")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, "", fmt.Errorf("check sam %s: %w", sam, err)
	}

	id, _ := user.StringField("externalId")
	if id == "" {
		id = uuid.NewString()
	}
	view := canonicalView(user, id)

	res, err := s.runner.Create(ctx, UserToParams(view, s.cfg.BaseOU), id)
	if err != nil {
		// No row is inserted on a failed create; there is nothing in the
		// directory to map to.
		return nil, "", s.classifyRunError(err)
	}

	viewJSON, err := json.Marshal(view)
	if err != nil {
		return nil, "", fmt.Errorf("serialize scim view: %w", err)
	}
	row := Row{
		ID:             id,
		SamAccountName: &sam,
		ScimResource:   string(viewJSON),
		SyncStatus:     SyncSynced,
	}
	if guid := directory.ExtractObjectGUID(res.Object); guid != "" {
		row.ADObjectGUID = &guid
	}
	if err := s.store.Insert(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateSam) {
			return nil, "", scim.Uniqueness("User with userName " + userName + " already exists")
		}
		return nil, "", fmt.Errorf("insert user %s: %w", id, err)
	}

	s.refresh(ctx, id, identityOf(row))

	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("reload user %s: %w", id, err)
	}
	resource, err := formatUser(stored, s.cfg.BaseURL)
	if err != nil {
		return nil, "", err
	}
	s.notify("user.created", resource)
	return resource, userLocation(s.cfg.BaseURL, id), nil
}

func (s *service) Replace(ctx context.Context, id string, user scim.Resource) (scim.Resource, error) {
	row, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, scim.NoTarget("User " + id + " not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	view := canonicalView(user, id)
	resource, err := s.pushUpdate(ctx, row, view, updateParams(view))
	if err != nil {
		return nil, err
	}
	s.notify("user.updated", resource)
	return resource, nil
}

func (s *service) Patch(ctx context.Context, id string, req scim.PatchRequest) (scim.Resource, error) {
	if len(req.Operations) == 0 {
		return nil, scim.InvalidValue("Operations must be a non-empty list")
	}

	row, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, scim.NoTarget("User " + id + " not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	var current scim.Resource
	if err := json.Unmarshal([]byte(row.ScimResource), &current); err != nil {
		return nil, fmt.Errorf("parse stored view for %s: %w", id, err)
	}

	patched, changed, err := scim.ApplyPatch(current, req.Operations)
	if err != nil {
		return nil, err
	}
	view := canonicalView(patched, id)

	// Only the fields the patch touched are pushed to the directory; an
	// untouched attribute must not be rewritten from a possibly stale view.
	resource, err := s.pushUpdate(ctx, row, view, updateParams(scim.Resource(changed)))
	if err != nil {
		return nil, err
	}
	s.notify("user.updated", resource)
	return resource, nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	row, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return scim.NoTarget("User " + id + " not found")
	}
	if err != nil {
		return fmt.Errorf("get user %s: %w", id, err)
	}

	if identity := identityOf(row); identity != "" {
		if _, err := s.runner.Delete(ctx, identity, id); err != nil {
			var cmdErr *directory.CommandError
			// An account that is already gone on the directory side only
			// needs its mapping dropped.
			if !errors.As(err, &cmdErr) || !alreadyGone(cmdErr.Stderr) {
				return s.classifyRunError(err)
			}
		}
	}

	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	s.notify("user.deleted", map[string]interface{}{"id": id})
	return nil
}

// Reconcile re-reads the directory object and folds it into the stored SCIM
// view, marking the row synced. It is the manual repair path for rows stuck
// in error or pending.
func (s *service) Reconcile(ctx context.Context, id string) (scim.Resource, error) {
	row, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, scim.NoTarget("User " + id + " not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	identity := identityOf(row)
	if identity == "" {
		return nil, scim.Internal("user has no directory identity")
	}

	res, err := s.runner.Read(ctx, identity, id)
	if err != nil {
		return nil, s.classifyRunError(err)
	}
	if res.Object == nil {
		return nil, scim.Internal("directory returned no readable object")
	}

	var view scim.Resource
	if err := json.Unmarshal([]byte(row.ScimResource), &view); err != nil {
		return nil, fmt.Errorf("parse stored view for %s: %w", id, err)
	}
	merged := canonicalView(MergeDirectoryUser(view, res.Object), id)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("serialize scim view: %w", err)
	}
	adJSON, err := json.Marshal(res.Object)
	if err != nil {
		return nil, fmt.Errorf("serialize directory view: %w", err)
	}

	upd := RowUpdate{
		ScimResource:   strPtr(string(mergedJSON)),
		ADResource:     strPtr(string(adJSON)),
		SyncStatus:     strPtr(SyncSynced),
		ClearLastError: true,
	}
	if row.ADObjectGUID == nil {
		if guid := directory.ExtractObjectGUID(res.Object); guid != "" {
			upd.ADObjectGUID = &guid
		}
	}
	if err := s.store.Update(ctx, id, upd); err != nil {
		return nil, fmt.Errorf("update user %s: %w", id, err)
	}

	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload user %s: %w", id, err)
	}
	return formatUser(stored, s.cfg.BaseURL)
}

// pushUpdate persists the new SCIM view as pending, pushes params to the
// directory, and settles the row's sync status. Writing the view before the
// external call means a crash mid-flight leaves a pending row whose intent
// the audit log can reconstruct.
func (s *service) pushUpdate(ctx context.Context, row Row, view scim.Resource, params map[string]interface{}) (scim.Resource, error) {
	viewJSON, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("serialize scim view: %w", err)
	}
	if err := s.store.Update(ctx, row.ID, RowUpdate{
		ScimResource: strPtr(string(viewJSON)),
		SyncStatus:   strPtr(SyncPending),
	}); err != nil {
		return nil, fmt.Errorf("update user %s: %w", row.ID, err)
	}

	// An empty parameter set has nothing to push; the row goes straight
	// back to synced.
	if len(params) > 0 {
		identity := identityOf(row)
		if identity == "" {
			return nil, scim.Internal("user has no directory identity")
		}

		if _, err := s.runner.Update(ctx, identity, params, row.ID); err != nil {
			s.markError(ctx, row.ID, err)
			return nil, s.classifyRunError(err)
		}
	}

	if err := s.store.Update(ctx, row.ID, RowUpdate{
		SyncStatus:     strPtr(SyncSynced),
		ClearLastError: true,
	}); err != nil {
		return nil, fmt.Errorf("update user %s: %w", row.ID, err)
	}
	if len(params) > 0 {
		s.refresh(ctx, row.ID, identityOf(row))
	}

	stored, err := s.store.Get(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("reload user %s: %w", row.ID, err)
	}
	return formatUser(stored, s.cfg.BaseURL)
}

// refresh is the best-effort read-back after a successful mutation. It
// hydrates ad_resource for operators; failures are logged and swallowed.
func (s *service) refresh(ctx context.Context, id, identity string) {
	if identity == "" {
		return
	}
	res, err := s.runner.Read(ctx, identity, id)
	if err != nil {
		s.logger.Warn("Directory read-back failed", zap.String("id", id), zap.Error(err))
		return
	}
	if res.Object == nil {
		return
	}
	adJSON, err := json.Marshal(res.Object)
	if err != nil {
		s.logger.Warn("Failed to serialize directory read-back", zap.String("id", id), zap.Error(err))
		return
	}

	upd := RowUpdate{ADResource: strPtr(string(adJSON))}
	if guid := directory.ExtractObjectGUID(res.Object); guid != "" {
		if row, err := s.store.Get(ctx, id); err == nil && row.ADObjectGUID == nil {
			upd.ADObjectGUID = &guid
		}
	}
	if err := s.store.Update(ctx, id, upd); err != nil {
		s.logger.Warn("Failed to store directory read-back", zap.String("id", id), zap.Error(err))
	}
}

// markError transitions a row to the error state, keeping the tool stderr
// for operators. Failures here are logged only; the caller is already on an
// error path.
func (s *service) markError(ctx context.Context, id string, runErr error) {
	detail := runErr.Error()
	var cmdErr *directory.CommandError
	if errors.As(runErr, &cmdErr) {
		detail = cmdErr.Stderr
	}
	if len(detail) > maxErrorLen {
		detail = detail[:maxErrorLen]
	}
	if err := s.store.Update(ctx, id, RowUpdate{
		SyncStatus: strPtr(SyncError),
		LastError:  &detail,
	}); err != nil {
		s.logger.Error("Failed to record sync error", zap.String("id", id), zap.Error(err))
	}
}

// classifyRunError routes a directory tool failure through the stderr
// classifier. Non-command failures (context, exec setup) stay internal.
func (s *service) classifyRunError(err error) error {
	var cmdErr *directory.CommandError
	if errors.As(err, &cmdErr) {
		return scim.ClassifyToolError(cmdErr.Stderr)
	}
	return err
}

// updateParams maps a view (or a patch change set) to Set-ADUser
// parameters. Name and Path only exist on the create cmdlet.
func updateParams(view scim.Resource) map[string]interface{} {
	params := UserToParams(view, "")
	delete(params, directory.ParamName)
	delete(params, directory.ParamPath)
	return params
}

// identityOf picks the directory identity for a row: the immutable
// objectGUID when known, else the sAMAccountName.
func identityOf(row Row) string {
	if row.ADObjectGUID != nil && *row.ADObjectGUID != "" {
		return *row.ADObjectGUID
	}
	if row.SamAccountName != nil {
		return *row.SamAccountName
	}
	return ""
}

// alreadyGone reports whether delete stderr means the account no longer
// exists, which the processor treats as success.
func alreadyGone(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "cannot find") || strings.Contains(lower, "not found")
}

func (s *service) notify(eventType string, payload interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(eventType, payload)
}

func strPtr(s string) *string {
	return &s
}
