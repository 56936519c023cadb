package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dhawalhost/scimbridge/internal/directory"
	"github.com/dhawalhost/scimbridge/internal/scim"
	"go.uber.org/zap"
)

var ctx = context.Background()

const testGUID = "11111111-1111-1111-1111-111111111111"

func newTestService(store *memStore, runner *fakeRunner) Service {
	return NewService(store, runner, nil, Config{
		BaseOU:  "OU=Staff,DC=example,DC=com",
		BaseURL: "https://bridge.example.com",
	}, zap.NewNop())
}

func TestCreateSuccess(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{
		createResult: directory.Result{Object: map[string]interface{}{"ObjectGUID": testGUID}},
		readResult:   directory.Result{Object: map[string]interface{}{"SamAccountName": "alice", "Enabled": true}},
	}
	svc := newTestService(store, runner)

	user, location, err := svc.Create(ctx, scim.Resource{
		"userName":   "alice@ex.com",
		"externalId": "abc",
		"name":       map[string]interface{}{"givenName": "Al", "familyName": "Ice"},
		"active":     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if id, _ := user.StringField("id"); id != "abc" {
		t.Fatalf("expected id from externalId, got %v", user["id"])
	}
	if location != "https://bridge.example.com/scim/v2/Users/abc" {
		t.Fatalf("unexpected location %q", location)
	}

	row := store.rows["abc"]
	if row.SyncStatus != SyncSynced {
		t.Fatalf("expected synced row, got %s", row.SyncStatus)
	}
	if row.ADObjectGUID == nil || *row.ADObjectGUID != testGUID {
		t.Fatalf("expected extracted guid, got %v", row.ADObjectGUID)
	}
	if row.SamAccountName == nil || *row.SamAccountName != "alice" {
		t.Fatalf("expected derived sam, got %v", row.SamAccountName)
	}
	if row.ADResource == nil {
		t.Fatalf("expected refresh to hydrate ad_resource")
	}

	create := runner.call(t, "create")
	if create.params[directory.ParamSamAccountName] != "alice" {
		t.Fatalf("unexpected create params: %v", create.params)
	}
	if create.params[directory.ParamPath] != "OU=Staff,DC=example,DC=com" {
		t.Fatalf("baseOu not passed on create: %v", create.params)
	}
	if create.params[directory.ParamEmployeeID] != "abc" {
		t.Fatalf("externalId not mapped to EmployeeID: %v", create.params)
	}
}

func TestCreateGeneratesUUIDWithoutExternalID(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{createResult: directory.Result{Object: map[string]interface{}{"ObjectGUID": testGUID}}}
	svc := newTestService(store, runner)

	user, _, err := svc.Create(ctx, scim.Resource{"userName": "bob"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, _ := user.StringField("id")
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("expected a UUID id, got %q", id)
	}
}

func TestCreateMissingUserName(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeRunner{})

	_, _, err := svc.Create(ctx, scim.Resource{"displayName": "No Name"})
	requireScimError(t, err, http.StatusBadRequest, scim.TypeInvalidValue)
}

func TestCreateDuplicateSam(t *testing.T) {
	store := newMemStore()
	store.seed(t, "other-id", "alice", scim.Resource{"userName": "alice"})
	runner := &fakeRunner{}
	svc := newTestService(store, runner)

	_, _, err := svc.Create(ctx, scim.Resource{"userName": "alice@ex.com"})
	requireScimError(t, err, http.StatusConflict, scim.TypeUniqueness)

	if len(runner.calls) != 0 {
		t.Fatalf("directory must not be invoked on a duplicate: %v", runner.calls)
	}
	if len(store.rows) != 1 {
		t.Fatalf("no new row may be inserted, got %d", len(store.rows))
	}
}

func TestCreateInsertCollisionMapsToUniqueness(t *testing.T) {
	// The unique constraint is the authoritative guard when two creates
	// race past the pre-check.
	store := newMemStore()
	store.insertErr = ErrDuplicateSam
	runner := &fakeRunner{createResult: directory.Result{Object: map[string]interface{}{"ObjectGUID": testGUID}}}
	svc := newTestService(store, runner)

	_, _, err := svc.Create(ctx, scim.Resource{"userName": "alice@ex.com"})
	requireScimError(t, err, http.StatusConflict, scim.TypeUniqueness)
}

func TestCreateToolFailureInsertsNoRow(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{createErr: &directory.CommandError{
		Cmdlet: "New-ADUser", ExitCode: 1, Stderr: "The specified account already exists",
	}}
	svc := newTestService(store, runner)

	_, _, err := svc.Create(ctx, scim.Resource{"userName": "alice@ex.com"})
	requireScimError(t, err, http.StatusConflict, scim.TypeUniqueness)

	if len(store.rows) != 0 {
		t.Fatalf("a failed create must not leave an orphan row")
	}
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeRunner{})
	_, err := svc.Get(ctx, "missing")
	requireScimError(t, err, http.StatusNotFound, scim.TypeNoTarget)
}

func TestListClampsPaging(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &fakeRunner{})

	if _, err := svc.List(ctx, "", 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.lastOffset != 0 || store.lastLimit != 1 {
		t.Fatalf("expected offset 0 limit 1, got %d/%d", store.lastOffset, store.lastLimit)
	}

	if _, err := svc.List(ctx, "", 1, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.lastLimit != 200 {
		t.Fatalf("expected count clamped to 200, got %d", store.lastLimit)
	}
}

func TestListFilterMatchesDerivedSam(t *testing.T) {
	store := newMemStore()
	store.seed(t, "a", "x", scim.Resource{"userName": "x@y"})
	store.seed(t, "b", "other", scim.Resource{"userName": "other"})
	svc := newTestService(store, &fakeRunner{})

	resp, err := svc.List(ctx, `userName eq "x@y"`, 1, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TotalResults != 1 || len(resp.Resources) != 1 {
		t.Fatalf("expected one match, got %+v", resp)
	}
	if id, _ := resp.Resources[0].StringField("id"); id != "a" {
		t.Fatalf("wrong row matched: %v", resp.Resources[0])
	}
}

func TestListUnsupportedFilterFallsBack(t *testing.T) {
	store := newMemStore()
	store.seed(t, "a", "alice", scim.Resource{"userName": "alice"})
	store.seed(t, "b", "bob", scim.Resource{"userName": "bob"})
	svc := newTestService(store, &fakeRunner{})

	resp, err := svc.List(ctx, `userName co "x"`, 1, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TotalResults != 2 {
		t.Fatalf("expected unfiltered page, got %+v", resp)
	}
	if resp.StartIndex != 1 || resp.ItemsPerPage != 2 {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
}

func TestPatchActiveFalse(t *testing.T) {
	store := newMemStore()
	store.seedWithGUID(t, "abc", "alice", testGUID, scim.Resource{"userName": "alice", "active": true})
	runner := &fakeRunner{readResult: directory.Result{Object: map[string]interface{}{"Enabled": false}}}
	svc := newTestService(store, runner)

	user, err := svc.Patch(ctx, "abc", scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "replace", Path: "active", Value: false},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active, _ := user.BoolField("active"); active {
		t.Fatalf("expected active=false in response")
	}

	var stored scim.Resource
	if err := json.Unmarshal([]byte(store.rows["abc"].ScimResource), &stored); err != nil {
		t.Fatalf("stored view unreadable: %v", err)
	}
	if stored["active"] != false {
		t.Fatalf("stored view not patched: %v", stored)
	}

	update := runner.call(t, "update")
	if update.identity != testGUID {
		t.Fatalf("expected guid identity, got %q", update.identity)
	}
	if len(update.params) != 1 || update.params[directory.ParamEnabled] != false {
		t.Fatalf("expected only Enabled:false pushed, got %v", update.params)
	}
	if store.rows["abc"].SyncStatus != SyncSynced {
		t.Fatalf("expected synced, got %s", store.rows["abc"].SyncStatus)
	}
}

func TestPatchEmailAddSynthesizesElement(t *testing.T) {
	store := newMemStore()
	store.seedWithGUID(t, "abc", "alice", testGUID, scim.Resource{"userName": "alice"})
	runner := &fakeRunner{}
	svc := newTestService(store, runner)

	_, err := svc.Patch(ctx, "abc", scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "add", Path: `emails[type eq "work"].value`, Value: "a@b"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored scim.Resource
	json.Unmarshal([]byte(store.rows["abc"].ScimResource), &stored)
	emails, _ := stored.SliceField("emails")
	if len(emails) != 1 {
		t.Fatalf("expected one synthesized email, got %v", stored["emails"])
	}
	email := emails[0].(map[string]interface{})
	if email["type"] != "work" || email["value"] != "a@b" {
		t.Fatalf("unexpected email: %v", email)
	}

	update := runner.call(t, "update")
	if update.params[directory.ParamEmailAddress] != "a@b" {
		t.Fatalf("expected EmailAddress pushed, got %v", update.params)
	}
}

func TestPatchEmptyOperations(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeRunner{})
	_, err := svc.Patch(ctx, "abc", scim.PatchRequest{})
	requireScimError(t, err, http.StatusBadRequest, scim.TypeInvalidValue)
}

func TestPatchWithNoMappedChangesSkipsDirectory(t *testing.T) {
	store := newMemStore()
	store.seedWithGUID(t, "abc", "alice", testGUID, scim.Resource{"userName": "alice"})
	runner := &fakeRunner{}
	svc := newTestService(store, runner)

	_, err := svc.Patch(ctx, "abc", scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "replace", Path: "title", Value: "Engineer"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, call := range runner.calls {
		if call.op == "update" {
			t.Fatalf("directory must not be called for unmapped changes")
		}
	}
	if store.rows["abc"].SyncStatus != SyncSynced {
		t.Fatalf("row must settle back to synced")
	}
}

func TestReplaceFailureMarksErrorKeepsNewView(t *testing.T) {
	store := newMemStore()
	store.seedWithGUID(t, "abc", "alice", testGUID, scim.Resource{"userName": "alice", "displayName": "Old"})
	runner := &fakeRunner{updateErr: &directory.CommandError{
		Cmdlet: "Set-ADUser", ExitCode: 1, Stderr: "Access is denied.",
	}}
	svc := newTestService(store, runner)

	_, err := svc.Replace(ctx, "abc", scim.Resource{"userName": "alice", "displayName": "New"})
	requireScimError(t, err, http.StatusForbidden, "")

	row := store.rows["abc"]
	if row.SyncStatus != SyncError {
		t.Fatalf("expected error status, got %s", row.SyncStatus)
	}
	if row.LastError == nil || !strings.Contains(*row.LastError, "Access is denied.") {
		t.Fatalf("expected stderr in last_error, got %v", row.LastError)
	}

	// The pending view was written before the call; a subsequent GET shows
	// the new document even though the directory write failed.
	user, err := svc.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if displayName, _ := user.StringField("displayName"); displayName != "New" {
		t.Fatalf("expected new view served from cache, got %q", displayName)
	}
}

func TestReplaceSuccessClearsPreviousError(t *testing.T) {
	store := newMemStore()
	store.seedWithGUID(t, "abc", "alice", testGUID, scim.Resource{"userName": "alice"})
	lastErr := "previous failure"
	row := store.rows["abc"]
	row.SyncStatus = SyncError
	row.LastError = &lastErr
	store.rows["abc"] = row
	svc := newTestService(store, &fakeRunner{})

	_, err := svc.Replace(ctx, "abc", scim.Resource{"userName": "alice", "displayName": "Alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.rows["abc"].SyncStatus != SyncSynced || store.rows["abc"].LastError != nil {
		t.Fatalf("expected synced row without last_error, got %+v", store.rows["abc"])
	}
}

func TestReplaceWithoutIdentityFails(t *testing.T) {
	store := newMemStore()
	store.seed(t, "abc", "", scim.Resource{"userName": "alice"})
	row := store.rows["abc"]
	row.SamAccountName = nil
	store.rows["abc"] = row
	svc := newTestService(store, &fakeRunner{})

	_, err := svc.Replace(ctx, "abc", scim.Resource{"userName": "alice"})
	requireScimError(t, err, http.StatusInternalServerError, "")
}

func TestDeleteAlreadyGone(t *testing.T) {
	store := newMemStore()
	store.seedWithGUID(t, "abc", "alice", testGUID, scim.Resource{"userName": "alice"})
	runner := &fakeRunner{deleteErr: &directory.CommandError{
		Cmdlet: "Remove-ADUser", ExitCode: 1,
		Stderr: "Cannot find an object with identity: '" + testGUID + "'",
	}}
	svc := newTestService(store, runner)

	if err := svc.Delete(ctx, "abc"); err != nil {
		t.Fatalf("already-gone must count as success, got %v", err)
	}
	if _, present := store.rows["abc"]; present {
		t.Fatalf("expected row removed")
	}
}

func TestDeleteOtherFailureKeepsRow(t *testing.T) {
	store := newMemStore()
	store.seedWithGUID(t, "abc", "alice", testGUID, scim.Resource{"userName": "alice"})
	runner := &fakeRunner{deleteErr: &directory.CommandError{
		Cmdlet: "Remove-ADUser", ExitCode: 1, Stderr: "Access is denied.",
	}}
	svc := newTestService(store, runner)

	err := svc.Delete(ctx, "abc")
	requireScimError(t, err, http.StatusForbidden, "")
	if _, present := store.rows["abc"]; !present {
		t.Fatalf("row must survive a failed deprovision")
	}
}

func TestDeleteNotFound(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeRunner{})
	err := svc.Delete(ctx, "missing")
	requireScimError(t, err, http.StatusNotFound, scim.TypeNoTarget)
}

func TestReconcileMergesDirectoryState(t *testing.T) {
	store := newMemStore()
	store.seedWithGUID(t, "abc", "alice", testGUID, scim.Resource{"userName": "alice", "active": true})
	row := store.rows["abc"]
	row.SyncStatus = SyncError
	msg := "stale"
	row.LastError = &msg
	store.rows["abc"] = row
	runner := &fakeRunner{readResult: directory.Result{Object: map[string]interface{}{
		"SamAccountName": "alice",
		"DisplayName":    "Alice Ice",
		"Enabled":        false,
	}}}
	svc := newTestService(store, runner)

	user, err := svc.Reconcile(ctx, "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if displayName, _ := user.StringField("displayName"); displayName != "Alice Ice" {
		t.Fatalf("directory state not merged: %v", user)
	}
	if active, _ := user.BoolField("active"); active {
		t.Fatalf("expected active=false after merge")
	}

	got := store.rows["abc"]
	if got.SyncStatus != SyncSynced || got.LastError != nil {
		t.Fatalf("expected repaired row, got %+v", got)
	}
	if got.ADResource == nil {
		t.Fatalf("expected ad_resource stored")
	}
}

func requireScimError(t *testing.T, err error, status int, scimType string) {
	t.Helper()
	var scimErr *scim.Error
	if !errors.As(err, &scimErr) {
		t.Fatalf("expected SCIM error, got %v", err)
	}
	if scimErr.Status != status || scimErr.ScimType != scimType {
		t.Fatalf("expected %d/%q, got %d/%q", status, scimType, scimErr.Status, scimErr.ScimType)
	}
}

// memStore is an in-memory Store used by processor tests.
type memStore struct {
	rows       map[string]Row
	order      []string
	insertErr  error
	lastOffset int
	lastLimit  int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]Row{}}
}

func (m *memStore) seed(t *testing.T, id, sam string, view scim.Resource) {
	t.Helper()
	view["id"] = id
	viewJSON, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	row := Row{
		ID:           id,
		ScimResource: string(viewJSON),
		SyncStatus:   SyncSynced,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if sam != "" {
		row.SamAccountName = &sam
	}
	m.rows[id] = row
	m.order = append(m.order, id)
}

func (m *memStore) seedWithGUID(t *testing.T, id, sam, guid string, view scim.Resource) {
	t.Helper()
	m.seed(t, id, sam, view)
	row := m.rows[id]
	row.ADObjectGUID = &guid
	m.rows[id] = row
}

func (m *memStore) Insert(ctx context.Context, row Row) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	if row.SamAccountName != nil {
		for _, existing := range m.rows {
			if existing.SamAccountName != nil && *existing.SamAccountName == *row.SamAccountName {
				return ErrDuplicateSam
			}
		}
	}
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	m.rows[row.ID] = row
	m.order = append(m.order, row.ID)
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (Row, error) {
	row, ok := m.rows[id]
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}

func (m *memStore) GetBySam(ctx context.Context, sam string) (Row, error) {
	for _, row := range m.rows {
		if row.SamAccountName != nil && *row.SamAccountName == sam {
			return row, nil
		}
	}
	return Row{}, ErrNotFound
}

func (m *memStore) Update(ctx context.Context, id string, upd RowUpdate) error {
	row, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if upd.ADObjectGUID != nil {
		row.ADObjectGUID = upd.ADObjectGUID
	}
	if upd.SamAccountName != nil {
		row.SamAccountName = upd.SamAccountName
	}
	if upd.ScimResource != nil {
		row.ScimResource = *upd.ScimResource
	}
	if upd.ADResource != nil {
		row.ADResource = upd.ADResource
	}
	if upd.SyncStatus != nil {
		row.SyncStatus = *upd.SyncStatus
	}
	if upd.LastError != nil {
		row.LastError = upd.LastError
	} else if upd.ClearLastError {
		row.LastError = nil
	}
	row.UpdatedAt = time.Now().UTC()
	m.rows[id] = row
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memStore) Page(ctx context.Context, pred *scim.Predicate, offset, limit int) ([]Row, int, error) {
	m.lastOffset = offset
	m.lastLimit = limit

	matched := []Row{}
	for _, id := range m.order {
		row, ok := m.rows[id]
		if !ok {
			continue
		}
		if pred != nil && !matchesEq(row, pred) {
			continue
		}
		matched = append(matched, row)
	}

	total := len(matched)
	if offset >= len(matched) {
		return []Row{}, total, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func matchesEq(row Row, pred *scim.Predicate) bool {
	var actual string
	switch pred.Column {
	case "id":
		actual = row.ID
	case "sam_account_name":
		if row.SamAccountName == nil {
			return false
		}
		actual = *row.SamAccountName
	default:
		return false
	}
	return pred.Operator == "eq" && actual == pred.Value
}

type runnerCall struct {
	op       string
	identity string
	params   map[string]interface{}
	id       string
}

// fakeRunner records invocations and plays back canned results.
type fakeRunner struct {
	createResult directory.Result
	createErr    error
	updateErr    error
	deleteErr    error
	readResult   directory.Result
	readErr      error
	calls        []runnerCall
}

func (f *fakeRunner) Create(ctx context.Context, params map[string]interface{}, id string) (directory.Result, error) {
	f.calls = append(f.calls, runnerCall{op: "create", params: params, id: id})
	if f.createErr != nil {
		return directory.Result{ExitCode: 1}, f.createErr
	}
	return f.createResult, nil
}

func (f *fakeRunner) Update(ctx context.Context, identity string, params map[string]interface{}, id string) (directory.Result, error) {
	f.calls = append(f.calls, runnerCall{op: "update", identity: identity, params: params, id: id})
	if f.updateErr != nil {
		return directory.Result{ExitCode: 1}, f.updateErr
	}
	return directory.Result{}, nil
}

func (f *fakeRunner) Delete(ctx context.Context, identity, id string) (directory.Result, error) {
	f.calls = append(f.calls, runnerCall{op: "delete", identity: identity, id: id})
	if f.deleteErr != nil {
		return directory.Result{ExitCode: 1}, f.deleteErr
	}
	return directory.Result{}, nil
}

func (f *fakeRunner) Read(ctx context.Context, identity, id string) (directory.Result, error) {
	f.calls = append(f.calls, runnerCall{op: "read", identity: identity, id: id})
	if f.readErr != nil {
		return directory.Result{}, f.readErr
	}
	return f.readResult, nil
}

func (f *fakeRunner) call(t *testing.T, op string) runnerCall {
	t.Helper()
	for _, c := range f.calls {
		if c.op == op {
			return c
		}
	}
	t.Fatalf("no %s call recorded: %v", op, f.calls)
	return runnerCall{}
}
