package provisioning

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dhawalhost/scimbridge/internal/scim"
)

// formatUser renders a cache row as a SCIM User envelope. The row is
// authoritative for id and timestamps; the stored view supplies everything
// else, with userName falling back to the row's sam_account_name.
func formatUser(row Row, baseURL string) (scim.Resource, error) {
	var view scim.Resource
	if err := json.Unmarshal([]byte(row.ScimResource), &view); err != nil {
		return nil, err
	}
	if view == nil {
		view = scim.Resource{}
	}

	view["schemas"] = []string{scim.UserSchema}
	view["id"] = row.ID

	if userName, ok := view.StringField("userName"); !ok || userName == "" {
		if row.SamAccountName != nil {
			view["userName"] = *row.SamAccountName
		}
	}

	view["meta"] = map[string]interface{}{
		"resourceType": "User",
		"created":      row.CreatedAt.UTC().Format(time.RFC3339),
		"lastModified": row.UpdatedAt.UTC().Format(time.RFC3339),
		"location":     userLocation(baseURL, row.ID),
	}

	return view, nil
}

// userLocation builds the self URL for a user id.
func userLocation(baseURL, id string) string {
	return strings.TrimSuffix(baseURL, "/") + "/scim/v2/Users/" + id
}

// canonicalView normalizes an incoming SCIM document before it is persisted:
// the embedded id always equals the row id, the schemas list is pinned to the
// User URI, and meta is dropped because the row timestamps are authoritative.
func canonicalView(user scim.Resource, id string) scim.Resource {
	view := user.Clone()
	if view == nil {
		view = scim.Resource{}
	}
	view["id"] = id
	view["schemas"] = []string{scim.UserSchema}
	delete(view, "meta")
	return view
}
