package provisioning

import (
	"strings"

	"github.com/dhawalhost/scimbridge/internal/directory"
	"github.com/dhawalhost/scimbridge/internal/scim"
)

// samMaxLen is the Active Directory limit for sAMAccountName.
const samMaxLen = 20

// SamFromUserName derives the sAMAccountName from a SCIM userName: the
// portion before the first "@", truncated to 20 characters.
func SamFromUserName(userName string) string {
	sam := userName
	if i := strings.Index(sam, "@"); i >= 0 {
		sam = sam[:i]
	}
	if len(sam) > samMaxLen {
		sam = sam[:samMaxLen]
	}
	return sam
}

// UserToParams translates a SCIM user into directory tool parameters.
// Unset or type-mismatched inputs produce unset outputs. baseOU is only
// supplied on the create path and becomes the target container.
func UserToParams(user scim.Resource, baseOU string) map[string]interface{} {
	params := map[string]interface{}{}

	if userName, ok := user.StringField("userName"); ok && userName != "" {
		params[directory.ParamSamAccountName] = SamFromUserName(userName)
		if strings.Contains(userName, "@") {
			params[directory.ParamUserPrincipalName] = userName
		}
	}

	if name, ok := user.MapField("name"); ok {
		if given, ok := scim.Resource(name).StringField("givenName"); ok {
			params[directory.ParamGivenName] = given
		}
		if family, ok := scim.Resource(name).StringField("familyName"); ok {
			params[directory.ParamSurname] = family
		}
	}

	if email, ok := primaryEmail(user); ok {
		params[directory.ParamEmailAddress] = email
	}

	if displayName, ok := user.StringField("displayName"); ok {
		params[directory.ParamDisplayName] = displayName
	}

	if active, ok := user.BoolField("active"); ok {
		params[directory.ParamEnabled] = active
	}

	if externalID, ok := user.StringField("externalId"); ok {
		params[directory.ParamEmployeeID] = externalID
	}

	// The CN for creation. Updates strip this again before invoking the tool.
	if displayName, ok := params[directory.ParamDisplayName]; ok {
		params[directory.ParamName] = displayName
	} else if sam, ok := params[directory.ParamSamAccountName]; ok {
		params[directory.ParamName] = sam
	}

	if baseOU != "" {
		params[directory.ParamPath] = baseOU
	}

	return params
}

// primaryEmail picks the first email marked primary, else the first one,
// and returns its value.
func primaryEmail(user scim.Resource) (string, bool) {
	emails, ok := user.SliceField("emails")
	if !ok || len(emails) == 0 {
		return "", false
	}

	chosen := emails[0]
	for _, e := range emails {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if primary, ok := scim.Resource(entry).BoolField("primary"); ok && primary {
			chosen = e
			break
		}
	}

	entry, ok := chosen.(map[string]interface{})
	if !ok {
		return "", false
	}
	value, ok := scim.Resource(entry).StringField("value")
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// MergeDirectoryUser folds a directory read-back into an existing SCIM view.
// Only recognized, correctly typed directory fields overwrite their SCIM
// counterparts; everything else in the view survives untouched.
func MergeDirectoryUser(existing scim.Resource, adUser map[string]interface{}) scim.Resource {
	merged := existing.Clone()
	ad := scim.Resource(adUser)

	if sam, ok := ad.StringField("SamAccountName"); ok && sam != "" {
		merged["userName"] = sam
	}
	if displayName, ok := ad.StringField("DisplayName"); ok && displayName != "" {
		merged["displayName"] = displayName
	}

	given, hasGiven := ad.StringField("GivenName")
	family, hasFamily := ad.StringField("Surname")
	if hasGiven || hasFamily {
		name := map[string]interface{}{}
		if existingName, ok := merged.MapField("name"); ok {
			name = existingName
		}
		if hasGiven {
			name["givenName"] = given
		}
		if hasFamily {
			name["familyName"] = family
		}
		merged["name"] = name
	}

	if email, ok := ad.StringField("EmailAddress"); ok && email != "" {
		merged["emails"] = []interface{}{
			map[string]interface{}{"value": email, "type": "work", "primary": true},
		}
	}

	if enabled, ok := ad.BoolField("Enabled"); ok {
		merged["active"] = enabled
	}

	return merged
}
