package directory

import (
	"fmt"
	"sort"
	"strings"
)

// Cmdlet parameter names the bridge passes to the AD tooling. The attribute
// mapper produces exactly these keys; the script builders render them.
const (
	ParamSamAccountName    = "SamAccountName"
	ParamGivenName         = "GivenName"
	ParamSurname           = "Surname"
	ParamEmailAddress      = "EmailAddress"
	ParamDisplayName       = "DisplayName"
	ParamName              = "Name"
	ParamEnabled           = "Enabled"
	ParamEmployeeID        = "EmployeeID"
	ParamPath              = "Path"
	ParamUserPrincipalName = "UserPrincipalName"
)

// RedactionMarker replaces sensitive parameter values in audit rows.
const RedactionMarker = "[REDACTED]"

// sensitiveParams are parameter names whose values never reach the audit
// log. Matched case-insensitively.
var sensitiveParams = map[string]bool{
	"accountpassword": true,
	"password":        true,
	"secret":          true,
	"token":           true,
}

// quoteValue renders s as a single-quoted PowerShell string literal. Inside
// single quotes the only character needing escape is the quote itself,
// doubled, so untrusted attribute values cannot break out of the literal.
func quoteValue(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// writeParam renders one -Key value pair. Booleans use the switch form the
// cmdlets accept for both parameter styles; everything else is quoted.
func writeParam(b *strings.Builder, key string, value interface{}) {
	switch v := value.(type) {
	case bool:
		if v {
			b.WriteString(" -" + key + ":$true")
		} else {
			b.WriteString(" -" + key + ":$false")
		}
	case string:
		b.WriteString(" -" + key + " " + quoteValue(v))
	default:
		b.WriteString(" -" + key + " " + quoteValue(fmt.Sprintf("%v", v)))
	}
}

// writeParams renders params in sorted key order so scripts are stable for
// a given parameter set.
func writeParams(b *strings.Builder, params map[string]interface{}) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeParam(b, k, params[k])
	}
}

func buildCreateScript(params map[string]interface{}, password, server string) string {
	var b strings.Builder
	b.WriteString("New-ADUser")
	writeParams(&b, params)
	b.WriteString(" -AccountPassword (ConvertTo-SecureString " + quoteValue(password) + " -AsPlainText -Force)")
	b.WriteString(" -ChangePasswordAtLogon:$false")
	if server != "" {
		b.WriteString(" -Server " + quoteValue(server))
	}
	b.WriteString(" -PassThru | ConvertTo-Json -Depth 4")
	return b.String()
}

func buildUpdateScript(identity string, params map[string]interface{}, server string) string {
	var b strings.Builder
	b.WriteString("Set-ADUser -Identity " + quoteValue(identity))
	writeParams(&b, params)
	if server != "" {
		b.WriteString(" -Server " + quoteValue(server))
	}
	return b.String()
}

func buildDeleteScript(identity, server string) string {
	var b strings.Builder
	b.WriteString("Remove-ADUser -Identity " + quoteValue(identity))
	b.WriteString(" -Confirm:$false")
	if server != "" {
		b.WriteString(" -Server " + quoteValue(server))
	}
	return b.String()
}

func buildReadScript(identity, server string) string {
	var b strings.Builder
	b.WriteString("Get-ADUser -Identity " + quoteValue(identity))
	b.WriteString(" -Properties *")
	if server != "" {
		b.WriteString(" -Server " + quoteValue(server))
	}
	b.WriteString(" | ConvertTo-Json -Depth 4")
	return b.String()
}

// RedactParams returns a copy of params with sensitive values replaced by
// the redaction marker. Always applied before parameters are serialized for
// the audit log.
func RedactParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if sensitiveParams[strings.ToLower(k)] {
			out[k] = RedactionMarker
			continue
		}
		out[k] = v
	}
	return out
}

// ExtractObjectGUID pulls the objectGUID out of a parsed tool result.
// Depending on the tool version the GUID serializes either as a bare string
// or as an object carrying a "value" field; both layouts are accepted.
func ExtractObjectGUID(obj map[string]interface{}) string {
	raw, ok := obj["ObjectGUID"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case map[string]interface{}:
		if s, ok := v["value"].(string); ok {
			return s
		}
	}
	return ""
}
