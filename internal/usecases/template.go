package usecases

import "strings"

// RenderTemplate substitutes {key} placeholders with values from data.
// Placeholders with no matching key are left as-is so a bad template is
// visible in the delivered text rather than silently blanked.
func RenderTemplate(template string, data map[string]string) string {
	out := template
	for key, value := range data {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

// conversationVars exposes the lead fields templates and conditions can use.
func conversationVars(name, phone, status string) map[string]string {
	return map[string]string{
		"name":   name,
		"phone":  phone,
		"status": status,
	}
}
