package core

import "strings"

// ResolveContent substitutes [key] placeholders in the template with
// the recipient's data. Custom variables win over the built-in [name]
// and [phone]; a placeholder whose value is unknown everywhere is left
// verbatim so typos stay visible in the delivered text.
func ResolveContent(template string, r *Recipient) string {
	if template == "" {
		return ""
	}
	out := template
	for k, v := range r.Variables {
		out = strings.ReplaceAll(out, "["+k+"]", v)
	}
	if _, ok := r.Variables["name"]; !ok {
		out = strings.ReplaceAll(out, "[name]", r.Name)
	}
	if _, ok := r.Variables["phone"]; !ok {
		out = strings.ReplaceAll(out, "[phone]", r.Phone)
	}
	return out
}
