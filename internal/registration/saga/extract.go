package saga

import (
	"maps"

	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/session"
)

// Extract returns the creation payload for t, copied from the registration data.
func Extract(data session.Data, t progress.EntityType) session.Payload {
	switch t {
	case progress.Category:
		p := session.Payload{}
		maps.Copy(p, data.CategoryData)
		p["category"] = data.Category
		return p
	case progress.Employment:
		return maps.Clone(data.Employment)
	case progress.Practices:
		return maps.Clone(data.Practices)
	case progress.Preferences:
		return maps.Clone(data.Preferences)
	case progress.Settings:
		return maps.Clone(data.Settings)
	case progress.Insurance:
		selections := make([]any, 0, len(data.Insurance))
		for _, sel := range data.Insurance {
			item := map[string]any{"plan": sel.Plan}
			if len(sel.Details) > 0 {
				item["details"] = maps.Clone(sel.Details)
			}
			selections = append(selections, item)
		}
		return session.Payload{"selections": selections}
	}
	return nil
}
