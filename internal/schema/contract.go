package schema

// Contract helpers for publish-time validation: property type lookup against
// a schema document and the design-time effective schema.

// PropertyType resolves the declared type of a dotted property path in a
// document. The second return is false when the type is not derivable
// (missing property, untyped schema, free-form objects); callers degrade
// such segments to warnings rather than errors.
func PropertyType(doc Document, path []string) (string, bool) {
	cur := doc
	for i, seg := range path {
		props, ok := cur["properties"].(map[string]any)
		if !ok {
			return "", false
		}
		next, ok := props[seg].(map[string]any)
		if !ok {
			return "", false
		}
		if i == len(path)-1 {
			t, ok := next["type"].(string)
			return t, ok
		}
		cur = next
	}
	return "", false
}

// RequiredProperties returns the top-level required property names of a
// document.
func RequiredProperties(doc Document) []string {
	raw, ok := doc["required"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// EffectiveSchema builds the design-time, non-authoritative schema for a
// trigger: a detached copy of the catalog document, safe for the editor
// surface to decorate without touching the registered original. It is never
// used for runtime validation; publish freezes a registered snapshot instead.
func EffectiveSchema(trigger Document) Document {
	return deepCopy(trigger)
}
