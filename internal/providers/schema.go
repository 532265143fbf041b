package providers

// CleanSchemaForProvider normalises a tool's JSON-schema parameters before
// sending them to a provider. Draft markers are dropped and an object type
// with a properties map is assumed when absent.
func CleanSchemaForProvider(provider string, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if k == "$schema" || k == "$id" {
			continue
		}
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok && out["type"] == "object" {
		out["properties"] = map[string]interface{}{}
	}
	return out
}

// CleanToolSchemas rebuilds tool definitions in OpenAI wire format with
// provider-cleaned parameter schemas.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
