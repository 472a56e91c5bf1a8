package llm

import "google.golang.org/genai"

// buildGeminiTools declares every tool as a function of one Gemini tool.
func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  geminiSchema(normalizeSchema(spec.Schema)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema converts a JSON schema into Gemini's schema subset. Keywords
// Gemini rejects (formats, bounds, patterns, defaults, $schema) are dropped.
func geminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeString}
	}
	typ, nullable := geminiType(schema["type"])
	out := &genai.Schema{
		Type:        typ,
		Description: stringValue(schema["description"]),
		Enum:        stringList(schema["enum"]),
		Required:    stringList(schema["required"]),
	}
	if nullable {
		out.Nullable = genai.Ptr(true)
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if m, ok := prop.(map[string]any); ok {
				out.Properties[name] = geminiSchema(m)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = geminiSchema(items)
	}
	for _, key := range []string{"anyOf", "oneOf"} {
		variants, ok := schema[key].([]any)
		if !ok {
			continue
		}
		for _, v := range variants {
			if m, ok := v.(map[string]any); ok {
				out.AnyOf = append(out.AnyOf, geminiSchema(m))
			}
		}
		out.Type = ""
	}
	return out
}

// geminiType maps a JSON schema "type", which may be a list such as
// ["string", "null"], to a Gemini type and reports whether null is allowed.
func geminiType(v any) (genai.Type, bool) {
	var names []string
	switch t := v.(type) {
	case string:
		names = []string{t}
	case []any:
		names = stringList(t)
	case []string:
		names = t
	}
	typ, nullable := genai.TypeString, false
	found := false
	for _, name := range names {
		if name == "null" {
			nullable = true
			continue
		}
		if found {
			continue
		}
		switch name {
		case "string":
			typ, found = genai.TypeString, true
		case "integer":
			typ, found = genai.TypeInteger, true
		case "number":
			typ, found = genai.TypeNumber, true
		case "boolean":
			typ, found = genai.TypeBoolean, true
		case "array":
			typ, found = genai.TypeArray, true
		case "object":
			typ, found = genai.TypeObject, true
		}
	}
	return typ, nullable
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
