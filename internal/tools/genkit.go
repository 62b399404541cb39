package tools

import "github.com/firebase/genkit/go/ai"

// ToolDefinitions adapts schemas to genkit's function-calling form. The
// input schema is copied through unchanged.
func ToolDefinitions(schemas []Schema) []*ai.ToolDefinition {
	defs := make([]*ai.ToolDefinition, 0, len(schemas))
	for _, s := range schemas {
		defs = append(defs, &ai.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: cloneSchema(s.InputSchema),
		})
	}
	return defs
}

// ToolDefinitions returns every registered tool in genkit form.
func (r *Registry) ToolDefinitions() []*ai.ToolDefinition {
	return ToolDefinitions(r.ListSchemas())
}
