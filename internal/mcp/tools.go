package mcp

// ToolDefinitions returns the MCP tool definitions for the memory server.
func ToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "memory_search",
			Description: "Search long-term memory with hybrid vector and keyword ranking. " +
				"Returns fragments with ~80 char previews; follow up with memory_get for full content.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":     {Type: "string", Description: "Natural language search query"},
					"projectId": {Type: "string", Description: "Project scope; omit to search every project"},
					"limit": {Type: "number", Description: "Maximum results to return (default 5)",
						Default: 5},
					"mode": {Type: "string", Description: "Ranking mode",
						Enum: []string{"hybrid", "vector", "keyword"}, Default: "hybrid"},
					"includeGlobal": {Type: "boolean", Description: "Include fragments stored without a project",
						Default: true},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "memory_get",
			Description: "Retrieve full content for specific fragment IDs.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"ids": {Type: "array", Description: "Fragment IDs to retrieve",
						Items: &Property{Type: "number"}},
				},
				Required: []string{"ids"},
			},
		},
		{
			Name: "memory_store",
			Description: "Store a fragment in long-term memory. Write it as a standalone note. " +
				"Exact duplicates are reported, not stored twice.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"content":   {Type: "string", Description: "The fragment text"},
					"projectId": {Type: "string", Description: "Project scope; omit for a global fragment"},
					"sessionId": {Type: "string", Description: "Originating session"},
				},
				Required: []string{"content"},
			},
		},
		{
			Name:        "memory_restore",
			Description: "Build the context bundle for a fresh session: recent turns plus related fragments within a token budget.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"projectId":   {Type: "string", Description: "Project to restore"},
					"tokenBudget": {Type: "number", Description: "Token budget (default 2000)"},
				},
			},
		},
		{
			Name:        "memory_delete",
			Description: "Delete a fragment. Without confirm=true this only previews what would be removed.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":      {Type: "number", Description: "Fragment ID"},
					"confirm": {Type: "boolean", Description: "Actually delete", Default: false},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "memory_stats",
			Description: "Report fragment, session, and turn counts for the store.",
			InputSchema: InputSchema{Type: "object"},
		},
	}
}
