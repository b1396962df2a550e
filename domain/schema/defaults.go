package schema

// DefaultVersions returns the built-in "1.0" covenant trace schema: the
// component set and field-extraction rules a collector boots with before any
// admin-surface schema registration occurs. Kept here rather than loaded from
// the database since the registry itself is an in-memory table (§4.1);
// persistent schema versions are an admin-surface concern out of this
// repository's scope.
func DefaultVersions() []Version {
	return []Version{
		{
			Version: "1.0",
			Status:  StatusCurrent,
			SignatureEventTypes: []string{
				"THOUGHT_START", "SNAPSHOT_AND_CONTEXT", "DMA_RESULTS",
				"ASPDMA_RESULT", "CONSCIENCE_RESULT", "ACTION_RESULT",
			},
			RequiredEventTypes: []string{
				"THOUGHT_START", "SNAPSHOT_AND_CONTEXT", "DMA_RESULTS",
				"ASPDMA_RESULT", "CONSCIENCE_RESULT", "ACTION_RESULT",
			},
			OptionalEventTypes: []string{"TSASPDMA_RESULT", "IDMA_RESULT"},
			Rules: []FieldExtractionRule{
				{EventType: "DMA_RESULTS", FieldName: "csdma_plausibility", JSONPath: "csdma.plausibility", DataType: TypeFloat, Column: "csdma_plausibility"},
				{EventType: "DMA_RESULTS", FieldName: "dsdma_alignment", JSONPath: "dsdma.alignment", DataType: TypeFloat, Column: "dsdma_alignment"},
				{EventType: "IDMA_RESULT", FieldName: "idma_numeric", JSONPath: "numeric_score", DataType: TypeFloat, Column: "idma_numeric"},
				{EventType: "CONSCIENCE_RESULT", FieldName: "conscience_pass", JSONPath: "passed", DataType: TypeBoolean, Column: "conscience_pass"},
				{EventType: "CONSCIENCE_RESULT", FieldName: "action_was_overridden", JSONPath: "overridden", DataType: TypeBoolean, Column: "action_was_overridden"},
				{EventType: "CONSCIENCE_RESULT", FieldName: "entropy_level", JSONPath: "entropy", DataType: TypeFloat, Column: "entropy_level"},
				{EventType: "SNAPSHOT_AND_CONTEXT", FieldName: "coherence_level", JSONPath: "coherence_level", DataType: TypeFloat, Column: "coherence_level"},
				{EventType: "ACTION_RESULT", FieldName: "selected_action", JSONPath: "action", DataType: TypeString, Column: "selected_action"},
				{EventType: "ACTION_RESULT", FieldName: "action_success", JSONPath: "success", DataType: TypeBoolean, Column: "action_success"},
				{EventType: "ACTION_RESULT", FieldName: "resource_tokens", JSONPath: "resources.tokens", DataType: TypeInt, Column: "resource_tokens"},
				{EventType: "ACTION_RESULT", FieldName: "resource_time_ms", JSONPath: "resources.time_ms", DataType: TypeInt, Column: "resource_time_ms"},
			},
		},
	}
}
