package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// extractionConfigSchema constrains the extraction_config block before it is
// decoded. Unknown top-level keys are rejected so typos fail loudly instead
// of silently configuring nothing; free-form engine parameters go under
// "extra".
const extractionConfigSchema = `{
	"type": "object",
	"properties": {
		"prompt": {"type": "string"},
		"examples": {"type": "array"},
		"model": {"type": "string"},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2},
		"consensus_providers": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 2
		},
		"consensus_threshold": {"type": "number", "minimum": 0, "maximum": 1},
		"match_span_overlap": {"type": "number", "minimum": 0, "maximum": 1},
		"disable_cache": {"type": "boolean"},
		"extra": {"type": "object"}
	},
	"additionalProperties": false
}`

func mustCompileConfigSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("extraction_config.json", strings.NewReader(extractionConfigSchema)); err != nil {
		panic(fmt.Sprintf("httpapi: add config schema: %v", err))
	}
	return c.MustCompile("extraction_config.json")
}
