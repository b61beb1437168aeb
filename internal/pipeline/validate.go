package pipeline

import (
	"github.com/xeipuuv/gojsonschema"

	kerr "github.com/gddisney/Katamari/pkg/errors"
)

// configSchema constrains a pipeline definition: a name plus a list of jobs,
// each carrying a name and an interval-string schedule.
const configSchema = `{
	"type": "object",
	"required": ["name", "jobs"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"jobs": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"schedule": {"type": "string", "pattern": "^(\\d+[qMwdhms])*$"}
				}
			}
		}
	}
}`

// ValidateConfig checks a pipeline definition against the config schema and
// returns a Schema error describing the first violation.
func ValidateConfig(config map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return kerr.New(kerr.KindSchema, "pipeline config validation failed", err)
	}
	if !result.Valid() {
		return kerr.Schema("invalid pipeline config: " + result.Errors()[0].String())
	}
	return nil
}
