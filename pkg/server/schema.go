package server

import (
	"bytes"
	"log"
	"strings"

	"github.com/santhosh-tekuri/jsonschema"
)

var (
	jobCreateSchema   *jsonschema.Schema
	batchCreateSchema *jsonschema.Schema
)

func init() {
	jobCreateSchema = mustCompile("job-create.json", jobCreateSource)
	batchCreateSchema = mustCompile("batch-create.json", batchCreateSource)
}

func mustCompile(name, source string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft6
	if err := compiler.AddResource(name, strings.NewReader(source)); err != nil {
		log.Fatalf("Failed to add schema resource: %v.", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		log.Fatalf("Failed to parse schema: %v.", err)
	}
	return schema
}

func validate(schema *jsonschema.Schema, body []byte) error {
	return schema.Validate(bytes.NewReader(body))
}

// The pod spec itself is validated by the cluster at pod creation; the schema
// only pins the envelope.
const jobCreateSource = `
{
  "$schema": "http://json-schema.org/draft-06/schema#",
  "type": "object",
  "required": ["spec"],
  "additionalProperties": false,
  "properties": {
    "spec": {"type": "object"},
    "batch_id": {"type": "integer"},
    "attributes": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "callback": {"type": "string"}
  }
}
`

const batchCreateSource = `
{
  "$schema": "http://json-schema.org/draft-06/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "attributes": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}
`
