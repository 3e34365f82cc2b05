package generator

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed files.schema.json
var filesSchemaJSON string

var (
	filesSchemaOnce sync.Once
	filesSchema     *jsonschema.Schema
	filesSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	filesSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(filesSchemaJSON))
		if err != nil {
			filesSchemaErr = errors.Wrap(err, "parse files schema")
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("files.schema.json", doc); err != nil {
			filesSchemaErr = errors.Wrap(err, "add files schema")
			return
		}
		filesSchema, filesSchemaErr = c.Compile("files.schema.json")
	})
	return filesSchema, filesSchemaErr
}

type filesPayload struct {
	Files map[string]string `mapstructure:"files"`
}

// ParseFiles validates a model answer and returns its normalized file map.
// Surrounding markdown code fences are tolerated.
func ParseFiles(content string) (map[string]string, error) {
	content = stripFences(content)
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, errors.Wrap(err, "model answer is not JSON")
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, errors.Wrap(err, "model answer does not match the files schema")
	}
	var payload filesPayload
	if err := mapstructure.Decode(doc, &payload); err != nil {
		return nil, errors.Wrap(err, "decode model answer")
	}
	return normalizeFiles(payload.Files)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
