package artifacts

import (
	"embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Artifact types written by the built-in pipeline.
const (
	TypeSpec      = "spec"
	TypeDesign    = "design"
	TypeBuildPlan = "build_plan"
	TypeQAReport  = "qa_report"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*gojsonschema.Schema{}
)

// BuiltinSchema returns the compiled schema for one of the pipeline
// artifact types. Unknown types return nil, nil.
func BuiltinSchema(artifactType string) (*gojsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[artifactType]; ok {
		return s, nil
	}
	raw, err := schemaFS.ReadFile("schemas/" + artifactType + ".json")
	if err != nil {
		return nil, nil //nolint:nilerr // no bundled schema for this type
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("artifacts: compile %s schema: %w", artifactType, err)
	}
	schemaCache[artifactType] = s
	return s, nil
}
