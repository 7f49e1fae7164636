package normalize

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/animus-labs/flowgate/internal/domain"
)

//go:embed workflow.schema.json
var workflowSchemaJSON []byte

const workflowSchemaURL = "https://flowgate.local/schemas/workflow.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode workflow schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	return c.Compile(workflowSchemaURL)
})

// validateStructure checks the raw payload against the embedded schema before
// it is decoded into the closed definition type.
func validateStructure(raw []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return domain.Malformed("invalid json: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return domain.Malformed("%s", firstLine(verr.Error()))
		}
		return domain.Malformed("%v", err)
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
