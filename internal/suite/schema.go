package suite

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// suiteSchema constrains the untyped document before the strict typed decode.
// Definitions are closed, so misspelled keys fail here with a CUE position.
const suiteSchema = `
#Duration: (int & >=0) | string

#Scenario: {
	when?:     _
	response?: _
}

#Mock: {
	nodeType?:  string
	nodeName?:  string
	method?:    =~"^[A-Za-z]+$"
	path?:      =~"^/"
	url?:       string
	response?:  _
	delay?:     #Duration
	scenarios?: [...#Scenario]
}

#Trigger: {
	type:    "webhook" | "schedule" | "email" | "filesystem" | "manual"
	config?: {...}
}

#Hook: {
	command: [string, ...string]
	dir?:     string
	timeout?: #Duration
}

#Config: {
	concurrency?:    int & >=1
	timeout?:        #Duration
	retries?:        int & >=0
	bail?:           bool
	mockServerPort?: int & >=0 & <=65535
	environment?: [string]: string
}

#Test: {
	name:             string & !=""
	workflow?:        string
	inputs?:          {...}
	expectedOutputs?: _
	mocks?: [...#Mock]
	timeout?: #Duration
	retries?: int & >=0
	skip?:    bool
	trigger?: #Trigger
}

#Suite: {
	name:      string & !=""
	workflow?: string
	tests: [#Test, ...#Test]
	config?:   #Config
	setup?:    #Hook
	teardown?: #Hook
}
`

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func compiledSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(suiteSchema, cue.Filename("suite.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile suite schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Suite"))
		if !schemaDef.Exists() {
			schemaErr = fmt.Errorf("suite schema has no #Suite definition")
		}
	})
	return schemaCtx, schemaDef, schemaErr
}

// ValidateDocument checks a decoded suite document against the suite schema.
func ValidateDocument(doc any) error {
	ctx, def, err := compiledSchema()
	if err != nil {
		return err
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	v := ctx.Encode(stringKeys(doc))
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// cue.Context is not safe for concurrent use.
var schemaMu sync.Mutex

// stringKeys rewrites map[any]any produced by yaml.v3 into map[string]any
// without touching scalars, so integer constraints still see integers.
func stringKeys(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = stringKeys(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = stringKeys(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = stringKeys(elem)
		}
		return out
	default:
		return v
	}
}
