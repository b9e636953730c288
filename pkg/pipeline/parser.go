package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowplane/pkg/engine"
)

//go:embed schema.cue
var pipelineSchema string

// Supported document formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatCUE  = "cue"
)

// Issue is a single problem found in a pipeline document.
type Issue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	if i.File != "" {
		b.WriteString(i.File)
		if i.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", i.Line, i.Column)
		}
		b.WriteString(": ")
	}
	if i.Path != "" {
		b.WriteString(i.Path)
		b.WriteString(": ")
	}
	b.WriteString(i.Message)
	return b.String()
}

// ParseError lists every issue found in a document.
type ParseError struct {
	Source string
	Issues []Issue
}

func (e *ParseError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("invalid pipeline %s: %s", e.Source, e.Issues[0])
	}
	lines := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		lines[i] = "  " + issue.String()
	}
	return fmt.Sprintf("invalid pipeline %s: %d issues:\n%s", e.Source, len(e.Issues), strings.Join(lines, "\n"))
}

// document is the wire shape of a pipeline definition.
type document struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Nodes       []nodeDocument `json:"nodes"`
}

type nodeDocument struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name,omitempty"`
	Description       string                 `json:"description,omitempty"`
	Type              string                 `json:"type,omitempty"`
	TaskDefinitionRef string                 `json:"taskDefinitionRef,omitempty"`
	Config            map[string]interface{} `json:"config,omitempty"`
	StartWhen         string                 `json:"startWhen,omitempty"`
	StartPayload      map[string]string      `json:"startPayload,omitempty"`
	ControlPolicy     *engine.ControlPolicy  `json:"controlPolicy,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Parser decodes pipeline documents and checks them against the #Pipeline
// CUE schema.
type Parser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewParser compiles the built-in pipeline schema.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(pipelineSchema, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile pipeline schema: %w", err)
	}
	schema := root.LookupPath(cue.ParsePath("#Pipeline"))
	if !schema.Exists() {
		return nil, fmt.Errorf("pipeline schema has no #Pipeline definition")
	}
	return &Parser{ctx: ctx, schema: schema}, nil
}

// ParseFile reads and parses a pipeline file. The format follows the file
// extension: .yaml, .yml, .json or .cue.
func (p *Parser) ParseFile(path string) (*engine.Pipeline, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	return p.parse(data, format, path)
}

// Parse parses a document in the given format.
func (p *Parser) Parse(data []byte, format string) (*engine.Pipeline, error) {
	return p.parse(data, format, "inline")
}

// FormatOf maps a file extension to a document format.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported pipeline file extension %q", filepath.Ext(path))
	}
}

func (p *Parser) parse(data []byte, format, source string) (*engine.Pipeline, error) {
	var val cue.Value
	switch format {
	case FormatYAML, FormatJSON:
		// YAML is a superset of JSON.
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ParseError{Source: source, Issues: []Issue{{File: source, Message: err.Error()}}}
		}
		if raw == nil {
			return nil, &ParseError{Source: source, Issues: []Issue{{File: source, Message: "empty document"}}}
		}
		val = p.ctx.Encode(raw)
	case FormatCUE:
		val = p.ctx.CompileBytes(data, cue.Filename(source))
	default:
		return nil, fmt.Errorf("unsupported pipeline format %q", format)
	}
	if err := val.Err(); err != nil {
		return nil, &ParseError{Source: source, Issues: convertCUEErrors(err)}
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ParseError{Source: source, Issues: convertCUEErrors(err)}
	}

	var doc document
	if err := unified.Decode(&doc); err != nil {
		return nil, &ParseError{Source: source, Issues: []Issue{{File: source, Message: fmt.Sprintf("failed to decode pipeline: %v", err)}}}
	}
	return doc.pipeline(), nil
}

func (d document) pipeline() *engine.Pipeline {
	p := &engine.Pipeline{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Nodes:       make([]*engine.Node, 0, len(d.Nodes)),
	}
	for _, nd := range d.Nodes {
		p.Nodes = append(p.Nodes, &engine.Node{
			ID:          nd.ID,
			PipelineID:  d.ID,
			Name:        nd.Name,
			Description: nd.Description,
			TaskConfig: engine.TaskConfig{
				TaskType:          nd.Type,
				TaskDefinitionRef: nd.TaskDefinitionRef,
				Config:            nd.Config,
			},
			ControlPolicy: nd.ControlPolicy,
			StartWhen:     nd.StartWhen,
			StartPayload:  nd.StartPayload,
			Metadata:      nd.Metadata,
		})
	}
	return p
}

func convertCUEErrors(err error) []Issue {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		issue := Issue{Message: fmt.Sprintf(format, args...)}
		if path := e.Path(); len(path) > 0 {
			issue.Path = strings.Join(path, ".")
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			issue.File = pos[0].Filename()
			issue.Line = pos[0].Line()
			issue.Column = pos[0].Column()
		}
		issues = append(issues, issue)
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	return issues
}
