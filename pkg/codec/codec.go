// Package codec converts chain definitions and execution snapshots to and
// from portable JSON or YAML documents.
//
// Decoding is strict: the version tag is checked first (SCHEMA_VERSION), then
// the document is validated against its JSON Schema and rebuilt through the
// machine package's own constructors (MALFORMED_DATA). There is no partial
// decode; any failure returns no value.
package codec

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

// Format selects the document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks YAML for .yaml/.yml files and JSON otherwise.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Option configures a Codec.
type Option func(*Codec)

// WithFormat sets the encoding. The default is JSON.
func WithFormat(f Format) Option {
	return func(c *Codec) { c.format = f }
}

// WithIndent pretty-prints JSON output.
func WithIndent() Option {
	return func(c *Codec) { c.indent = true }
}

// Codec encodes and decodes chain and execution documents. It is safe for
// concurrent use.
type Codec struct {
	format  Format
	indent  bool
	schemas *documentSchemas
}

// New creates a Codec.
func New(opts ...Option) (*Codec, error) {
	c := &Codec{format: FormatJSON}
	for _, opt := range opts {
		opt(c)
	}
	if c.format != FormatJSON && c.format != FormatYAML {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported format %q", c.format)
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "compile document schemas").WithCause(err)
	}
	c.schemas = schemas
	return c, nil
}

// Format returns the codec's encoding.
func (c *Codec) Format() Format {
	return c.format
}

// EncodeChain serializes a chain definition. Every step must carry a
// procedure reference; inline procedures have no portable form.
func (c *Codec) EncodeChain(chain *machine.Chain) ([]byte, error) {
	if chain == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain is nil")
	}
	doc := chain.Document()
	for _, s := range doc.Steps {
		if s.ProcedureRef == "" {
			return nil, schema.NewErrorf(schema.ErrCodeMalformedData,
				"step %q has an inline procedure and no procedure_ref", s.ID).WithStep(s.ID)
		}
	}
	return c.marshal(doc)
}

// DecodeChain rebuilds and validates a chain definition. The returned chain
// is not frozen; binding it to an engine freezes it.
func (c *Codec) DecodeChain(data []byte) (*machine.Chain, error) {
	raw, err := c.parse(data)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(raw, "chain"); err != nil {
		return nil, err
	}
	if err := validateAgainst(c.schemas.chain, raw, "chain"); err != nil {
		return nil, err
	}

	var doc schema.ChainDocument
	if err := remarshal(raw, &doc); err != nil {
		return nil, err
	}
	for _, s := range doc.Steps {
		normalizeNumbers(s.Params)
	}
	chain, err := machine.ChainFromDocument(doc)
	if err != nil {
		return nil, malformed("chain", err)
	}
	return chain, nil
}

// EncodeExecution serializes an execution snapshot. Only suspended and
// terminal executions can be captured.
func (c *Codec) EncodeExecution(state *machine.ExecutionState) ([]byte, error) {
	if state == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution state is nil")
	}
	if state.Status == schema.ExecutionStatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"execution %s is running; pause it before taking a snapshot", state.ID)
	}
	return c.marshal(state.Document())
}

// DecodeExecution rebuilds an execution snapshot. Bind it to its chain with
// machine.Restore, or use RestoreEngine.
func (c *Codec) DecodeExecution(data []byte) (*machine.ExecutionState, error) {
	raw, err := c.parse(data)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(raw, "execution"); err != nil {
		return nil, err
	}
	if err := validateAgainst(c.schemas.execution, raw, "execution"); err != nil {
		return nil, err
	}

	var doc schema.ExecutionDocument
	if err := remarshal(raw, &doc); err != nil {
		return nil, err
	}
	normalizeNumbers(doc.Payload)
	if doc.Error != nil {
		normalizeNumbers(doc.Error.Details)
	}
	state, err := machine.StateFromDocument(doc)
	if err != nil {
		return nil, malformed("execution", err)
	}
	return state, nil
}

// RestoreEngine decodes a snapshot and binds it to chain.
func (c *Codec) RestoreEngine(chain *machine.Chain, data []byte, opts ...machine.Option) (*machine.Engine, error) {
	state, err := c.DecodeExecution(data)
	if err != nil {
		return nil, err
	}
	return machine.Restore(chain, state, opts...)
}

func (c *Codec) marshal(doc any) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c.format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(doc); err == nil {
			err = enc.Close()
		}
		out = buf.Bytes()
	default:
		if c.indent {
			out, err = json.MarshalIndent(doc, "", "  ")
		} else {
			out, err = json.Marshal(doc)
		}
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedData, "encode %s document: %s", c.format, err.Error()).WithCause(err)
	}
	return out, nil
}

// parse turns data into the validator's generic JSON form. YAML documents
// are converted through JSON so both formats share one validation path.
func (c *Codec) parse(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeMalformedData, "document is empty")
	}
	if c.format != FormatYAML {
		return parseJSON(data)
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedData, "document is not valid YAML: %s", err.Error()).WithCause(err)
	}
	asJSON, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedData, "YAML document has no JSON form: %s", err.Error()).WithCause(err)
	}
	return parseJSON(asJSON)
}

// checkVersion rejects documents whose major version this codec does not
// understand. A missing tag counts as unknown.
func checkVersion(raw any, kind string) error {
	obj, ok := raw.(map[string]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeMalformedData, "%s document must be an object", kind)
	}
	tag, _ := obj["version"].(string)
	major, ok := schema.MajorVersion(tag)
	if !ok || major != schema.DocumentMajorVersion {
		return schema.NewErrorf(schema.ErrCodeSchemaVersion,
			"unsupported %s document version %q (supported: %d.x)", kind, tag, schema.DocumentMajorVersion).
			WithDetails(map[string]any{"version": tag, "supported": schema.DocumentVersion})
	}
	return nil
}

// remarshal moves a validated generic document into its typed form. Numbers
// in free-form maps are kept as json.Number until normalizeNumbers runs.
func remarshal(raw any, out any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeMalformedData, "re-encode document: %s", err.Error()).WithCause(err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeMalformedData, "decode document: %s", err.Error()).WithCause(err)
	}
	return nil
}

// normalizeNumbers replaces json.Number values in place: integers that fit
// become int64, everything else float64.
func normalizeNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		normalizeNumbers(t)
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

func malformed(kind string, err error) *schema.MachineError {
	return schema.NewErrorf(schema.ErrCodeMalformedData, "%s document is structurally invalid: %s", kind, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"reason": schema.CodeOf(err)})
}
