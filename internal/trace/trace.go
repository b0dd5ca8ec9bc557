// Package trace defines the reasoning trace document an agent hashes before
// acting. The ledger only ever sees the trace's 32-byte canonical hash; the
// document itself lives off-ledger behind the reveal URI.
package trace

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"solprism/internal/canonical"
)

// Version is the trace format version.
const Version = "1.0.0"

const schemaURL = "https://solprism.dev/schema/reasoning-trace-v1.json"

//go:embed schema.json
var schemaJSON []byte

// ErrInvalid wraps schema validation failures.
var ErrInvalid = errors.New("trace: invalid document")

// Trace is a reasoning trace.
type Trace struct {
	Version   string    `json:"version"`
	Agent     string    `json:"agent"`
	Timestamp int64     `json:"timestamp"`
	Action    Action    `json:"action"`
	Inputs    *Inputs   `json:"inputs,omitempty"`
	Analysis  *Analysis `json:"analysis,omitempty"`
	Decision  Decision  `json:"decision"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

type Action struct {
	Type                 string `json:"type"`
	Description          string `json:"description"`
	TransactionSignature string `json:"transactionSignature,omitempty"`
}

type Inputs struct {
	DataSources []DataSource `json:"dataSources,omitempty"`
	Context     string       `json:"context,omitempty"`
}

type DataSource struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	QueriedAt int64  `json:"queriedAt,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

type Analysis struct {
	Observations           []string      `json:"observations,omitempty"`
	Logic                  string        `json:"logic,omitempty"`
	AlternativesConsidered []Alternative `json:"alternativesConsidered,omitempty"`
}

type Alternative struct {
	Action         string `json:"action"`
	ReasonRejected string `json:"reasonRejected"`
}

type Decision struct {
	ActionChosen    string `json:"actionChosen"`
	Confidence      uint8  `json:"confidence"`
	RiskAssessment  string `json:"riskAssessment,omitempty"`
	ExpectedOutcome string `json:"expectedOutcome,omitempty"`
}

type Metadata struct {
	Model           string         `json:"model,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
	ExecutionTimeMs int64          `json:"executionTimeMs,omitempty"`
	Custom          map[string]any `json:"custom,omitempty"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add trace schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Schema returns the embedded JSON schema.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

// ValidateJSON validates a raw document against the schema.
func ValidateJSON(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Validate checks t against the schema.
func (t *Trace) Validate() error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return ValidateJSON(data)
}

// Hash validates t and returns its canonical SHA-256 hash.
func (t *Trace) Hash() ([32]byte, error) {
	if err := t.Validate(); err != nil {
		return [32]byte{}, err
	}
	return canonical.Hash(t)
}

// Parse decodes and validates a trace document.
func Parse(data []byte) (*Trace, error) {
	if err := ValidateJSON(data); err != nil {
		return nil, err
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &t, nil
}
