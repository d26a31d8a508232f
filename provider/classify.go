package provider

import (
	"encoding/json"
	"fmt"

	"github.com/jmespath/go-jmespath"

	"github.com/AuralisLabs/CastKit/taskerr"
)

// Classifier maps provider status payloads onto the error taxonomy. Codes
// named in the transient set or falling inside a half-open transient range
// become retryable errors; everything else from the provider is fatal.
type Classifier struct {
	codes    map[int]struct{}
	ranges   [][2]int
	codePath *jmespath.JMESPath
}

// NewClassifier compiles the status code path expression. An empty path
// defaults to the top-level "code" field.
func NewClassifier(transientCodes []int, transientRanges [][2]int, codePath string) (*Classifier, error) {
	if codePath == "" {
		codePath = "code"
	}
	compiled, err := jmespath.Compile(codePath)
	if err != nil {
		return nil, fmt.Errorf("compile status code path %q: %w", codePath, err)
	}

	codes := make(map[int]struct{}, len(transientCodes))
	for _, c := range transientCodes {
		codes[c] = struct{}{}
	}
	return &Classifier{codes: codes, ranges: transientRanges, codePath: compiled}, nil
}

// Transient reports whether code is retryable.
func (c *Classifier) Transient(code int) bool {
	if _, ok := c.codes[code]; ok {
		return true
	}
	for _, r := range c.ranges {
		if code >= r[0] && code < r[1] {
			return true
		}
	}
	return false
}

// Final reports whether payload is a well-formed status carrying the
// final success code. Payloads that fail to parse or carry no code at
// the configured path are never final; Classify turns them into errors.
func (c *Classifier) Final(payload []byte) bool {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}
	v, err := c.codePath.Search(doc)
	if err != nil {
		return false
	}
	f, ok := v.(float64)
	return ok && int(f) == StatusFinal
}

// Classify converts a non-final status payload into a taxonomy error.
func (c *Classifier) Classify(payload []byte) error {
	code, message := c.extract(payload)
	kind := taskerr.KindFatalProvider
	if c.Transient(code) {
		kind = taskerr.KindTransientProvider
	}
	return taskerr.Newf(kind, "provider status: %s", message).WithCode(code)
}

// extract pulls the numeric code and human message out of a status payload.
// Unparseable payloads classify as code 0 with the raw bytes as message.
func (c *Classifier) extract(payload []byte) (int, string) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, fmt.Sprintf("unparseable status payload: %.128s", payload)
	}

	code := 0
	if v, err := c.codePath.Search(doc); err == nil {
		if f, ok := v.(float64); ok {
			code = int(f)
		}
	}

	message := ""
	if m, ok := doc.(map[string]interface{}); ok {
		if s, ok := m["message"].(string); ok {
			message = s
		}
	}
	if message == "" {
		message = fmt.Sprintf("code %d", code)
	}
	return code, message
}
