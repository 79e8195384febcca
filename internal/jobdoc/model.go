// Package jobdoc extracts fields from JSON job documents with a declarative
// parameter table.
package jobdoc

import (
	"bytes"
	"encoding/base64"
	"io"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	MaxTokens       = 64  // JSON tokens in one document
	MaxParams       = 32  // parameters in one model
	MaxStringLength = 256 // copied string values
	MaxSignatureLen = 256 // decoded signature bytes
)

// Kind is the JSON value kind a parameter must have.
type Kind uint8

const (
	KindString Kind = iota
	KindObject
	KindArray
	KindPrimitive // number, true, false or null
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindPrimitive:
		return "primitive"
	}
	return "invalid"
}

// Extract selects how a value is stored.
type Extract uint8

const (
	// DontStore only checks presence and kind. Objects and arrays are searched for more keys.
	DontStore Extract = iota
	StringInDoc
	StringCopy
	UInt32
	Ident // presence flag
	SigBase64
)

// Setter stores an extracted value: a string for StringInDoc and StringCopy,
// a uint32 for UInt32, true for Ident and a []byte for SigBase64.
type Setter func(v interface{})

func String(dst *string) Setter {
	return func(v interface{}) { *dst = v.(string) }
}

func Uint32(dst *uint32) Setter {
	return func(v interface{}) { *dst = v.(uint32) }
}

func Flag(dst *bool) Setter {
	return func(v interface{}) { *dst = v.(bool) }
}

func Bytes(dst *[]byte) Setter {
	return func(v interface{}) { *dst = v.([]byte) }
}

// Param describes one key of a document model.
type Param struct {
	Key      string
	Required bool
	Kind     Kind
	Extract  Extract
	Set      Setter
}

// Model is the table of parameters a document is parsed with. Keys are matched
// at any depth inside containers the model recognizes.
type Model []Param

type parser struct {
	dec      *json.Decoder
	model    Model
	received uint32
	tokens   int
}

// Parse walks doc once, storing every recognized value through its Setter.
// Unknown keys are skipped with their whole value. A key seen twice is
// ErrDuplicatesNotAllowed. Missing required keys are logged by name and
// reported as ErrMalformedDoc.
func Parse(doc []byte, m Model) error {
	if len(m) > MaxParams {
		return ErrTooManyParams
	}

	p := &parser{dec: json.NewDecoder(bytes.NewReader(doc)), model: m}
	p.dec.UseNumber()

	tok, err := p.next()
	if err == nil {
		err = p.value(tok)
	}
	if err != nil {
		log.WithError(err).Debug("Job document parse failed")
		return err
	}

	var required uint32
	for n, prm := range m {
		if prm.Required {
			required |= 1 << uint(n)
		}
	}
	missing := required &^ p.received
	if missing == 0 {
		return nil
	}

	var keys []string
	for n, prm := range m {
		if missing&(1<<uint(n)) != 0 {
			log.WithField("key", prm.Key).Error("Job document parameter not present")
			keys = append(keys, prm.Key)
		}
	}
	return errors.WithMessage(ErrMalformedDoc, "missing "+strings.Join(keys, ", "))
}

func (p *parser) next() (json.Token, error) {
	tok, err := p.dec.Token()
	if err != nil {
		if err == io.EOF && p.tokens == 0 {
			return nil, ErrNoTokens
		}
		return nil, errors.WithMessage(ErrMalformedDoc, err.Error())
	}
	if d, ok := tok.(json.Delim); ok && (d == '}' || d == ']') {
		return tok, nil
	}
	p.tokens++
	if p.tokens > MaxTokens {
		return nil, ErrOutOfMemory
	}
	return tok, nil
}

func kindOf(tok json.Token) Kind {
	switch t := tok.(type) {
	case string:
		return KindString
	case json.Delim:
		if t == '{' {
			return KindObject
		}
		return KindArray
	}
	return KindPrimitive
}

// value walks the value starting with tok, looking for model keys inside containers.
func (p *parser) value(tok json.Token) error {
	switch tok {
	case json.Delim('{'):
		return p.object()
	case json.Delim('['):
		return p.array()
	}
	return nil
}

func (p *parser) object() error {
	for p.dec.More() {
		tok, err := p.next()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return ErrNoTokens
		}

		if tok, err = p.next(); err != nil {
			return err
		}

		n := p.lookup(key)
		if n < 0 {
			if err = p.skip(tok); err != nil {
				return err
			}
			continue
		}
		if p.received&(1<<uint(n)) != 0 {
			log.WithField("key", key).Error("Duplicate job document parameter")
			return errors.WithMessage(ErrDuplicatesNotAllowed, key)
		}
		p.received |= 1 << uint(n)

		if err = p.extract(&p.model[n], tok); err != nil {
			return err
		}
	}
	_, err := p.next() // '}'
	return err
}

func (p *parser) array() error {
	for p.dec.More() {
		tok, err := p.next()
		if err != nil {
			return err
		}
		if err = p.value(tok); err != nil {
			return err
		}
	}
	_, err := p.next() // ']'
	return err
}

// skip consumes the rest of an unrecognized value.
func (p *parser) skip(tok json.Token) error {
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	if d != '{' && d != '[' {
		return ErrNoTokens
	}
	for depth := 1; depth > 0; {
		t, err := p.next()
		if err != nil {
			return err
		}
		switch t {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
	return nil
}

func (p *parser) lookup(key string) int {
	for n := range p.model {
		if p.model[n].Key == key {
			return n
		}
	}
	return -1
}

func (p *parser) extract(prm *Param, tok json.Token) error {
	if k := kindOf(tok); k != prm.Kind {
		log.WithFields(log.Fields{
			"key":      prm.Key,
			"kind":     k,
			"expected": prm.Kind,
		}).Error("Job document parameter type mismatch")
		return errors.WithMessage(ErrFieldTypeMismatch, prm.Key)
	}

	if prm.Kind == KindObject || prm.Kind == KindArray {
		return p.value(tok)
	}
	if prm.Extract == DontStore || prm.Set == nil {
		return nil
	}

	raw := primitiveText(tok)
	switch prm.Extract {
	case StringInDoc:
		prm.Set(raw)
	case StringCopy:
		if len(raw) > MaxStringLength {
			return errors.WithMessage(ErrFieldTooLarge, prm.Key)
		}
		prm.Set(raw)
	case UInt32:
		v, err := strconv.ParseUint(raw, 0, 32)
		if err != nil {
			return errors.WithMessage(ErrInvalidNumChar, prm.Key)
		}
		prm.Set(uint32(v))
	case Ident:
		prm.Set(true)
	case SigBase64:
		sig, err := decodeSignature(raw)
		if err != nil {
			log.WithField("key", prm.Key).WithError(err).Error("Signature base64 decode failed")
			return errors.WithMessage(ErrBase64Decode, prm.Key)
		}
		prm.Set(sig)
	}
	log.WithField("key", prm.Key).Debug("Extracted job document parameter")
	return nil
}

func primitiveText(tok json.Token) string {
	switch t := tok.(type) {
	case string:
		return t
	case json.Number:
		return strings.Clone(t.String()) // may alias the decoder buffer
	case bool:
		return strconv.FormatBool(t)
	}
	return "null"
}

func decodeSignature(s string) ([]byte, error) {
	if base64.StdEncoding.DecodedLen(len(s)) > MaxSignatureLen+2 {
		return nil, errors.New("signature longer than 256 bytes")
	}
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(sig) > MaxSignatureLen {
		return nil, errors.New("signature longer than 256 bytes")
	}
	return sig, nil
}
