// Package tl implements the TL (Type Language) binary codec used by ADNL:
// a schema text parser, an immutable registry and a generic
// serializer/deserializer driven by the parsed schemas.
package tl

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrUnknownConstructor = errors.New("unknown constructor")
	ErrTruncated          = errors.New("truncated input")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrInvalidSchema      = errors.New("invalid schema")
)

type kind int

const (
	kindInt kind = iota
	kindNat
	kindLong
	kindDouble
	kindInt128
	kindInt256
	kindBool
	kindTrue
	kindBytes
	kindString
	kindVector
	kindObject
)

// typeRef is a parsed field type descriptor
type typeRef struct {
	kind kind
	name string   // object type name (class or bare constructor)
	bare bool     // object is written without constructor id
	elem *typeRef // vector element
}

// Field is one named, typed member of a schema
type Field struct {
	Name string
	Type string // descriptor as written, e.g. "flags.2?adnl.Message"

	// FlagField/FlagBit gate optional fields; FlagField is empty otherwise
	FlagField string
	FlagBit   uint

	ref *typeRef
}

// Optional reports whether the field is gated by a flag bit
func (f *Field) Optional() bool {
	return f.FlagField != ""
}

// Schema describes one TL constructor
type Schema struct {
	ID     uint32
	Name   string
	Class  string
	Fields []Field
}

func (s *Schema) String() string {
	return fmt.Sprintf("%s#%08x = %s", s.Name, s.ID, s.Class)
}

// ParseSchemas reads TL schema text. Definitions end with ';' and may span
// several lines; '//' starts a comment and '---functions---' style
// separators are ignored.
func ParseSchemas(text string) ([]*Schema, error) {
	var (
		schemas []*Schema
		pending strings.Builder
	)

	for lineNo, line := range strings.Split(text, "\n") {
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "---") {
			continue
		}

		for {
			end := strings.IndexByte(line, ';')
			if end < 0 {
				pending.WriteString(line)
				pending.WriteByte(' ')
				break
			}
			pending.WriteString(line[:end])
			def := strings.TrimSpace(pending.String())
			pending.Reset()
			line = line[end+1:]

			if def == "" {
				continue
			}
			s, err := ParseSchema(def)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
			}
			schemas = append(schemas, s)
		}
	}

	if rest := strings.TrimSpace(pending.String()); rest != "" {
		return nil, fmt.Errorf("%w: unterminated definition %q", ErrInvalidSchema, rest)
	}
	return schemas, nil
}

// ParseSchema parses a single definition without the trailing ';'
func ParseSchema(def string) (*Schema, error) {
	def = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(def), ";"))

	eq := strings.LastIndex(def, "=")
	if eq < 0 {
		return nil, fmt.Errorf("%w: missing '=' in %q", ErrInvalidSchema, def)
	}
	class := strings.TrimSpace(def[eq+1:])
	if class == "" {
		return nil, fmt.Errorf("%w: missing result type in %q", ErrInvalidSchema, def)
	}

	tokens := splitTokens(def[:eq])
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: missing constructor name in %q", ErrInvalidSchema, def)
	}

	s := &Schema{Class: class}
	head := tokens[0]
	explicit := false
	if i := strings.IndexByte(head, '#'); i >= 0 {
		id, err := strconv.ParseUint(head[i+1:], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad constructor id in %q", ErrInvalidSchema, head)
		}
		s.ID = uint32(id)
		s.Name = head[:i]
		explicit = true
	} else {
		s.Name = head
	}
	if s.Name == "" {
		return nil, fmt.Errorf("%w: empty constructor name in %q", ErrInvalidSchema, def)
	}

	fieldTokens := tokens[1:]
	for i := 0; i < len(fieldTokens); i++ {
		tok := fieldTokens[i]
		// type parameters such as {X:Type}
		if strings.HasPrefix(tok, "{") {
			continue
		}
		// "list:vector T" is written without parentheses
		if (strings.HasSuffix(tok, ":vector") || strings.HasSuffix(tok, "?vector")) && i+1 < len(fieldTokens) {
			i++
			tok += " " + fieldTokens[i]
		}
		colon := strings.IndexByte(tok, ':')
		if colon <= 0 || colon == len(tok)-1 {
			return nil, fmt.Errorf("%w: bad field %q in %s", ErrInvalidSchema, tok, s.Name)
		}
		f := Field{Name: tok[:colon], Type: tok[colon+1:]}
		if err := f.parseType(); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
		s.Fields = append(s.Fields, f)
	}

	if !explicit {
		s.ID = ConstructorID(def)
	}
	return s, nil
}

// ConstructorID computes the implicit id: CRC32 over the definition with
// ';', '(' and ')' removed and whitespace collapsed.
func ConstructorID(def string) uint32 {
	r := strings.NewReplacer(";", "", "(", "", ")", "")
	normalized := strings.Join(strings.Fields(r.Replace(def)), " ")
	return crc32.ChecksumIEEE([]byte(normalized))
}

// splitTokens splits on whitespace outside of parentheses and braces
func splitTokens(s string) []string {
	var (
		tokens []string
		cur    strings.Builder
		depth  int
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '(' || r == '{':
			depth++
			cur.WriteRune(r)
		case r == ')' || r == '}':
			depth--
			cur.WriteRune(r)
		case unicode.IsSpace(r) && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func (f *Field) parseType() error {
	desc := f.Type
	if q := strings.IndexByte(desc, '?'); q >= 0 {
		cond := desc[:q]
		dot := strings.LastIndexByte(cond, '.')
		if dot <= 0 {
			return fmt.Errorf("%w: bad condition %q", ErrInvalidSchema, cond)
		}
		bit, err := strconv.ParseUint(cond[dot+1:], 10, 5)
		if err != nil {
			return fmt.Errorf("%w: bad flag bit in %q", ErrInvalidSchema, cond)
		}
		f.FlagField = cond[:dot]
		f.FlagBit = uint(bit)
		desc = desc[q+1:]
	}

	ref, err := parseTypeRef(desc)
	if err != nil {
		return err
	}
	f.ref = ref
	return nil
}

func parseTypeRef(desc string) (*typeRef, error) {
	desc = strings.TrimSpace(desc)
	for strings.HasPrefix(desc, "(") && strings.HasSuffix(desc, ")") {
		desc = strings.TrimSpace(desc[1 : len(desc)-1])
	}
	if desc == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidSchema)
	}

	if rest, ok := strings.CutPrefix(desc, "vector "); ok {
		elem, err := parseTypeRef(rest)
		if err != nil {
			return nil, err
		}
		return &typeRef{kind: kindVector, elem: elem}, nil
	}
	if strings.HasPrefix(desc, "vector<") && strings.HasSuffix(desc, ">") {
		elem, err := parseTypeRef(desc[len("vector<") : len(desc)-1])
		if err != nil {
			return nil, err
		}
		return &typeRef{kind: kindVector, elem: elem}, nil
	}

	switch desc {
	case "int":
		return &typeRef{kind: kindInt}, nil
	case "#":
		return &typeRef{kind: kindNat}, nil
	case "long":
		return &typeRef{kind: kindLong}, nil
	case "double":
		return &typeRef{kind: kindDouble}, nil
	case "int128":
		return &typeRef{kind: kindInt128}, nil
	case "int256":
		return &typeRef{kind: kindInt256}, nil
	case "Bool":
		return &typeRef{kind: kindBool}, nil
	case "true":
		return &typeRef{kind: kindTrue}, nil
	case "bytes", "buffer", "secureBytes":
		return &typeRef{kind: kindBytes}, nil
	case "string", "secureString":
		return &typeRef{kind: kindString}, nil
	}

	name := strings.TrimPrefix(desc, "%")
	return &typeRef{kind: kindObject, name: name, bare: isBareName(desc)}, nil
}

// isBareName reports whether a type name refers to a constructor rather than
// a class: lowercase last segment, or an explicit '%' prefix.
func isBareName(name string) bool {
	if strings.HasPrefix(name, "%") {
		return true
	}
	last := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		last = name[i+1:]
	}
	r, _ := utf8.DecodeRuneInString(last)
	return unicode.IsLower(r)
}
