package dbuswire

import (
	"errors"
	"fmt"
	"strings"
)

// Type describes the shape of a single DBus value: one of the basic
// types, an array, a struct, a dict entry, or a variant.
type Type struct {
	code   byte
	str    string
	elem   *Type   // array element
	key    *Type   // dict entry key
	val    *Type   // dict entry value
	fields []*Type // struct fields
}

// Codes for the container types. Basic types use their signature
// character directly; structs and dict entries have no standalone
// character in signatures, so we use the reserved codes the DBus
// specification assigns them.
const (
	codeArray     = 'a'
	codeStruct    = 'r'
	codeDictEntry = 'e'
	codeVariant   = 'v'
)

// String returns the type's signature string.
func (t *Type) String() string { return t.str }

// Code returns the type's code byte. Structs report 'r' and dict
// entries 'e', per the reserved codes in the DBus specification.
func (t *Type) Code() byte { return t.code }

// IsBasic reports whether t is one of the DBus basic types, i.e. not
// an array, struct, dict entry or variant.
func (t *Type) IsBasic() bool {
	switch t.code {
	case codeArray, codeStruct, codeDictEntry, codeVariant:
		return false
	}
	return true
}

// Elem returns the element type of an array, or nil for other types.
func (t *Type) Elem() *Type { return t.elem }

// KeyValue returns the key and value types of a dict entry, or nils
// for other types.
func (t *Type) KeyValue() (key, val *Type) { return t.key, t.val }

// Fields returns the field types of a struct, or nil for other types.
func (t *Type) Fields() []*Type { return t.fields }

// align returns the wire alignment of the type, per the DBus
// specification.
func (t *Type) align() int {
	switch t.code {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'h', codeArray:
		return 4
	case 'x', 't', 'd', codeStruct, codeDictEntry:
		return 8
	}
	panic(fmt.Sprintf("alignment requested for unknown type code %q", t.code))
}

// A Signature describes the type of a sequence of DBus values, such
// as a message body. It is the parsed form of a DBus signature
// string.
type Signature struct {
	str   string
	types []*Type
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string { return s.str }

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value.
func (s Signature) IsZero() bool { return len(s.types) == 0 }

// Types returns the parsed types of the signature, one per value the
// signature describes.
func (s Signature) Types() []*Type { return s.types }

// The DBus specification limits signatures to 255 bytes, and nesting
// to 32 levels of arrays and 32 levels of structs.
const (
	maxSignatureLen = 255
	maxNestingDepth = 32
)

type sigParser struct {
	arrayDepth  int
	structDepth int
}

// ParseSignature parses a DBus type signature string.
//
// Malformed signatures (unbalanced brackets, dict entries outside
// arrays, unknown type codes) fail here, so that values described by
// a successfully parsed Signature can never fail mid-serialization
// for structural reasons.
func ParseSignature(sig string) (Signature, error) {
	if ret, err := signatureCache.Get(sig); err == nil {
		return ret, nil
	} else if !errors.Is(err, errCacheMiss) {
		return Signature{}, err
	}

	ret, err := parseSignature(sig)
	if err != nil {
		err = fmt.Errorf("invalid type signature %q: %w", sig, err)
		signatureCache.SetErr(sig, err)
		return Signature{}, err
	}
	signatureCache.Set(sig, ret)
	return ret, nil
}

func parseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, fmt.Errorf("signature longer than %d bytes", maxSignatureLen)
	}
	var (
		p     sigParser
		rest  = sig
		types []*Type
		t     *Type
		err   error
	)
	for rest != "" {
		t, rest, err = p.parseOne(rest, false)
		if err != nil {
			return Signature{}, err
		}
		types = append(types, t)
	}
	return Signature{sig, types}, nil
}

// MustParseSignature is like [ParseSignature], but panics on invalid
// signatures. It is intended for statically known signatures.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseOne consumes the first complete type from the front of sig,
// and returns the parsed type as well as the remainder of the type
// string.
func (p *sigParser) parseOne(sig string, inArray bool) (t *Type, rest string, err error) {
	switch c := sig[0]; c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h', 'v':
		return &Type{code: c, str: sig[:1]}, sig[1:], nil
	case 'a':
		p.arrayDepth++
		defer func() { p.arrayDepth-- }()
		if p.arrayDepth > maxNestingDepth {
			return nil, "", errors.New("array nesting too deep")
		}
		if len(sig) == 1 {
			return nil, "", errors.New("missing array element type")
		}
		elem, rest, err := p.parseOne(sig[1:], true)
		if err != nil {
			return nil, "", err
		}
		return &Type{code: codeArray, str: "a" + elem.str, elem: elem}, rest, nil
	case '(':
		p.structDepth++
		defer func() { p.structDepth-- }()
		if p.structDepth > maxNestingDepth {
			return nil, "", errors.New("struct nesting too deep")
		}
		var (
			fields []*Type
			field  *Type
			rest   = sig[1:]
			err    error
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = p.parseOne(rest, false)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return nil, "", errors.New("empty struct definition")
		}
		fs := make([]string, len(fields))
		for i, f := range fields {
			fs[i] = f.str
		}
		return &Type{
			code:   codeStruct,
			str:    "(" + strings.Join(fs, "") + ")",
			fields: fields,
		}, rest[1:], nil
	case '{':
		if !inArray {
			return nil, "", errors.New("dict entry type found outside array")
		}
		key, rest, err := p.parseOne(sig[1:], false)
		if err != nil {
			return nil, "", err
		}
		if !key.IsBasic() {
			return nil, "", fmt.Errorf("invalid dict entry key type %s, must be a basic type", key)
		}
		if rest == "" || rest[0] == '}' {
			return nil, "", errors.New("missing dict entry value type")
		}
		val, rest, err := p.parseOne(rest, false)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", errors.New("missing closing } in dict entry definition")
		}
		return &Type{
			code: codeDictEntry,
			str:  "{" + key.str + val.str + "}",
			key:  key,
			val:  val,
		}, rest[1:], nil
	case ')':
		return nil, "", errors.New("unbalanced ) in signature")
	case '}':
		return nil, "", errors.New("unbalanced } in signature")
	default:
		return nil, "", fmt.Errorf("unknown type code %q", c)
	}
}
