package dbuswire

import (
	"fmt"
	"reflect"
	"strings"
)

// ObjectPath is a DBus object path, a slash-separated name like
// /org/freedesktop/DBus.
type ObjectPath string

// Valid reports whether the path is syntactically valid per the DBus
// specification.
func (p ObjectPath) Valid() bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	if strings.HasSuffix(string(p), "/") {
		return false
	}
	for _, el := range strings.Split(string(p)[1:], "/") {
		if el == "" {
			return false
		}
		for _, r := range el {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '_':
			default:
				return false
			}
		}
	}
	return true
}

// Clean returns the path with any trailing slash removed. The root
// path "/" is returned unchanged.
func (p ObjectPath) Clean() ObjectPath {
	if p == "/" {
		return p
	}
	return ObjectPath(strings.TrimRight(string(p), "/"))
}

// IsChildOf reports whether p is a strict hierarchical descendant of
// parent. The comparison is segment-wise: /a/bc is not a child of
// /a/b.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

func (p ObjectPath) String() string { return string(p) }

// Variant is a self-describing DBus value: a signature describing a
// single complete type, and a value of that type.
type Variant struct {
	// Sig is the signature of Value. If zero, the signature is
	// inferred from Value's dynamic type when the variant is
	// serialized.
	Sig Signature
	// Value is the contained value, using the dynamic type mapping
	// described in [SignatureOf].
	Value any
}

// NewVariant returns a Variant wrapping v, inferring its signature
// from v's dynamic type.
func NewVariant(v any) (Variant, error) {
	sig, err := SignatureOf(v)
	if err != nil {
		return Variant{}, err
	}
	return Variant{sig, v}, nil
}

// goType returns the Go type that values of t decode into.
//
// The mapping is: y→byte, b→bool, n→int16, q→uint16, i→int32,
// u→uint32, x→int64, t→uint64, d→float64, s→string, o→ObjectPath,
// g→Signature, h→*FileDescriptor, v→Variant, arrays→slices,
// dicts→maps, structs→[]any.
func (t *Type) goType() reflect.Type {
	switch t.code {
	case 'y':
		return reflect.TypeFor[byte]()
	case 'b':
		return reflect.TypeFor[bool]()
	case 'n':
		return reflect.TypeFor[int16]()
	case 'q':
		return reflect.TypeFor[uint16]()
	case 'i':
		return reflect.TypeFor[int32]()
	case 'u':
		return reflect.TypeFor[uint32]()
	case 'x':
		return reflect.TypeFor[int64]()
	case 't':
		return reflect.TypeFor[uint64]()
	case 'd':
		return reflect.TypeFor[float64]()
	case 's':
		return reflect.TypeFor[string]()
	case 'o':
		return reflect.TypeFor[ObjectPath]()
	case 'g':
		return reflect.TypeFor[Signature]()
	case 'h':
		return reflect.TypeFor[*FileDescriptor]()
	case codeVariant:
		return reflect.TypeFor[Variant]()
	case codeArray:
		if t.elem.code == codeDictEntry {
			return reflect.MapOf(t.elem.key.goType(), t.elem.val.goType())
		}
		return reflect.SliceOf(t.elem.goType())
	case codeStruct:
		return reflect.TypeFor[[]any]()
	}
	panic(fmt.Sprintf("no Go type for type code %q", t.code))
}

// SignatureOf returns the Signature inferred from v's dynamic type,
// using the inverse of the decoding mapping: byte→y, bool→b,
// int16→n, uint16→q, int32→i, uint32→u, int64→x, uint64→t,
// float64→d, string→s, ObjectPath→o, Signature→g,
// *FileDescriptor→h, Variant→v, slices→arrays, maps→dicts.
//
// []any values are ambiguous (they decode from structs) and cannot
// be inferred; describe them with an explicit signature instead.
func SignatureOf(v any) (Signature, error) {
	str, err := signatureStringOf(reflect.TypeOf(v))
	if err != nil {
		return Signature{}, err
	}
	return ParseSignature(str)
}

// SignatureOfAll returns the concatenated signature of a sequence of
// values, such as a message body.
func SignatureOfAll(vs ...any) (Signature, error) {
	var sb strings.Builder
	for _, v := range vs {
		str, err := signatureStringOf(reflect.TypeOf(v))
		if err != nil {
			return Signature{}, err
		}
		sb.WriteString(str)
	}
	return ParseSignature(sb.String())
}

func signatureStringOf(t reflect.Type) (string, error) {
	if t == nil {
		return "", typeErr(t, "cannot infer a signature for a nil value")
	}
	switch t {
	case reflect.TypeFor[ObjectPath]():
		return "o", nil
	case reflect.TypeFor[Signature]():
		return "g", nil
	case reflect.TypeFor[*FileDescriptor]():
		return "h", nil
	case reflect.TypeFor[Variant]():
		return "v", nil
	case reflect.TypeFor[[]any]():
		return "", typeErr(t, "[]any is ambiguous, provide an explicit signature")
	}
	switch t.Kind() {
	case reflect.Uint8:
		return "y", nil
	case reflect.Bool:
		return "b", nil
	case reflect.Int16:
		return "n", nil
	case reflect.Uint16:
		return "q", nil
	case reflect.Int32:
		return "i", nil
	case reflect.Uint32:
		return "u", nil
	case reflect.Int64:
		return "x", nil
	case reflect.Uint64:
		return "t", nil
	case reflect.Float64:
		return "d", nil
	case reflect.String:
		return "s", nil
	case reflect.Slice, reflect.Array:
		es, err := signatureStringOf(t.Elem())
		if err != nil {
			return "", err
		}
		return "a" + es, nil
	case reflect.Map:
		ks, err := signatureStringOf(t.Key())
		if err != nil {
			return "", err
		}
		vs, err := signatureStringOf(t.Elem())
		if err != nil {
			return "", err
		}
		return "a{" + ks + vs + "}", nil
	}
	return "", typeErr(t, "no DBus mapping available")
}
