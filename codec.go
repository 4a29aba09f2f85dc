package dbuswire

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/danderson/dbuswire/fragments"
)

// marshalBody encodes a sequence of values described by sig,
// appending any *FileDescriptor values encountered to files so the
// transport can send them as ancillary data.
func marshalBody(e *fragments.Encoder, sig Signature, body []any, files *[]*FileDescriptor) error {
	if len(body) != len(sig.types) {
		return typeErr(nil, "body has %d values, signature %q describes %d", len(body), sig, len(sig.types))
	}
	for i, t := range sig.types {
		if err := marshalValue(e, t, body[i], files); err != nil {
			return err
		}
	}
	return nil
}

func marshalValue(e *fragments.Encoder, t *Type, v any, files *[]*FileDescriptor) error {
	switch t.code {
	case codeVariant:
		vv, ok := v.(Variant)
		if !ok {
			return typeErr(reflect.TypeOf(v), "value for variant must be a Variant")
		}
		sig := vv.Sig
		if sig.IsZero() {
			var err error
			if sig, err = SignatureOf(vv.Value); err != nil {
				return err
			}
		}
		if len(sig.types) != 1 {
			return typeErr(reflect.TypeOf(vv.Value), "variant signature %q must describe exactly one type", sig)
		}
		e.Signature(sig.String())
		return marshalValue(e, sig.types[0], vv.Value, files)

	case codeArray:
		elem := t.elem
		if elem.code == codeDictEntry {
			return marshalDict(e, elem, v, files)
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
		default:
			return typeErr(rv.Type(), "value for %s must be a slice or array", t)
		}
		return e.Array(elem.align() == 8, func() error {
			for i := range rv.Len() {
				if err := marshalValue(e, elem, rv.Index(i).Interface(), files); err != nil {
					return err
				}
			}
			return nil
		})

	case codeStruct:
		vals, err := structValues(v, len(t.fields))
		if err != nil {
			return err
		}
		return e.Struct(func() error {
			for i, ft := range t.fields {
				if err := marshalValue(e, ft, vals[i], files); err != nil {
					return err
				}
			}
			return nil
		})

	case codeDictEntry:
		// The parser only produces dict entries as array elements,
		// which marshalDict handles.
		return typeErr(reflect.TypeOf(v), "dict entry outside array")
	}

	return marshalBasic(e, t, v, files)
}

func marshalBasic(e *fragments.Encoder, t *Type, v any, files *[]*FileDescriptor) error {
	rv := reflect.ValueOf(v)
	bad := func() error {
		return typeErr(reflect.TypeOf(v), "value does not match signature %q", t)
	}
	switch t.code {
	case 'y':
		if rv.Kind() != reflect.Uint8 {
			return bad()
		}
		e.Uint8(uint8(rv.Uint()))
	case 'b':
		if rv.Kind() != reflect.Bool {
			return bad()
		}
		var u uint32
		if rv.Bool() {
			u = 1
		}
		e.Uint32(u)
	case 'n':
		if rv.Kind() != reflect.Int16 {
			return bad()
		}
		e.Uint16(uint16(rv.Int()))
	case 'q':
		if rv.Kind() != reflect.Uint16 {
			return bad()
		}
		e.Uint16(uint16(rv.Uint()))
	case 'i':
		if rv.Kind() != reflect.Int32 {
			return bad()
		}
		e.Uint32(uint32(rv.Int()))
	case 'u':
		if rv.Kind() != reflect.Uint32 {
			return bad()
		}
		e.Uint32(uint32(rv.Uint()))
	case 'x':
		if rv.Kind() != reflect.Int64 {
			return bad()
		}
		e.Uint64(uint64(rv.Int()))
	case 't':
		if rv.Kind() != reflect.Uint64 {
			return bad()
		}
		e.Uint64(rv.Uint())
	case 'd':
		if rv.Kind() != reflect.Float64 {
			return bad()
		}
		e.Uint64(math.Float64bits(rv.Float()))
	case 's':
		if rv.Kind() != reflect.String {
			return bad()
		}
		e.String(rv.String())
	case 'o':
		if rv.Kind() != reflect.String {
			return bad()
		}
		e.String(rv.String())
	case 'g':
		sig, ok := v.(Signature)
		if !ok {
			return bad()
		}
		e.Signature(sig.String())
	case 'h':
		fd, ok := v.(*FileDescriptor)
		if !ok || fd == nil {
			return bad()
		}
		idx := slices.Index(*files, fd)
		if idx < 0 {
			idx = len(*files)
			*files = append(*files, fd)
		}
		e.Uint32(uint32(idx))
	default:
		return bad()
	}
	return nil
}

func marshalDict(e *fragments.Encoder, entry *Type, v any, files *[]*FileDescriptor) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return typeErr(reflect.TypeOf(v), "value for a%s must be a map", entry)
	}
	// Sort keys so that encoding is deterministic, and re-serializing
	// a received message reproduces it byte for byte.
	keys := rv.MapKeys()
	slices.SortFunc(keys, cmpBasicValues)
	return e.Array(true, func() error {
		for _, k := range keys {
			err := e.Struct(func() error {
				if err := marshalValue(e, entry.key, k.Interface(), files); err != nil {
					return err
				}
				return marshalValue(e, entry.val, rv.MapIndex(k).Interface(), files)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// cmpBasicValues orders two reflect values of the same basic type.
// Dict keys are restricted to basic types at signature parse time.
func cmpBasicValues(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	case reflect.Bool:
		var ai, bi int
		if a.Bool() {
			ai = 1
		}
		if b.Bool() {
			bi = 1
		}
		return cmp.Compare(ai, bi)
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	}
	return 0
}

// structValues extracts the field values of a struct-shaped value:
// either a []any of the right length, or a Go struct with matching
// exported fields.
func structValues(v any, n int) ([]any, error) {
	if vs, ok := v.([]any); ok {
		if len(vs) != n {
			return nil, typeErr(reflect.TypeOf(v), "struct value has %d fields, signature wants %d", len(vs), n)
		}
		return vs, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Struct {
		return nil, typeErr(reflect.TypeOf(v), "value for struct signature must be a []any or a struct")
	}
	var ret []any
	for i := range rv.NumField() {
		if rv.Type().Field(i).PkgPath != "" {
			continue
		}
		ret = append(ret, rv.Field(i).Interface())
	}
	if len(ret) != n {
		return nil, typeErr(rv.Type(), "struct value has %d exported fields, signature wants %d", len(ret), n)
	}
	return ret, nil
}

// unmarshalBody decodes a sequence of values described by sig. Body
// values with an 'h' type decode to the corresponding entry of
// files, per the message's UNIX_FDS header field.
func unmarshalBody(d *fragments.Decoder, sig Signature, files []*FileDescriptor) ([]any, error) {
	ret := make([]any, 0, len(sig.types))
	for _, t := range sig.types {
		v, err := unmarshalValue(d, t, files)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func unmarshalValue(d *fragments.Decoder, t *Type, files []*FileDescriptor) (any, error) {
	switch t.code {
	case 'y':
		return d.Uint8()
	case 'b':
		u, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		switch u {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, frameErr("invalid boolean value %d", u)
	case 'n':
		u, err := d.Uint16()
		return int16(u), err
	case 'q':
		return d.Uint16()
	case 'i':
		u, err := d.Uint32()
		return int32(u), err
	case 'u':
		return d.Uint32()
	case 'x':
		u, err := d.Uint64()
		return int64(u), err
	case 't':
		return d.Uint64()
	case 'd':
		u, err := d.Uint64()
		return math.Float64frombits(u), err
	case 's':
		return d.String()
	case 'o':
		s, err := d.String()
		return ObjectPath(s), err
	case 'g':
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		return ParseSignature(s)
	case 'h':
		idx, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(files) {
			return nil, frameErr("file descriptor index %d out of range, message carries %d", idx, len(files))
		}
		return files[idx], nil

	case codeVariant:
		s, err := d.Signature()
		if err != nil {
			return Variant{}, err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return Variant{}, err
		}
		if len(sig.types) != 1 {
			return Variant{}, frameErr("variant signature %q does not describe exactly one type", s)
		}
		val, err := unmarshalValue(d, sig.types[0], files)
		if err != nil {
			return Variant{}, err
		}
		return Variant{sig, val}, nil

	case codeArray:
		elem := t.elem
		if elem.code == codeDictEntry {
			m := reflect.MakeMap(t.goType())
			_, err := d.Array(true, func(int) error {
				return d.Struct(func() error {
					k, err := unmarshalValue(d, elem.key, files)
					if err != nil {
						return err
					}
					v, err := unmarshalValue(d, elem.val, files)
					if err != nil {
						return err
					}
					m.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(v))
					return nil
				})
			})
			return m.Interface(), err
		}
		sl := reflect.MakeSlice(t.goType(), 0, 0)
		_, err := d.Array(elem.align() == 8, func(int) error {
			v, err := unmarshalValue(d, elem, files)
			if err != nil {
				return err
			}
			sl = reflect.Append(sl, reflect.ValueOf(v))
			return nil
		})
		return sl.Interface(), err

	case codeStruct:
		var fields []any
		err := d.Struct(func() error {
			for _, ft := range t.fields {
				v, err := unmarshalValue(d, ft, files)
				if err != nil {
					return err
				}
				fields = append(fields, v)
			}
			return nil
		})
		return fields, err
	}
	return nil, fmt.Errorf("cannot decode unknown type code %q", t.code)
}
