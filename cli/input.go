package cli

import (
	"encoding/base64"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/storage/codec"
)

// ErrInput reports malformed command line input.
var ErrInput = errors.MustNewCode("cli.invalid_input")

var kindNames = func() map[string]codec.Kind {
	m := make(map[string]codec.Kind)
	for _, k := range codec.Kinds() {
		m[k.TypeID()] = k
		short := strings.ToLower(strings.TrimSuffix(k.TypeID(), "Column"))
		m[short] = k
	}
	return m
}()

// parseKind accepts a persisted type id ("LongArrayColumn") or its short
// lower-case form ("longarray").
func parseKind(name string) (codec.Kind, error) {
	if k, ok := kindNames[name]; ok {
		return k, nil
	}
	if k, ok := kindNames[strings.ToLower(strings.ReplaceAll(name, "_", ""))]; ok {
		return k, nil
	}
	return codec.KindUnknown, errors.New(ErrInput, "unknown column kind", nil).AddContext("kind", name)
}

// parseDefinitions reads a JSON array of {"name","kind","size","description"}
// objects.
func parseDefinitions(raw string) ([]codec.Definition, error) {
	if !gjson.Valid(raw) {
		return nil, errors.New(ErrInput, "column definitions are not valid JSON", nil)
	}
	doc := gjson.Parse(raw)
	if !doc.IsArray() {
		return nil, errors.New(ErrInput, "column definitions must be a JSON array", nil)
	}

	var defs []codec.Definition
	for i, item := range doc.Array() {
		if !item.IsObject() {
			return nil, errors.New(ErrInput, "column definition must be an object", nil).AddContextf("index", "%d", i)
		}
		kind, err := parseKind(item.Get("kind").String())
		if err != nil {
			return nil, errors.AsError(err).AddContextf("index", "%d", i)
		}
		defs = append(defs, codec.Definition{
			Name:        item.Get("name").String(),
			Description: item.Get("description").String(),
			Kind:        kind,
			Size:        int(item.Get("size").Int()),
		})
	}
	return defs, nil
}

// parseRows reads a JSON object mapping every column name to an array of
// values and builds the columns in header order.
func parseRows(raw string, headers []codec.Definition) ([]codec.Column, error) {
	if !gjson.Valid(raw) {
		return nil, errors.New(ErrInput, "rows are not valid JSON", nil)
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, errors.New(ErrInput, "rows must be a JSON object keyed by column name", nil)
	}

	cols := make([]codec.Column, len(headers))
	for i, def := range headers {
		values := doc.Get(gjson.Escape(def.Name))
		if !values.Exists() {
			return nil, errors.New(ErrInput, "missing values for column", nil).AddContext("column", def.Name)
		}
		col, err := columnFromJSON(def, values)
		if err != nil {
			return nil, errors.AsError(err).AddContext("column", def.Name)
		}
		cols[i] = col
	}
	return cols, nil
}

func columnFromJSON(def codec.Definition, r gjson.Result) (codec.Column, error) {
	if !r.IsArray() {
		return nil, errors.New(ErrInput, "column values must be a JSON array", nil)
	}
	items := r.Array()

	switch def.Kind {
	case codec.KindBool:
		return build(def, items, asBool)
	case codec.KindLong, codec.KindFile, codec.KindImage, codec.KindRoi, codec.KindWell, codec.KindPlate:
		return build(def, items, asInt64)
	case codec.KindDouble:
		return build(def, items, asFloat64)
	case codec.KindFloat:
		return build(def, items, asFloat32)
	case codec.KindString:
		return build(def, items, asString)
	case codec.KindLongArray:
		return build(def, items, arrayOf(asInt64))
	case codec.KindFloatArray:
		return build(def, items, arrayOf(asFloat32))
	case codec.KindDoubleArray:
		return build(def, items, arrayOf(asFloat64))
	case codec.KindMask:
		return build(def, items, asMask)
	}
	return nil, errors.New(ErrInput, "unsupported column kind", nil).AddContext("kind", def.Kind.String())
}

func build[T codec.Value](def codec.Definition, items []gjson.Result, conv func(gjson.Result) (T, error)) (codec.Column, error) {
	values := make([]T, len(items))
	for i, item := range items {
		v, err := conv(item)
		if err != nil {
			return nil, errors.AsError(err).AddContextf("row", "%d", i)
		}
		values[i] = v
	}
	return codec.NewColumn(def, values), nil
}

func typeError(want string, r gjson.Result) error {
	return errors.Newf(ErrInput, "expected %s, got %s", want, r.Raw)
}

func asBool(r gjson.Result) (bool, error) {
	if r.Type != gjson.True && r.Type != gjson.False {
		return false, typeError("a boolean", r)
	}
	return r.Bool(), nil
}

func asInt64(r gjson.Result) (int64, error) {
	if r.Type != gjson.Number {
		return 0, typeError("an integer", r)
	}
	v, err := strconv.ParseInt(r.Raw, 10, 64)
	if err != nil {
		return 0, typeError("an integer", r)
	}
	return v, nil
}

func asFloat64(r gjson.Result) (float64, error) {
	if r.Type != gjson.Number {
		return 0, typeError("a number", r)
	}
	return r.Float(), nil
}

func asFloat32(r gjson.Result) (float32, error) {
	v, err := asFloat64(r)
	return float32(v), err
}

func asString(r gjson.Result) (string, error) {
	if r.Type != gjson.String {
		return "", typeError("a string", r)
	}
	return r.String(), nil
}

func arrayOf[E any](conv func(gjson.Result) (E, error)) func(gjson.Result) ([]E, error) {
	return func(r gjson.Result) ([]E, error) {
		if !r.IsArray() {
			return nil, typeError("an array", r)
		}
		items := r.Array()
		out := make([]E, len(items))
		for i, item := range items {
			v, err := conv(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
}

// asMask reads {"imageId","theZ","theT","x","y","w","h","bytes"} where
// bytes is base64.
func asMask(r gjson.Result) (codec.Mask, error) {
	if !r.IsObject() {
		return codec.Mask{}, typeError("a mask object", r)
	}
	m := codec.Mask{
		ImageID: r.Get(codec.MaskImageID).Int(),
		TheZ:    int32(r.Get(codec.MaskTheZ).Int()),
		TheT:    int32(r.Get(codec.MaskTheT).Int()),
		X:       r.Get(codec.MaskX).Float(),
		Y:       r.Get(codec.MaskY).Float(),
		W:       r.Get(codec.MaskW).Float(),
		H:       r.Get(codec.MaskH).Float(),
	}
	if b := r.Get(codec.MaskBytes); b.Exists() {
		raw, err := base64.StdEncoding.DecodeString(b.String())
		if err != nil {
			return codec.Mask{}, errors.New(ErrInput, "mask bytes are not base64", err)
		}
		m.Bytes = raw
	}
	return m, nil
}

// parseScalar reads a metadata or query variable value. JSON strings and
// numbers keep their type; integers become int64 and other numbers
// float64. Anything that is not JSON is taken as a plain string.
func parseScalar(raw string) (any, error) {
	if !gjson.Valid(raw) {
		return raw, nil
	}
	r := gjson.Parse(raw)
	switch r.Type {
	case gjson.String:
		return r.String(), nil
	case gjson.Number:
		if v, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
			return v, nil
		}
		return r.Float(), nil
	case gjson.True, gjson.False:
		return r.Bool(), nil
	}
	return nil, errors.New(ErrInput, "value must be a string or a number", nil).AddContext("value", raw)
}

// parseAssignments turns key=value pairs into typed values.
func parseAssignments(pairs map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for k, raw := range pairs {
		v, err := parseScalar(raw)
		if err != nil {
			return nil, errors.AsError(err).AddContext("key", k)
		}
		out[k] = v
	}
	return out, nil
}

// readInline returns raw, or the content of the file it names when it
// starts with "@".
func readInline(raw string) (string, error) {
	name, ok := strings.CutPrefix(raw, "@")
	if !ok {
		return raw, nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", errors.New(ErrInput, "failed to read input file", err).AddContext("file", name)
	}
	return string(data), nil
}
