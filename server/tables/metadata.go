package tables

import (
	"strconv"
	"strings"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/storage/codec"
)

// Reserved attribute keys.
const (
	VersionKey     = codec.ReservedPrefix + "version"
	InitializedKey = codec.ReservedPrefix + "initialized"
	// LegacyVersionKey marks tables written before the current format.
	LegacyVersionKey = "version"
)

// Format versions.
const (
	CurrentVersion = "2"
	LegacyVersion  = "1"

	legacyVersionValue = "v1"
)

// Attribute kinds as stored in the file.
const (
	attrString = "string"
	attrInt    = "int"
	attrLong   = "long"
	attrFloat  = "float"
)

// IsReserved reports whether key belongs to the internal namespace.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, codec.ReservedPrefix)
}

// checkUserAttribute validates a caller supplied metadata entry.
func checkUserAttribute(key string, value any) error {
	if key == "" {
		return errors.New(errors.TableValidation, "attribute name is empty", nil)
	}
	if IsReserved(key) {
		return errors.New(errors.TableValidation, "reserved attribute name", nil).AddContext("key", key)
	}
	if _, err := encodeAttribute(value); err != nil {
		return errors.AsError(err).AddContext("key", key)
	}
	return nil
}

// encodeAttribute renders value as "<kind>:<literal>". Only string, int32,
// int64 and float64 values are accepted.
func encodeAttribute(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return attrString + ":" + v, nil
	case int32:
		return attrInt + ":" + strconv.FormatInt(int64(v), 10), nil
	case int64:
		return attrLong + ":" + strconv.FormatInt(v, 10), nil
	case float64:
		return attrFloat + ":" + strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", errors.Newf(errors.TableValidation, "unsupported attribute type %T", value)
	}
}

func decodeAttribute(raw string) (any, error) {
	kind, literal, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, errors.New(errors.TableValidation, "malformed attribute value", nil).AddContext("value", raw)
	}
	switch kind {
	case attrString:
		return literal, nil
	case attrInt:
		v, err := strconv.ParseInt(literal, 10, 32)
		if err != nil {
			return nil, errors.New(errors.TableValidation, "malformed int attribute", err).AddContext("value", raw)
		}
		return int32(v), nil
	case attrLong:
		v, err := strconv.ParseInt(literal, 10, 64)
		if err != nil {
			return nil, errors.New(errors.TableValidation, "malformed long attribute", err).AddContext("value", raw)
		}
		return v, nil
	case attrFloat:
		v, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return nil, errors.New(errors.TableValidation, "malformed float attribute", err).AddContext("value", raw)
		}
		return v, nil
	default:
		return nil, errors.New(errors.TableValidation, "unknown attribute kind", nil).AddContext("value", raw)
	}
}

func encodeAttributes(attrs map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		enc, err := encodeAttribute(v)
		if err != nil {
			return nil, errors.AsError(err).AddContext("key", k)
		}
		out[k] = enc
	}
	return out, nil
}

func decodeAttributes(raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		dec, err := decodeAttribute(v)
		if err != nil {
			return nil, errors.AsError(err).AddContext("key", k)
		}
		out[k] = dec
	}
	return out, nil
}

// resolveVersion works out the format version of a stored table from its
// attributes.
func resolveVersion(attrs map[string]any, path string) (string, error) {
	if v, ok := attrs[VersionKey]; ok {
		if s, isString := v.(string); isString && s == CurrentVersion {
			return CurrentVersion, nil
		}
		return "", errors.Newf(errors.TableValidation, "unexpected table version %v", v).
			AddContext("path", path).
			AddContext("key", VersionKey)
	}
	if v, ok := attrs[LegacyVersionKey]; ok {
		if s, isString := v.(string); isString && s == legacyVersionValue {
			return LegacyVersion, nil
		}
		return "", errors.Newf(errors.TableValidation, "unexpected table version %v", v).
			AddContext("path", path).
			AddContext("key", LegacyVersionKey)
	}
	return "", errors.New(errors.TableValidation, "table has no version attribute", nil).AddContext("path", path)
}

// visibleAttribute reports whether key is shown to callers of a table with
// the given version.
func visibleAttribute(key, version string) bool {
	if IsReserved(key) {
		return false
	}
	return !(version == LegacyVersion && key == LegacyVersionKey)
}
