package cart

import (
	"bytes"
	"encoding/json"
	"fmt"

	"decider/api/internal/taxonomy"
)

// Shape names a serialization shape of the cart.
type Shape string

const (
	ShapeImport   Shape = "import"
	ShapeStorage  Shape = "storage"
	ShapeRedacted Shape = "redacted"
	ShapeMemory   Shape = "memory"
)

func ParseShape(s string) (Shape, error) {
	switch shape := Shape(s); shape {
	case ShapeImport, ShapeStorage, ShapeRedacted, ShapeMemory:
		return shape, nil
	case "":
		return ShapeImport, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownShape, s)
	}
}

// ValidateImport checks data against the import shape and copies only the
// fields that shape defines.
func ValidateImport(data []byte) (ImportCart, error) {
	v := validator{shape: ShapeImport}
	obj, err := v.object("", data)
	if err != nil {
		return ImportCart{}, err
	}

	var out ImportCart
	if out.Title, err = v.str(obj, "", "title", nonEmpty); err != nil {
		return ImportCart{}, err
	}
	if out.Version, err = v.str(obj, "", "version", versionTag); err != nil {
		return ImportCart{}, err
	}
	entries, err := v.array(obj, "", "entries")
	if err != nil {
		return ImportCart{}, err
	}
	out.Entries = make([]ImportEntry, 0, len(entries))
	for i, raw := range entries {
		field := fmt.Sprintf("entries[%d]", i)
		path := field + "."
		entry, err := v.object(field, raw)
		if err != nil {
			return ImportCart{}, err
		}
		var e ImportEntry
		if e.TechniqueID, err = v.str(entry, path, "techniqueId", techniqueID); err != nil {
			return ImportCart{}, err
		}
		if e.TacticID, err = v.str(entry, path, "tacticId", tacticID); err != nil {
			return ImportCart{}, err
		}
		if e.Notes, err = v.str(entry, path, "notes", nil); err != nil {
			return ImportCart{}, err
		}
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

// ValidateStorage checks data against the durable-storage shape. Title and
// version may be null only together with an empty entry list.
func ValidateStorage(data []byte) (StorageCart, error) {
	v := validator{shape: ShapeStorage}
	obj, err := v.object("", data)
	if err != nil {
		return StorageCart{}, err
	}

	var out StorageCart
	if out.Title, err = v.nullableStr(obj, "title", nonEmpty); err != nil {
		return StorageCart{}, err
	}
	if out.Version, err = v.nullableStr(obj, "version", versionTag); err != nil {
		return StorageCart{}, err
	}
	entries, err := v.array(obj, "", "entries")
	if err != nil {
		return StorageCart{}, err
	}
	if len(entries) > 0 && (out.Title == nil || out.Version == nil) {
		return StorageCart{}, v.fail("", "a populated cart needs a title and a version")
	}

	out.Entries = make([]StorageEntry, 0, len(entries))
	for i, raw := range entries {
		field := fmt.Sprintf("entries[%d]", i)
		path := field + "."
		entry, err := v.object(field, raw)
		if err != nil {
			return StorageCart{}, err
		}
		var e StorageEntry
		if e.TechniqueID, err = v.str(entry, path, "techniqueId", techniqueID); err != nil {
			return StorageCart{}, err
		}
		if e.TacticID, err = v.str(entry, path, "tacticId", tacticID); err != nil {
			return StorageCart{}, err
		}
		if e.Notes, err = v.str(entry, path, "notes", nil); err != nil {
			return StorageCart{}, err
		}
		if e.TechniqueName, err = v.str(entry, path, "techniqueName", nonEmpty); err != nil {
			return StorageCart{}, err
		}
		if e.TacticName, err = v.str(entry, path, "tacticName", nonEmpty); err != nil {
			return StorageCart{}, err
		}
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

// check returns a reason when value is unacceptable.
type check func(value string) string

func nonEmpty(value string) string {
	if value == "" {
		return "must not be empty"
	}
	return ""
}

func versionTag(value string) string {
	if !taxonomy.IsVersion(value) {
		return fmt.Sprintf("is not a version tag (vX.Y): %q", value)
	}
	return ""
}

func techniqueID(value string) string {
	if !taxonomy.IsTechniqueID(value) {
		return fmt.Sprintf("is not a valid ATT&CK Technique ID: %q", value)
	}
	return ""
}

func tacticID(value string) string {
	if !taxonomy.IsTacticID(value) {
		return fmt.Sprintf("is not a valid ATT&CK Tactic ID: %q", value)
	}
	return ""
}

type validator struct {
	shape Shape
}

func (v validator) fail(field, reason string) *ValidationError {
	return &ValidationError{Shape: v.shape, Field: field, Reason: reason}
}

func (v validator) object(field string, raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if field == "" {
			return nil, v.fail("", "payload is not a JSON object")
		}
		return nil, v.fail(field, "is not an object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, v.fail(field, "is not valid JSON: "+err.Error())
	}
	return obj, nil
}

func (v validator) str(obj map[string]json.RawMessage, prefix, name string, c check) (string, error) {
	raw, ok := obj[name]
	if !ok {
		return "", v.fail(prefix+name, "is missing")
	}
	var s string
	if isNull(raw) || json.Unmarshal(raw, &s) != nil {
		return "", v.fail(prefix+name, "is not a string")
	}
	if c != nil {
		if reason := c(s); reason != "" {
			return "", v.fail(prefix+name, reason)
		}
	}
	return s, nil
}

func (v validator) nullableStr(obj map[string]json.RawMessage, name string, c check) (*string, error) {
	raw, ok := obj[name]
	if !ok {
		return nil, v.fail(name, "is missing")
	}
	if isNull(raw) {
		return nil, nil
	}
	s, err := v.str(obj, "", name, c)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (v validator) array(obj map[string]json.RawMessage, prefix, name string) ([]json.RawMessage, error) {
	raw, ok := obj[name]
	if !ok {
		return nil, v.fail(prefix+name, "is missing")
	}
	var items []json.RawMessage
	if isNull(raw) || json.Unmarshal(raw, &items) != nil {
		return nil, v.fail(prefix+name, "is not an array")
	}
	return items, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
