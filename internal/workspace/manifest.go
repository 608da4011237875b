package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
)

const packageManifest = "package.json"

type manifestField struct {
	key   string
	value json.RawMessage
}

// rewritePackageManifest sets name and description in package.json, keeping
// every other key and the original key order.
func rewritePackageManifest(dir string, d domain.Descriptor) error {
	path := filepath.Join(dir, packageManifest)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", packageManifest, err)
	}
	fields, err := decodeManifest(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", packageManifest, err)
	}

	fields, err = setManifestString(fields, "name", "bot-"+d.NormalizedName())
	if err != nil {
		return err
	}
	fields, err = setManifestString(fields, "description", fmt.Sprintf("Bot %s creado con TarDía Cloud Bot Platform", d.Name))
	if err != nil {
		return err
	}

	out, err := encodeManifest(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", packageManifest, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", packageManifest, err)
	}
	return nil
}

func decodeManifest(data []byte) ([]manifestField, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("top-level value is not an object")
	}
	fields := make([]manifestField, 0, 16)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, manifestField{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

func setManifestString(fields []manifestField, key, value string) ([]manifestField, error) {
	raw, err := marshalString(value)
	if err != nil {
		return nil, err
	}
	for i := range fields {
		if fields[i].key == key {
			fields[i].value = raw
			return fields, nil
		}
	}
	return append(fields, manifestField{key: key, value: raw}), nil
}

func encodeManifest(fields []manifestField) ([]byte, error) {
	var compact bytes.Buffer
	compact.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			compact.WriteByte(',')
		}
		key, err := marshalString(f.key)
		if err != nil {
			return nil, err
		}
		compact.Write(key)
		compact.WriteByte(':')
		compact.Write(f.value)
	}
	compact.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func marshalString(s string) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return json.RawMessage(strings.TrimRight(buf.String(), "\n")), nil
}
