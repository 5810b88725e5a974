package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"gopkg.in/yaml.v3"
)

// Document formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatHCL  = "hcl"
)

// FormatOf maps a file name to its document format, or "" when the file is
// not a policy document.
func FormatOf(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".hcl":
		return FormatHCL
	}
	return ""
}

// normalize turns any supported format into YAML-decodable bytes. JSON is a
// subset of YAML; HCL attributes are evaluated and re-encoded as JSON.
func normalize(name, format string, content []byte) ([]byte, error) {
	switch format {
	case FormatYAML, FormatJSON:
		return content, nil
	case FormatHCL:
		return hclToJSON(name, content)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

func hclToJSON(name string, content []byte) ([]byte, error) {
	f, diags := hclparse.NewParser().ParseHCL(content, name)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	attrs, diags := f.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}

	names := make([]string, 0, len(attrs))
	for n := range attrs {
		names = append(names, n)
	}
	sort.Strings(names)

	vals := make(map[string]cty.Value, len(attrs))
	for _, n := range names {
		v, diags := attrs[n].Expr.Value(nil)
		if diags.HasErrors() {
			return nil, errors.New(diags.Error())
		}
		vals[n] = v
	}
	return ctyjson.SimpleJSONValue{Value: cty.ObjectVal(vals)}.MarshalJSON()
}

// decodeStrict decodes data into out, rejecting unknown fields.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("document is empty")
		}
		return err
	}
	return nil
}

// peekSchema reads the schema id without validating anything else.
func peekSchema(data []byte) (string, error) {
	var h header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return "", err
	}
	return h.Schema, nil
}
