package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// writeOutput renders v as indented JSON or as YAML. YAML goes through a
// JSON round trip so json tags and raw payloads render the same way in
// both formats.
func writeOutput(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "write json")
	case "yaml", "yml":
		raw, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "marshal output")
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return eris.Wrap(err, "decode output")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return eris.Wrap(err, "write yaml")
		}
		return eris.Wrap(enc.Close(), "write yaml")
	default:
		return eris.Errorf("unsupported format %q (want json or yaml)", format)
	}
}
