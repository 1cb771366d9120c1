package record

import (
	"io"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

// LoadAliases reads extra header spellings from YAML shaped like
//
//	ORG_NAME: [SCHOOL_TITLE, INSTITUTE]
//	NAME: [LEARNER]
func LoadAliases(r io.Reader) (map[string][]string, error) {
	var out map[string][]string
	if err := yaml.NewDecoder(r).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string][]string{}, nil
		}
		return nil, errors.Wrap(err, "decode aliases")
	}
	for canonical := range out {
		if Normalize(canonical) == "" {
			return nil, errors.Errorf("alias entry with blank field name")
		}
	}
	return out, nil
}

// MergeAliases returns base plus extra; spellings are appended per field.
func MergeAliases(base, extra map[string][]string) map[string][]string {
	out := make(map[string][]string, len(base)+len(extra))
	for k, v := range base {
		out[Normalize(k)] = append([]string(nil), v...)
	}
	for k, v := range extra {
		n := Normalize(k)
		out[n] = append(out[n], v...)
	}
	return out
}
