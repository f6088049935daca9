package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// IncludeKey names the files a config file layers itself on top of.
const IncludeKey = "$include"

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// readLayered reads a JSON or YAML config file, resolves its includes and
// ${VAR} references, and returns the merged document as JSON.
func readLayered(path string) ([]byte, error) {
	doc, err := readDocument(path, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// readDocument loads path on top of its includes. Later includes override
// earlier ones and the file itself overrides all of them.
func readDocument(path string, chain []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(chain, abs) {
		return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(chain, abs), " -> "))
	}
	chain = append(chain, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	// JSON is valid YAML, so one decoder covers both formats.
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}

	out := map[string]any{}
	includes, err := includeList(doc[IncludeKey])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	delete(doc, IncludeKey)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		layer, err := readDocument(inc, chain)
		if err != nil {
			return nil, err
		}
		overlay(out, layer)
	}
	overlay(out, expandEnv(doc).(map[string]any))
	return out, nil
}

func includeList(v any) ([]string, error) {
	var raw []any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []any{t}
	case []any:
		raw = t
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", IncludeKey)
	}
	var out []string
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", IncludeKey)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// overlay merges src into dst. Nested objects merge key by key; any other
// value in src replaces the one in dst.
func overlay(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		cur, ok := dst[k].(map[string]any)
		if !ok {
			cur = map[string]any{}
			dst[k] = cur
		}
		overlay(cur, sub)
	}
}

// expandEnv replaces ${VAR} in string values with set environment
// variables. References to unset variables are kept verbatim.
func expandEnv(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = expandEnv(item)
		}
		if t == nil {
			return map[string]any{}
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = expandEnv(item)
		}
		return t
	case string:
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			if val, ok := os.LookupEnv(envRef.FindStringSubmatch(ref)[1]); ok {
				return val
			}
			return ref
		})
	default:
		return v
	}
}
