package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// A config file may pull other files in through a top-level "$include"
// (or "include") entry. Includes resolve relative to the including
// file and apply before its own keys, so the including file always
// wins. Environment references are expanded before parsing. YAML is
// the default syntax; .json and .json5 files go through the json5
// decoder.

type rawLoader struct {
	// active holds the absolute paths on the current include chain,
	// which is how cycles are caught.
	active map[string]bool
}

// LoadRaw reads the file at path into a merged raw map with includes
// resolved and environment variables expanded.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	l := &rawLoader{active: make(map[string]bool)}
	return l.load(path)
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument([]byte(os.ExpandEnv(string(data))), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, sub)
	}
	deepMerge(merged, doc)
	return merged, nil
}

func decodeDocument(data []byte, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// popIncludes removes the include entry from doc and returns its paths.
func popIncludes(doc map[string]any) ([]string, error) {
	var value any
	for _, key := range []string{"$include", "include"} {
		if v, ok := doc[key]; ok {
			value = v
			delete(doc, key)
			break
		}
	}
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil, nil
		}
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			p, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			if strings.TrimSpace(p) == "" {
				continue
			}
			paths = append(paths, p)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

// deepMerge folds src into dst in place. Nested maps merge key by key;
// everything else, lists included, is replaced wholesale.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// decodeRawConfig round-trips the merged map through a strict yaml
// decoder so misspelled keys fail loudly instead of vanishing.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
