package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// expandPresets resolves `preset: name` references on pool endpoints against
// the top-level `model_presets` map. Preset values are applied first and any
// key set directly on the endpoint wins. The helper works on the raw YAML
// tree so that presets may carry arbitrary endpoint fields, including
// request_overrides and extra_headers.
func expandPresets(raw []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	presets := map[string]map[string]any{}
	if rawPresets, ok := doc["model_presets"].(map[string]any); ok {
		for name, val := range rawPresets {
			if m, ok := val.(map[string]any); ok {
				presets[name] = m
			}
		}
	}
	delete(doc, "model_presets")

	for _, poolKey := range []string{"teacher_pool", "reviewer_pool"} {
		pool, ok := doc[poolKey].(map[string]any)
		if !ok {
			continue
		}
		endpoints, ok := pool["endpoints"].([]any)
		if !ok {
			continue
		}
		for i, item := range endpoints {
			ep, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ref, hasRef := ep["preset"].(string)
			if !hasRef {
				continue
			}
			preset, known := presets[ref]
			if !known {
				return nil, fmt.Errorf("%s endpoint references unknown preset %q", poolKey, ref)
			}
			merged := make(map[string]any, len(preset)+len(ep))
			for k, v := range preset {
				merged[k] = v
			}
			for k, v := range ep {
				if k == "preset" {
					continue
				}
				merged[k] = v
			}
			endpoints[i] = merged
		}
		pool["endpoints"] = endpoints
	}

	return yaml.Marshal(doc)
}
