package tariff

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// Diff returns the JSON paths at which two documents differ. An empty result
// means the documents are structurally equal.
func Diff(a, b types.TariffDocument) ([]string, error) {
	av, err := generic(a)
	if err != nil {
		return nil, err
	}
	bv, err := generic(b)
	if err != nil {
		return nil, err
	}
	var paths []string
	diffValues("", av, bv, &paths)
	return paths, nil
}

func generic(doc types.TariffDocument) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tariff: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tariff: %w", err)
	}
	return v, nil
}

func diffValues(path string, a, b any, paths *[]string) {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			*paths = append(*paths, path)
			return
		}
		keys := make([]string, 0, len(av)+len(bv))
		for k := range av {
			keys = append(keys, k)
		}
		for k := range bv {
			if _, ok := av[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			diffValues(path+"/"+k, av[k], bv[k], paths)
		}
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			*paths = append(*paths, path)
			return
		}
		for i := range av {
			diffValues(fmt.Sprintf("%s/%d", path, i), av[i], bv[i], paths)
		}
	default:
		if a != b {
			*paths = append(*paths, path)
		}
	}
}
