package agency

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadSeedFile reads an agency tree from a YAML document.
func LoadSeedFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse seed YAML: %w", err)
	}
	return tree, nil
}

// Seed writes every top-level key of tree that the store does not hold yet.
// It returns the number of keys written.
func Seed(ctx context.Context, store Store, tree map[string]any) (int, error) {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := 0
	for _, k := range keys {
		path := "/" + k
		txn := Transaction{}.Set(path, tree[k]).RequireEmpty(path)
		ok, err := SingleWrite(ctx, store, txn)
		if err != nil {
			return written, fmt.Errorf("failed to seed %s: %w", path, err)
		}
		if ok {
			written++
		}
	}
	return written, nil
}
