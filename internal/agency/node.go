// ============================================================================
// Agency Snapshot - 階層式鍵值樹
// ============================================================================
//
// Package: internal/agency
// File: node.go
// Purpose: Immutable, versioned read view of the consensus-backed store.
//
// Tree model:
//   Every Node is either an object (string-keyed children) or a leaf holding a
//   scalar or an array. Values are kept in their JSON shape (string, float64,
//   bool, []any, map[string]any) so that precondition comparison is a plain
//   deep-equal regardless of whether the value arrived from YAML, JSON or Go.
//
// Paths:
//   "/Plan/DBServers/PRMR-1" and "Plan/DBServers/PRMR-1/" address the same
//   node. The empty path and "/" address the root.
//
// ============================================================================

package agency

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
)

var (
	// ErrNotFound 路徑不存在
	ErrNotFound = errors.New("agency: path not found")
	// ErrMalformed 值的型別不符合預期
	ErrMalformed = errors.New("agency: malformed value")
	// ErrUnavailable store 暫時無法連線，下一輪重試
	ErrUnavailable = errors.New("agency: store unavailable")
)

// Node is one element of the agency tree.
type Node struct {
	value    any
	children map[string]*Node
}

// SplitPath splits an agency path into its non-empty segments.
func SplitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// Normalize converts v into its JSON shape.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

// NewNode builds a tree from a JSON-shaped value. Maps become objects, every
// other value becomes a leaf.
func NewNode(v any) (*Node, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return fromValue(norm), nil
}

func newObject() *Node {
	return &Node{children: make(map[string]*Node)}
}

func fromValue(v any) *Node {
	m, ok := v.(map[string]any)
	if !ok {
		return &Node{value: v}
	}
	n := newObject()
	for k, child := range m {
		n.children[k] = fromValue(child)
	}
	return n
}

// IsObject reports whether n has children rather than a value.
func (n *Node) IsObject() bool {
	return n.children != nil
}

// Value materializes n: objects become map[string]any.
func (n *Node) Value() any {
	if n.children == nil {
		return cloneValue(n.value)
	}
	m := make(map[string]any, len(n.children))
	for k, child := range n.children {
		m[k] = child.Value()
	}
	return m
}

// Get returns the descendant at the relative path.
func (n *Node) Get(path string) (*Node, error) {
	cur := n
	for _, seg := range SplitPath(path) {
		if cur.children == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		next, ok := cur.children[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		cur = next
	}
	return cur, nil
}

// Has reports whether the relative path exists.
func (n *Node) Has(path string) bool {
	_, err := n.Get(path)
	return err == nil
}

// Children returns the child mapping of an object node.
func (n *Node) Children() (map[string]*Node, error) {
	if n.children == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return maps.Clone(n.children), nil
}

// Keys returns the child names in lexical order; leaves have none.
func (n *Node) Keys() []string {
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsString returns the scalar string value.
func (n *Node) AsString() (string, error) {
	s, ok := n.value.(string)
	if !ok || n.children != nil {
		return "", fmt.Errorf("%w: not a string", ErrMalformed)
	}
	return s, nil
}

// AsUint returns a non-negative integral number.
func (n *Node) AsUint() (uint64, error) {
	f, ok := n.value.(float64)
	if !ok || n.children != nil || f < 0 || f != float64(uint64(f)) {
		return 0, fmt.Errorf("%w: not an unsigned integer", ErrMalformed)
	}
	return uint64(f), nil
}

// AsStrings returns an array of strings.
func (n *Node) AsStrings() ([]string, error) {
	arr, ok := n.value.([]any)
	if !ok || n.children != nil {
		return nil, fmt.Errorf("%w: not an array", ErrMalformed)
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: array element is not a string", ErrMalformed)
		}
		out = append(out, s)
	}
	return out, nil
}

// Decode unmarshals the materialized value of n into out.
func (n *Node) Decode(out any) error {
	data, err := json.Marshal(n.Value())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Equal reports whether n holds exactly v (after normalization).
func (n *Node) Equal(v any) bool {
	norm, err := Normalize(v)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(n.Value(), norm)
}

func (n *Node) clone() *Node {
	if n.children == nil {
		return &Node{value: cloneValue(n.value)}
	}
	c := newObject()
	for k, child := range n.children {
		c.children[k] = child.clone()
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ============================================================================
// 寫入操作（僅供 store 套用已提交的交易）
// ============================================================================

// lookup walks to the parent of path, creating objects on the way when
// create is set. Leaves met on the way are replaced by objects.
func (n *Node) lookup(segs []string, create bool) *Node {
	cur := n
	for _, seg := range segs {
		if cur.children == nil {
			if !create {
				return nil
			}
			cur.value = nil
			cur.children = make(map[string]*Node)
		}
		next, ok := cur.children[seg]
		if !ok {
			if !create {
				return nil
			}
			next = newObject()
			cur.children[seg] = next
		}
		cur = next
	}
	return cur
}

func (n *Node) set(path string, v any) {
	segs := SplitPath(path)
	if len(segs) == 0 {
		*n = *fromValue(v)
		return
	}
	parent := n.lookup(segs[:len(segs)-1], true)
	if parent.children == nil {
		parent.value = nil
		parent.children = make(map[string]*Node)
	}
	parent.children[segs[len(segs)-1]] = fromValue(v)
}

func (n *Node) remove(path string) {
	segs := SplitPath(path)
	if len(segs) == 0 {
		*n = *newObject()
		return
	}
	parent := n.lookup(segs[:len(segs)-1], false)
	if parent == nil || parent.children == nil {
		return
	}
	delete(parent.children, segs[len(segs)-1])
}

func (n *Node) push(path string, v any) {
	target, err := n.Get(path)
	if err != nil || target.children != nil {
		n.set(path, []any{v})
		return
	}
	arr, ok := target.value.([]any)
	if !ok {
		target.value = []any{v}
		return
	}
	target.value = append(slices.Clip(arr), v)
}

func (n *Node) erase(path string, v any) {
	target, err := n.Get(path)
	if err != nil || target.children != nil {
		return
	}
	arr, ok := target.value.([]any)
	if !ok {
		return
	}
	target.value = slices.DeleteFunc(slices.Clone(arr), func(e any) bool {
		return reflect.DeepEqual(e, v)
	})
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is a point-in-time read view of the agency. It is never mutated.
type Snapshot struct {
	root  *Node
	index uint64
}

// NewSnapshot builds a snapshot from a JSON-shaped tree at the given commit index.
func NewSnapshot(tree any, index uint64) (*Snapshot, error) {
	if tree == nil {
		tree = map[string]any{}
	}
	root, err := NewNode(tree)
	if err != nil {
		return nil, err
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: snapshot root must be an object", ErrMalformed)
	}
	return &Snapshot{root: root, index: index}, nil
}

// Index is the commit index the snapshot reflects.
func (s *Snapshot) Index() uint64 { return s.index }

// Root returns the root node.
func (s *Snapshot) Root() *Node { return s.root }

// Get returns the node at path or ErrNotFound.
func (s *Snapshot) Get(path string) (*Node, error) { return s.root.Get(path) }

// Has reports whether path exists.
func (s *Snapshot) Has(path string) bool { return s.root.Has(path) }

// Children returns a copy of the child mapping at path.
func (s *Snapshot) Children(path string) (map[string]*Node, error) {
	n, err := s.root.Get(path)
	if err != nil {
		return nil, err
	}
	children, err := n.Children()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return children, nil
}

// Keys returns the sorted child names at path; a missing path has none.
func (s *Snapshot) Keys(path string) []string {
	n, err := s.root.Get(path)
	if err != nil {
		return nil
	}
	return n.Keys()
}

// GetString returns the string at path.
func (s *Snapshot) GetString(path string) (string, error) {
	n, err := s.root.Get(path)
	if err != nil {
		return "", err
	}
	v, err := n.AsString()
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// GetStrings returns the string array at path.
func (s *Snapshot) GetStrings(path string) ([]string, error) {
	n, err := s.root.Get(path)
	if err != nil {
		return nil, err
	}
	v, err := n.AsStrings()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Decode unmarshals the subtree at path into out.
func (s *Snapshot) Decode(path string, out any) error {
	n, err := s.root.Get(path)
	if err != nil {
		return err
	}
	if err := n.Decode(out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
