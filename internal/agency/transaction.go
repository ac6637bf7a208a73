package agency

import (
	"context"
	"fmt"
	"slices"
)

// OpType is the kind of a mutation clause.
type OpType string

const (
	OpSet    OpType = "set"    // replace value or subtree
	OpDelete OpType = "delete" // remove path, no-op if absent
	OpPush   OpType = "push"   // append to array, creating it if needed
	OpErase  OpType = "erase"  // remove value from array, no-op if absent
)

// PreconditionKind is the kind of a precondition clause.
type PreconditionKind string

const (
	PreOldEmpty PreconditionKind = "oldEmpty" // Value=true: path absent, false: present
	PreOld      PreconditionKind = "old"      // path holds exactly Value
)

// Mutation is one write clause of a transaction.
type Mutation struct {
	Path  string `json:"path"`
	Op    OpType `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Precondition is one guard clause of a transaction.
type Precondition struct {
	Path  string           `json:"path"`
	Kind  PreconditionKind `json:"kind"`
	Value any              `json:"value"`
}

// Transaction is one atomic multi-key write. It is a value: every builder
// method returns an extended copy and never touches the receiver's clauses,
// so a transaction handed to a nested job creation comes back merged instead
// of being mutated through a shared handle.
type Transaction struct {
	Mutations     []Mutation     `json:"mutations"`
	Preconditions []Precondition `json:"preconditions,omitempty"`
}

func (t Transaction) mutate(m Mutation) Transaction {
	t.Mutations = append(slices.Clip(t.Mutations), m)
	return t
}

func (t Transaction) guard(p Precondition) Transaction {
	t.Preconditions = append(slices.Clip(t.Preconditions), p)
	return t
}

// Set writes v at path.
func (t Transaction) Set(path string, v any) Transaction {
	return t.mutate(Mutation{Path: path, Op: OpSet, Value: v})
}

// Delete removes path.
func (t Transaction) Delete(path string) Transaction {
	return t.mutate(Mutation{Path: path, Op: OpDelete})
}

// Push appends v to the array at path.
func (t Transaction) Push(path string, v any) Transaction {
	return t.mutate(Mutation{Path: path, Op: OpPush, Value: v})
}

// Erase removes every occurrence of v from the array at path.
func (t Transaction) Erase(path string, v any) Transaction {
	return t.mutate(Mutation{Path: path, Op: OpErase, Value: v})
}

// RequireEmpty guards that path does not exist.
func (t Transaction) RequireEmpty(path string) Transaction {
	return t.guard(Precondition{Path: path, Kind: PreOldEmpty, Value: true})
}

// RequirePresent guards that path exists.
func (t Transaction) RequirePresent(path string) Transaction {
	return t.guard(Precondition{Path: path, Kind: PreOldEmpty, Value: false})
}

// RequireEqual guards that path holds exactly v.
func (t Transaction) RequireEqual(path string, v any) Transaction {
	return t.guard(Precondition{Path: path, Kind: PreOld, Value: v})
}

// RequireUnchanged guards that path still looks as it does in snap:
// the same value if present, absent otherwise.
func (t Transaction) RequireUnchanged(snap *Snapshot, path string) Transaction {
	n, err := snap.Get(path)
	if err != nil {
		return t.RequireEmpty(path)
	}
	return t.RequireEqual(path, n.Value())
}

// Merge appends the clauses of o.
func (t Transaction) Merge(o Transaction) Transaction {
	t.Mutations = append(slices.Clip(t.Mutations), o.Mutations...)
	t.Preconditions = append(slices.Clip(t.Preconditions), o.Preconditions...)
	return t
}

// Empty reports whether t has no mutations.
func (t Transaction) Empty() bool {
	return len(t.Mutations) == 0
}

// normalized returns a copy whose values are in JSON shape.
func (t Transaction) normalized() (Transaction, error) {
	out := Transaction{
		Mutations:     make([]Mutation, len(t.Mutations)),
		Preconditions: make([]Precondition, len(t.Preconditions)),
	}
	for i, m := range t.Mutations {
		v, err := Normalize(m.Value)
		if err != nil {
			return Transaction{}, fmt.Errorf("mutation %s %s: %w", m.Op, m.Path, err)
		}
		switch m.Op {
		case OpSet, OpDelete, OpPush, OpErase:
		default:
			return Transaction{}, fmt.Errorf("%w: unknown op %q", ErrMalformed, m.Op)
		}
		m.Value = v
		out.Mutations[i] = m
	}
	for i, p := range t.Preconditions {
		v, err := Normalize(p.Value)
		if err != nil {
			return Transaction{}, fmt.Errorf("precondition %s %s: %w", p.Kind, p.Path, err)
		}
		switch p.Kind {
		case PreOld:
		case PreOldEmpty:
			if _, ok := v.(bool); !ok {
				return Transaction{}, fmt.Errorf("%w: oldEmpty on %s needs a bool", ErrMalformed, p.Path)
			}
		default:
			return Transaction{}, fmt.Errorf("%w: unknown precondition %q", ErrMalformed, p.Kind)
		}
		p.Value = v
		out.Preconditions[i] = p
	}
	return out, nil
}

// holds evaluates p against root.
func (p Precondition) holds(root *Node) bool {
	n, err := root.Get(p.Path)
	switch p.Kind {
	case PreOldEmpty:
		wantEmpty, _ := p.Value.(bool)
		return (err != nil) == wantEmpty
	case PreOld:
		return err == nil && n.Equal(p.Value)
	}
	return false
}

func (m Mutation) apply(root *Node) {
	switch m.Op {
	case OpSet:
		root.set(m.Path, m.Value)
	case OpDelete:
		root.remove(m.Path)
	case OpPush:
		root.push(m.Path, m.Value)
	case OpErase:
		root.erase(m.Path, m.Value)
	}
}

// WriteResult reports the outcome of a write request. Indices has one entry
// per submitted transaction: 0 when a precondition failed, otherwise the
// commit index assigned to it.
type WriteResult struct {
	Accepted bool     `json:"accepted"`
	Indices  []uint64 `json:"indices"`
}

// Store is the consensus-backed hierarchical key-value service.
type Store interface {
	// Read returns a snapshot of the current state.
	Read(ctx context.Context) (*Snapshot, error)
	// Write submits transactions; each one commits or is rejected atomically.
	Write(ctx context.Context, txns ...Transaction) (WriteResult, error)
}

// SingleWrite submits one transaction and reports whether it committed.
func SingleWrite(ctx context.Context, store Store, txn Transaction) (bool, error) {
	res, err := store.Write(ctx, txn)
	if err != nil {
		return false, err
	}
	return res.Accepted && len(res.Indices) == 1 && res.Indices[0] != 0, nil
}
