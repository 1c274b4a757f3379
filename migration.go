package objstore

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

type MigrationStepKind int

const (
	StepCreateStore MigrationStepKind = iota + 1
	StepDeleteStore
	StepCreateIndex
	StepDeleteIndex
)

func (k MigrationStepKind) String() string {
	switch k {
	case StepCreateStore:
		return "create_store"
	case StepDeleteStore:
		return "delete_store"
	case StepCreateIndex:
		return "create_index"
	case StepDeleteIndex:
		return "delete_index"
	default:
		return fmt.Sprintf("invalid step %d", int(k))
	}
}

// MigrationStep is a single structural change. StoreDecl is set for
// StepCreateStore (without indexes, which get their own steps); IndexDecl is
// set for StepCreateIndex.
type MigrationStep struct {
	Kind      MigrationStepKind
	Store     string
	Index     string
	StoreDecl StoreDeclaration
	IndexDecl IndexDeclaration
}

func (s MigrationStep) String() string {
	switch s.Kind {
	case StepCreateIndex:
		return fmt.Sprintf("%v %s.%v", s.Kind, s.Store, s.IndexDecl)
	case StepDeleteIndex:
		return fmt.Sprintf("%v %s.%s", s.Kind, s.Store, s.Index)
	default:
		return fmt.Sprintf("%v %s", s.Kind, s.Store)
	}
}

// PlanMigration computes the steps that turn the existing stores into the
// declared ones when moving from the current to the target version.
//
// Only existence is managed: stores and indexes are created and deleted,
// never altered. A store whose key path or auto-increment setting changed is
// deleted and recreated (losing its records); a changed index is deleted and
// recreated. Steps are ordered: store deletions, index deletions, store
// creations, index creations. The plan is empty when current == target.
func PlanMigration(current, target uint64, existing, declared []StoreDeclaration) ([]MigrationStep, error) {
	if target == 0 {
		return nil, errors.New("target version must be at least 1")
	}
	if current > target {
		return nil, errors.WithMessagef(ErrVersionTooNew, "stored v%d, requested v%d", current, target)
	}
	if current == target {
		return nil, nil
	}

	existingByName := make(map[string]StoreDeclaration, len(existing))
	for _, d := range existing {
		existingByName[d.Name] = d
	}
	declaredByName := make(map[string]StoreDeclaration, len(declared))
	for _, d := range declared {
		if _, dup := declaredByName[d.Name]; dup {
			return nil, fmt.Errorf("store %s declared twice", d.Name)
		}
		declaredByName[d.Name] = d
	}

	var deleteStores, deleteIndexes, createStores, createIndexes []MigrationStep

	existingNames := make([]string, 0, len(existingByName))
	for name := range existingByName {
		existingNames = append(existingNames, name)
	}
	sort.Strings(existingNames)
	for _, name := range existingNames {
		old := existingByName[name]
		if d, ok := declaredByName[name]; !ok || !d.SameKey(old) {
			deleteStores = append(deleteStores, MigrationStep{Kind: StepDeleteStore, Store: name})
		}
	}

	for _, d := range declared {
		old, exists := existingByName[d.Name]
		if !exists || !d.SameKey(old) {
			storeDecl := d
			storeDecl.Indexes = nil
			createStores = append(createStores, MigrationStep{Kind: StepCreateStore, Store: d.Name, StoreDecl: storeDecl})
			for _, idx := range d.Indexes {
				createIndexes = append(createIndexes, MigrationStep{Kind: StepCreateIndex, Store: d.Name, Index: idx.Name, IndexDecl: idx})
			}
			continue
		}

		for _, oldIdx := range sortedIndexes(old.Indexes) {
			if idx, ok := d.Index(oldIdx.Name); !ok || !idx.Equal(oldIdx) {
				deleteIndexes = append(deleteIndexes, MigrationStep{Kind: StepDeleteIndex, Store: d.Name, Index: oldIdx.Name})
			}
		}
		for _, idx := range d.Indexes {
			if oldIdx, ok := old.Index(idx.Name); !ok || !idx.Equal(oldIdx) {
				createIndexes = append(createIndexes, MigrationStep{Kind: StepCreateIndex, Store: d.Name, Index: idx.Name, IndexDecl: idx})
			}
		}
	}

	var steps []MigrationStep
	steps = append(steps, deleteStores...)
	steps = append(steps, deleteIndexes...)
	steps = append(steps, createStores...)
	steps = append(steps, createIndexes...)
	return steps, nil
}

func sortedIndexes(indexes []IndexDeclaration) []IndexDeclaration {
	out := append([]IndexDeclaration(nil), indexes...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
