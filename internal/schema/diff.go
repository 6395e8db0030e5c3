package schema

// ChangeKind names a single mutation between two table descriptors.
type ChangeKind string

const (
	AddField       ChangeKind = "add field"
	AlterField     ChangeKind = "alter field"
	DropField      ChangeKind = "drop field"
	AddIndex       ChangeKind = "add index"
	DropIndex      ChangeKind = "drop index"
	AddConstraint  ChangeKind = "add constraint"
	DropConstraint ChangeKind = "drop constraint"
)

// Change is one step needed to turn an old table shape into a new one.
type Change struct {
	Kind       ChangeKind
	Column     *Column // new column (add, alter) or dropped column
	Old        *Column // previous column (alter)
	Index      *Index
	Constraint *Constraint
	Conversion Conversion
}

// Diff computes the changes that mutate old into new. Drops come first so
// names can be reused; adds and alters follow the new column order.
func Diff(old, new *Table) []Change {
	var changes []Change

	newCons := make(map[string]bool)
	for _, c := range new.Constraints {
		newCons[c.Key()] = true
	}
	for _, c := range old.Constraints {
		if !newCons[c.Key()] {
			changes = append(changes, Change{Kind: DropConstraint, Constraint: c})
		}
	}

	newIdx := make(map[string]bool)
	for _, i := range new.Indexes {
		newIdx[i.Key()] = true
	}
	for _, i := range old.Indexes {
		if !newIdx[i.Key()] {
			changes = append(changes, Change{Kind: DropIndex, Index: i})
		}
	}

	for _, c := range old.Columns() {
		if !new.HasColumn(c.Name) {
			changes = append(changes, Change{Kind: DropField, Column: c})
		}
	}

	for _, c := range new.Columns() {
		oc := old.Column(c.Name)
		switch {
		case oc == nil:
			changes = append(changes, Change{Kind: AddField, Column: c})
		case !oc.Equal(c):
			changes = append(changes, Change{
				Kind:       AlterField,
				Column:     c,
				Old:        oc,
				Conversion: ConversionFor(oc.Type, c.Type),
			})
		}
	}

	oldIdx := make(map[string]bool)
	for _, i := range old.Indexes {
		oldIdx[i.Key()] = true
	}
	for _, i := range new.Indexes {
		if !oldIdx[i.Key()] {
			changes = append(changes, Change{Kind: AddIndex, Index: i})
		}
	}

	oldCons := make(map[string]bool)
	for _, c := range old.Constraints {
		oldCons[c.Key()] = true
	}
	for _, c := range new.Constraints {
		if !oldCons[c.Key()] {
			changes = append(changes, Change{Kind: AddConstraint, Constraint: c})
		}
	}

	return changes
}

// Apply returns a copy of t with the changes applied. It is the inverse of
// Diff: Apply(old, Diff(old, new)) has the same shape as new.
func Apply(t *Table, changes []Change) *Table {
	out := t.Clone()
	for _, ch := range changes {
		switch ch.Kind {
		case DropField:
			out.RemoveColumn(ch.Column.Name)
		case AddField:
			_ = out.AddColumn(ch.Column.Clone())
		case AlterField:
			if c := out.Column(ch.Column.Name); c != nil {
				*c = *ch.Column
			}
		case DropIndex:
			kept := out.Indexes[:0]
			for _, i := range out.Indexes {
				if i.Key() != ch.Index.Key() {
					kept = append(kept, i)
				}
			}
			out.Indexes = kept
		case AddIndex:
			out.Indexes = append(out.Indexes, ch.Index)
		case DropConstraint:
			kept := out.Constraints[:0]
			for _, c := range out.Constraints {
				if c.Key() != ch.Constraint.Key() {
					kept = append(kept, c)
				}
			}
			out.Constraints = kept
		case AddConstraint:
			out.Constraints = append(out.Constraints, ch.Constraint)
		}
	}
	return out
}

// HasKind reports whether any change has the given kind.
func HasKind(changes []Change, kind ChangeKind) bool {
	for _, c := range changes {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
