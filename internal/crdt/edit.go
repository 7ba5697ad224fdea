package crdt

import "fmt"

func (d *Doc) visibleAt(index int) *item {
	n := 0
	for it := d.start; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if n == index {
			return it
		}
		n++
	}
	return nil
}

func (d *Doc) nextClock() uint64 {
	return uint64(len(d.log[d.client]))
}

func idPtr(id ID) *ID {
	return &id
}

// InsertLeaves inserts leaves before the visible position index and returns
// the update to broadcast.
func (d *Doc) InsertLeaves(index int, leaves ...Leaf) (Update, error) {
	if index < 0 || index > d.Len() {
		return Update{}, fmt.Errorf("%w: insert at %d", ErrOutOfRange, index)
	}
	var left, right *item
	if index == 0 {
		right = d.start
	} else {
		left = d.visibleAt(index - 1)
		right = left.right
	}
	ops := make([]Op, 0, len(leaves))
	for i := range leaves {
		leaf := leaves[i]
		op := Op{Kind: OpInsert, ID: NewID(d.client, d.nextClock()), Leaf: &leaf}
		if left != nil {
			op.Origin = idPtr(left.id)
		}
		if right != nil {
			op.RightOrigin = idPtr(right.id)
		}
		d.integrate(op)
		ops = append(ops, op)
		left = d.items[op.ID]
	}
	return Update{Ops: ops}, nil
}

func (d *Doc) InsertText(index int, text string) (Update, error) {
	leaves := make([]Leaf, 0, len(text))
	for _, r := range text {
		leaves = append(leaves, Char(r))
	}
	return d.InsertLeaves(index, leaves...)
}

func (d *Doc) Delete(index, length int) (Update, error) {
	targets, err := d.span(index, length)
	if err != nil {
		return Update{}, err
	}
	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{Kind: OpDelete, ID: NewID(d.client, d.nextClock()), Target: idPtr(target)}
		d.integrate(op)
		ops = append(ops, op)
	}
	return Update{Ops: ops}, nil
}

// Format sets key on every leaf in the span. A nil value removes it.
func (d *Doc) Format(index, length int, key string, value *string) (Update, error) {
	if key == "" {
		return Update{}, fmt.Errorf("format: empty key")
	}
	targets, err := d.span(index, length)
	if err != nil {
		return Update{}, err
	}
	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{
			Kind:    OpFormat,
			ID:      NewID(d.client, d.nextClock()),
			Target:  idPtr(target),
			Key:     key,
			Value:   value,
			Lamport: d.nextLamport,
		}
		d.integrate(op)
		ops = append(ops, op)
	}
	return Update{Ops: ops}, nil
}

func (d *Doc) span(index, length int) ([]ID, error) {
	if index < 0 || length < 0 || index+length > d.Len() {
		return nil, fmt.Errorf("%w: span %d+%d", ErrOutOfRange, index, length)
	}
	ids := make([]ID, 0, length)
	n := 0
	for it := d.start; it != nil && len(ids) < length; it = it.right {
		if it.deleted {
			continue
		}
		if n >= index {
			ids = append(ids, it.id)
		}
		n++
	}
	return ids, nil
}

func (d *Doc) InsertLeaf(index int, leaf Leaf) (Update, error) {
	return d.InsertLeaves(index, leaf)
}
