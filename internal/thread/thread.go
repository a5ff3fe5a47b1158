// Package thread walks reply chains of hydrated objects.
//
// Every function is pure and bounded: a node seen twice ends the walk.
package thread

import (
	"errors"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

// ErrCycle reports an InReplyTo chain that revisits an object.
var ErrCycle = errors.New("reply chain contains a cycle")

// same compares by ID once stored, by pointer before.
func same(a, b *model.Object) bool {
	if a == b {
		return true
	}
	return a.ID != 0 && a.ID == b.ID
}

type visited struct {
	ptrs map[*model.Object]bool
	ids  map[int64]bool
}

func newVisited() *visited {
	return &visited{ptrs: map[*model.Object]bool{}, ids: map[int64]bool{}}
}

// add returns false when o was already seen.
func (v *visited) add(o *model.Object) bool {
	if v.ptrs[o] || (o.ID != 0 && v.ids[o.ID]) {
		return false
	}
	v.ptrs[o] = true
	if o.ID != 0 {
		v.ids[o.ID] = true
	}
	return true
}

// RootOf follows InReplyTo to the object that has no parent. With a cycle
// it stops at the last object before the repeat.
func RootOf(o *model.Object) *model.Object {
	if o == nil {
		return nil
	}
	seen := newVisited()
	seen.add(o)
	cur := o
	for cur.InReplyTo != nil && seen.add(cur.InReplyTo) {
		cur = cur.InReplyTo
	}
	return cur
}

// AncestryOf returns the ancestors of o nearest first, leaving out o
// itself and the root.
func AncestryOf(o *model.Object) []*model.Object {
	if o == nil {
		return nil
	}
	root := RootOf(o)
	var out []*model.Object
	seen := newVisited()
	seen.add(o)
	for cur := o.InReplyTo; cur != nil && !same(cur, root) && seen.add(cur); cur = cur.InReplyTo {
		out = append(out, cur)
	}
	return out
}

// Chain is o followed by AncestryOf(o): the objects that get reply stream
// rows when o is a reply. It is empty when o is a root.
func Chain(o *model.Object) []*model.Object {
	if o == nil || same(o, RootOf(o)) {
		return nil
	}
	return append([]*model.Object{o}, AncestryOf(o)...)
}

// Depth counts the InReplyTo links between o and its root.
func Depth(o *model.Object) int {
	if o == nil {
		return 0
	}
	seen := newVisited()
	seen.add(o)
	d := 0
	for cur := o.InReplyTo; cur != nil && seen.add(cur); cur = cur.InReplyTo {
		d++
	}
	return d
}

// Validate returns ErrCycle if the chain above o revisits an object.
func Validate(o *model.Object) error {
	if o == nil {
		return nil
	}
	seen := newVisited()
	for cur := o; cur != nil; cur = cur.InReplyTo {
		if !seen.add(cur) {
			return ErrCycle
		}
	}
	return nil
}

// IsReply reports whether o has a parent.
func IsReply(o *model.Object) bool {
	return o != nil && o.InReplyTo != nil
}
