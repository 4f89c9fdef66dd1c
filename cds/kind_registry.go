package cds

import (
	"fmt"

	"github.com/dolthub/swiss"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
)

// KindBehavior is installed on every archived object of one kind when an archive is mapped. It stands
// in for the per-type behavior a live object carries.
type KindBehavior interface {
	Restore(obj ArchivedObject) error
}

// KindBehaviorFunc adapts a function to KindBehavior
type KindBehaviorFunc func(obj ArchivedObject) error

func (f KindBehaviorFunc) Restore(obj ArchivedObject) error {
	return f(obj)
}

// KindRegistry maps object kinds to their behavior
type KindRegistry struct {
	behaviors *swiss.Map[metaobj.ObjType, KindBehavior]
}

func NewKindRegistry() *KindRegistry {
	return &KindRegistry{
		behaviors: swiss.NewMap[metaobj.ObjType, KindBehavior](uint32(metaobj.ObjTypeCount)),
	}
}

// Register sets the behavior of kind, replacing any earlier one
func (r *KindRegistry) Register(kind metaobj.ObjType, behavior KindBehavior) {
	if !kind.IsValid() {
		panic(fmt.Sprintf("cannot register a behavior for invalid kind %d", kind))
	}
	r.behaviors.Put(kind, behavior)
}

func (r *KindRegistry) Lookup(kind metaobj.ObjType) (KindBehavior, bool) {
	return r.behaviors.Get(kind)
}

func (r *KindRegistry) Len() int {
	return r.behaviors.Count()
}
