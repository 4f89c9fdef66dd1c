package metaspace

import (
	"fmt"
	"sync/atomic"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
)

// Counters holds the global word counts of each space. They are updated under the lock of whatever
// structure changed and read without locks.
type Counters struct {
	reservedWords  [MetadataTypeCount]atomic.Int64
	committedWords [MetadataTypeCount]atomic.Int64
	capacityWords  [MetadataTypeCount]atomic.Int64
	usedWords      [MetadataTypeCount]atomic.Int64
}

func addChecked(counter *atomic.Int64, delta int, name string, mdType MetadataType) {
	value := counter.Add(int64(delta))
	if value < 0 {
		panic(fmt.Sprintf("%s words for %s metadata went negative", name, mdType))
	}
}

// AddCommitted and AddReserved are fed by the virtual space lists
func (c *Counters) AddCommitted(mdType MetadataType, delta int) {
	addChecked(&c.committedWords[mdType], delta, "committed", mdType)
}

func (c *Counters) AddReserved(mdType MetadataType, delta int) {
	addChecked(&c.reservedWords[mdType], delta, "reserved", mdType)
}

// AddCapacity tracks the words of chunks held by arenas
func (c *Counters) AddCapacity(mdType MetadataType, delta int) {
	addChecked(&c.capacityWords[mdType], delta, "capacity", mdType)
}

// AddUsed tracks the words handed out of chunks held by arenas
func (c *Counters) AddUsed(mdType MetadataType, delta int) {
	addChecked(&c.usedWords[mdType], delta, "used", mdType)
}

func (c *Counters) ReservedWords(mdType MetadataType) int {
	return int(c.reservedWords[mdType].Load())
}

func (c *Counters) CommittedWords(mdType MetadataType) int {
	return int(c.committedWords[mdType].Load())
}

func (c *Counters) CapacityWords(mdType MetadataType) int {
	return int(c.capacityWords[mdType].Load())
}

func (c *Counters) UsedWords(mdType MetadataType) int {
	return int(c.usedWords[mdType].Load())
}

func (c *Counters) total(get func(MetadataType) int) int {
	return get(ClassType) + get(NonClassType)
}

func (c *Counters) TotalCommittedBytes() int {
	return memutils.WordsToBytes(c.total(c.CommittedWords))
}

func (c *Counters) TotalReservedBytes() int {
	return memutils.WordsToBytes(c.total(c.ReservedWords))
}

func (c *Counters) TotalCapacityBytes() int {
	return memutils.WordsToBytes(c.total(c.CapacityWords))
}

func (c *Counters) TotalUsedBytes() int {
	return memutils.WordsToBytes(c.total(c.UsedWords))
}
