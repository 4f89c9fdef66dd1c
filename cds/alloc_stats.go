package cds

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"golang.org/x/exp/slog"
)

// AllocCounter is a count of objects and the bytes they take in the buffer
type AllocCounter struct {
	Count int
	Bytes int
}

func (c *AllocCounter) add(bytes int) {
	c.Count++
	c.Bytes += bytes
}

// AllocStats breaks the archive down by region and object kind
type AllocStats struct {
	RW [metaobj.ObjTypeCount]AllocCounter
	RO [metaobj.ObjTypeCount]AllocCounter

	// ClassSlots counts the words reserved in front of instance classes
	ClassSlots AllocCounter
	// Tables counts the serialized tables and class names in md
	Tables AllocCounter
}

func (s *AllocStats) recordObject(readOnly bool, objType metaobj.ObjType, bytes int) {
	if readOnly {
		s.RO[objType].add(bytes)
	} else {
		s.RW[objType].add(bytes)
	}
}

func totalOf(counters []AllocCounter) AllocCounter {
	var total AllocCounter
	for _, counter := range counters {
		total.Count += counter.Count
		total.Bytes += counter.Bytes
	}
	return total
}

func (s *AllocStats) RWTotal() AllocCounter {
	total := totalOf(s.RW[:])
	total.Bytes += s.ClassSlots.Bytes
	return total
}

func (s *AllocStats) ROTotal() AllocCounter {
	return totalOf(s.RO[:])
}

func printCounter(json jwriter.ObjectState, counter AllocCounter) {
	json.Name("Count").Int(counter.Count)
	json.Name("Bytes").Int(counter.Bytes)
}

func printCounters(json jwriter.ObjectState, counters []AllocCounter) {
	for i, counter := range counters {
		if counter.Count == 0 {
			continue
		}
		obj := json.Name(metaobj.ObjType(i).String()).Object()
		printCounter(obj, counter)
		obj.End()
	}
}

// PrintJSON renders the statistics as a JSON object
func (s *AllocStats) PrintJSON() ([]byte, error) {
	writer := jwriter.NewWriter()
	root := writer.Object()

	rw := root.Name("RW").Object()
	printCounters(rw, s.RW[:])
	slots := rw.Name("ClassSlots").Object()
	printCounter(slots, s.ClassSlots)
	slots.End()
	rw.End()

	ro := root.Name("RO").Object()
	printCounters(ro, s.RO[:])
	ro.End()

	tables := root.Name("MD").Object()
	printCounter(tables, s.Tables)
	tables.End()

	root.End()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return writer.Bytes(), nil
}

func (s *AllocStats) log(logger *slog.Logger) {
	rw := s.RWTotal()
	ro := s.ROTotal()
	logger.LogAttrs(context.Background(), slog.LevelInfo, "Archive allocation statistics",
		slog.Int("RWObjects", rw.Count),
		slog.Int("RWBytes", rw.Bytes),
		slog.Int("ROObjects", ro.Count),
		slog.Int("ROBytes", ro.Bytes),
		slog.Int("MDBytes", s.Tables.Bytes),
	)
}
