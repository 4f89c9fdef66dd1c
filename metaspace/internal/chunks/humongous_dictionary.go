package chunks

import (
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// humongousDictionary holds free humongous chunks ordered by size. sizes is kept sorted and holds
// exactly the sizes that have a non-empty bucket.
type humongousDictionary struct {
	sizes   []int
	buckets *swiss.Map[int, *ChunkList]
	count   int
	words   int
}

func newHumongousDictionary() humongousDictionary {
	return humongousDictionary{
		buckets: swiss.NewMap[int, *ChunkList](8),
	}
}

func (d *humongousDictionary) Count() int {
	return d.count
}

func (d *humongousDictionary) Words() int {
	return d.words
}

func (d *humongousDictionary) ReturnChunk(chunk *Chunk) {
	bucket, ok := d.buckets.Get(chunk.wordSize)
	if !ok {
		bucket = &ChunkList{}
		d.buckets.Put(chunk.wordSize, bucket)

		pos, _ := slices.BinarySearch(d.sizes, chunk.wordSize)
		d.sizes = slices.Insert(d.sizes, pos, chunk.wordSize)
	}

	bucket.PushFront(chunk)
	d.count++
	d.words += chunk.wordSize
}

// GetChunk removes and returns the smallest chunk of at least words, or nil
func (d *humongousDictionary) GetChunk(words int) *Chunk {
	pos, _ := slices.BinarySearch(d.sizes, words)
	if pos >= len(d.sizes) {
		return nil
	}

	bucket, _ := d.buckets.Get(d.sizes[pos])
	chunk := bucket.Head()
	d.Remove(chunk)
	return chunk
}

func (d *humongousDictionary) Remove(chunk *Chunk) {
	bucket, ok := d.buckets.Get(chunk.wordSize)
	if !ok || chunk.list != bucket {
		panic("humongous chunk is not in the dictionary")
	}

	bucket.Remove(chunk)
	d.count--
	d.words -= chunk.wordSize

	if bucket.IsEmpty() {
		d.buckets.Delete(chunk.wordSize)
		pos, _ := slices.BinarySearch(d.sizes, chunk.wordSize)
		d.sizes = slices.Delete(d.sizes, pos, pos+1)
	}
}

func (d *humongousDictionary) Contains(chunk *Chunk) bool {
	bucket, ok := d.buckets.Get(chunk.wordSize)
	return ok && chunk.list == bucket
}

// Each visits every free humongous chunk in ascending size order
func (d *humongousDictionary) Each(visit func(chunk *Chunk)) {
	for _, size := range d.sizes {
		bucket, _ := d.buckets.Get(size)
		bucket.Each(visit)
	}
}
