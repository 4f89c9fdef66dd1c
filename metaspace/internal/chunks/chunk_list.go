package chunks

import (
	"fmt"
)

// ChunkList is an intrusive doubly linked list of chunks that keeps a running word total
type ChunkList struct {
	head  *Chunk
	count int
	words int
}

func (l *ChunkList) Head() *Chunk {
	return l.head
}

func (l *ChunkList) Count() int {
	return l.count
}

func (l *ChunkList) Words() int {
	return l.words
}

func (l *ChunkList) IsEmpty() bool {
	return l.head == nil
}

// PushFront links chunk at the head of the list
func (l *ChunkList) PushFront(chunk *Chunk) {
	if chunk.list != nil {
		panic(fmt.Sprintf("chunk at %#x is already linked into a list", chunk.bottom))
	}

	chunk.prev = nil
	chunk.next = l.head
	if l.head != nil {
		l.head.prev = chunk
	}
	l.head = chunk
	chunk.list = l
	l.count++
	l.words += chunk.wordSize
}

// Remove unlinks chunk, which must be in this list
func (l *ChunkList) Remove(chunk *Chunk) {
	if chunk.list != l {
		panic(fmt.Sprintf("chunk at %#x is not linked into this list", chunk.bottom))
	}

	if chunk.prev != nil {
		chunk.prev.next = chunk.next
	} else {
		l.head = chunk.next
	}
	if chunk.next != nil {
		chunk.next.prev = chunk.prev
	}

	chunk.next = nil
	chunk.prev = nil
	chunk.list = nil
	l.count--
	l.words -= chunk.wordSize
}

// PopFront unlinks and returns the head chunk, or nil if the list is empty
func (l *ChunkList) PopFront() *Chunk {
	chunk := l.head
	if chunk != nil {
		l.Remove(chunk)
	}
	return chunk
}

// Each calls visit for every chunk in list order. visit may not modify the list.
func (l *ChunkList) Each(visit func(chunk *Chunk)) {
	for chunk := l.head; chunk != nil; chunk = chunk.next {
		visit(chunk)
	}
}
