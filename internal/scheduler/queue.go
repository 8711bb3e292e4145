package scheduler

import (
	"container/heap"
	"time"
)

// entry is one pending dose notification.
type entry struct {
	due      time.Time
	courseID uint
	offset   int
}

func (e entry) before(o entry) bool {
	if !e.due.Equal(o.due) {
		return e.due.Before(o.due)
	}
	if e.courseID != o.courseID {
		return e.courseID < o.courseID
	}
	return e.offset < o.offset
}

// queue is a min-heap of entries ordered by due instant, course and offset.
type queue []entry

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].before(q[j]) }
func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

func (q *queue) push(e entry) { heap.Push(q, e) }

func (q *queue) peek() (entry, bool) {
	if len(*q) == 0 {
		return entry{}, false
	}
	return (*q)[0], true
}

func (q *queue) pop() entry { return heap.Pop(q).(entry) }

// removeCourse drops every entry of courseID and returns how many were dropped.
func (q *queue) removeCourse(courseID uint) int {
	kept := (*q)[:0]
	removed := 0
	for _, e := range *q {
		if e.courseID == courseID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	*q = kept
	if removed > 0 {
		heap.Init(q)
	}
	return removed
}
