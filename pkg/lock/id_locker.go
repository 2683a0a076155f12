package lock

import (
	"sync"

	"github.com/materials-commons/diode/pkg/clog"
)

// IdLocker hands out one mutex per id. Entries are reference counted and removed once no
// goroutine holds or waits on them, so the map does not grow with every id ever seen.
type IdLocker[K comparable] struct {
	mapMutex sync.Mutex
	idMap    map[K]*idMutex
}

type idMutex struct {
	sync.Mutex
	refs int
}

func NewIdLocker[K comparable]() *IdLocker[K] {
	return &IdLocker[K]{
		idMap: make(map[K]*idMutex),
	}
}

func (l *IdLocker[K]) AcquireLock(id K) {
	l.mapMutex.Lock()
	m, ok := l.idMap[id]
	if !ok {
		m = &idMutex{}
		l.idMap[id] = m
	}
	m.refs++
	l.mapMutex.Unlock()

	m.Lock()
}

func (l *IdLocker[K]) ReleaseLock(id K) {
	l.mapMutex.Lock()
	defer l.mapMutex.Unlock()

	m, ok := l.idMap[id]
	if !ok {
		clog.Global().Errorf("ReleaseLock called on id (%v) with no mutex", id)
		return
	}

	m.refs--
	if m.refs == 0 {
		delete(l.idMap, id)
	}
	m.Unlock()
}

func (l *IdLocker[K]) WithLock(id K, f func() error) error {
	l.AcquireLock(id)
	defer l.ReleaseLock(id)
	return f()
}

// Len is the number of ids currently held or waited on.
func (l *IdLocker[K]) Len() int {
	l.mapMutex.Lock()
	defer l.mapMutex.Unlock()
	return len(l.idMap)
}
