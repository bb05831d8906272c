package automation

import "sync"

// bookingLocks hands out one mutex per booking id and forgets it once nobody holds or waits on it.
type bookingLocks struct {
	mu    sync.Mutex
	locks map[string]*bookingLock
}

type bookingLock struct {
	mu   sync.Mutex
	refs int
}

func newBookingLocks() *bookingLocks {
	return &bookingLocks{locks: make(map[string]*bookingLock)}
}

// Lock blocks until the booking is free and returns the matching unlock.
func (b *bookingLocks) Lock(bookingID string) func() {
	b.mu.Lock()
	l, ok := b.locks[bookingID]
	if !ok {
		l = &bookingLock{}
		b.locks[bookingID] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, bookingID)
		}
		b.mu.Unlock()
	}
}

func (b *bookingLocks) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.locks)
}
