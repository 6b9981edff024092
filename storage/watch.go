package storage

import (
	"context"
)

// AllNotesLive streams the full note list, newest first. The current list is
// delivered immediately and a fresh one after every mutation. Slow readers
// only ever see the latest list. The channel closes when ctx ends or the
// store closes.
func (s *Store) AllNotesLive(ctx context.Context) (<-chan []Note, error) {
	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		return nil, ErrClosed
	}
	// Reading under watchMu orders the first list before any notification.
	notes, err := s.AllNotes()
	if err != nil {
		s.watchMu.Unlock()
		return nil, err
	}

	ch := make(chan []Note, 1)
	ch <- notes
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if current, ok := s.watchers[id]; ok && current == ch {
			delete(s.watchers, id)
			close(ch)
		}
	}()

	return ch, nil
}

func (s *Store) notifyWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if len(s.watchers) == 0 || s.closed {
		return
	}

	notes, err := s.AllNotes()
	if err != nil {
		return
	}

	for _, ch := range s.watchers {
		snapshot := make([]Note, len(notes))
		copy(snapshot, notes)
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

func (s *Store) closeWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.closed = true
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
}
