package securestore

import "context"

// GuardedStore refuses every operation while the device reports protected
// data as unavailable
type GuardedStore struct {
	next      Store
	available func() bool
}

// Guard wraps next so that it returns ErrUnavailable whenever available
// reports false. A nil available only consults next
func Guard(next Store, available func() bool) *GuardedStore {
	return &GuardedStore{next: next, available: available}
}

func (s *GuardedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.Available() {
		return nil, ErrUnavailable
	}
	return s.next.Get(ctx, key)
}

func (s *GuardedStore) Put(ctx context.Context, key string, value []byte) error {
	if !s.Available() {
		return ErrUnavailable
	}
	return s.next.Put(ctx, key, value)
}

func (s *GuardedStore) Delete(ctx context.Context, key string) error {
	if !s.Available() {
		return ErrUnavailable
	}
	return s.next.Delete(ctx, key)
}

func (s *GuardedStore) Available() bool {
	if s.available != nil && !s.available() {
		return false
	}
	return s.next.Available()
}

func (s *GuardedStore) Close() error {
	return s.next.Close()
}
