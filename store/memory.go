package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryAdapter keeps all records in process memory.
//
// State is volatile: everything is lost when the process exits. Nothing is
// shared across server instances, so a waiter on one instance is never woken
// by a callback handled on another. Use [RedisAdapter] for clustered
// deployments; this adapter is for tests and single-instance setups.
type MemoryAdapter struct {
	mu          sync.Mutex
	byID        map[string]*User
	byPollToken map[string]*User
	byInitToken map[string]*User
	subs        map[string]map[*memorySubscription]struct{}
}

// NewMemoryAdapter returns an empty, ready-to-boot adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		byID:        make(map[string]*User),
		byPollToken: make(map[string]*User),
		byInitToken: make(map[string]*User),
		subs:        make(map[string]map[*memorySubscription]struct{}),
	}
}

// Boot is a no-op; the adapter is usable as soon as it is constructed.
func (a *MemoryAdapter) Boot(ctx context.Context) error {
	return nil
}

func (a *MemoryAdapter) CreateUser(ctx context.Context, params CreateParams) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byPollToken[params.PollToken]; ok {
		return nil, ErrTokenExists
	}
	if _, ok := a.byInitToken[params.InitToken]; ok {
		return nil, ErrTokenExists
	}

	user := &User{
		ID:        uuid.NewString(),
		PollToken: params.PollToken,
		InitToken: params.InitToken,
		State:     params.State,
	}
	a.byID[user.ID] = user
	a.byPollToken[user.PollToken] = user
	a.byInitToken[user.InitToken] = user

	return cloneUser(user), nil
}

func (a *MemoryAdapter) UpdateUser(ctx context.Context, id string, patch Patch) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.byID[id]
	if !ok {
		return nil, ErrUnknownUser
	}

	if patch.State != nil && user.State.Terminal() {
		return nil, ErrStateConflict
	}

	if patch.Credentials != nil {
		user.Credentials = patch.Credentials
	}
	if patch.State != nil {
		user.State = *patch.State
		// Fan out under the lock: the new state is committed before any
		// woken waiter can read it, and before UpdateUser returns.
		for sub := range a.subs[id] {
			sub.emit(user.State)
		}
	}

	return cloneUser(user), nil
}

func (a *MemoryAdapter) FindByPollToken(ctx context.Context, pollToken string) (*User, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.byPollToken[pollToken]
	if !ok {
		return nil, false, nil
	}
	return cloneUser(user), true, nil
}

func (a *MemoryAdapter) FindByInitToken(ctx context.Context, initToken string) (*User, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.byInitToken[initToken]
	if !ok {
		return nil, false, nil
	}
	return cloneUser(user), true, nil
}

func (a *MemoryAdapter) SubscribeStateChange(ctx context.Context, id string) (Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.subs[id]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		a.subs[id] = set
	}

	sub := &memorySubscription{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	sub.onClose = func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(set, sub)
		if len(set) == 0 {
			delete(a.subs, id)
		}
	}
	set[sub] = struct{}{}

	return sub, nil
}

// subscriberCount reports the number of open subscriptions for a record.
// Used by tests to assert that waiters do not leak.
func (a *MemoryAdapter) subscriberCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs[id])
}

func cloneUser(u *User) *User {
	c := *u
	if u.Credentials != nil {
		creds := *u.Credentials
		c.Credentials = &creds
	}
	return &c
}

// memorySubscription queues every emitted state so that transitions arriving
// faster than the consumer drains them are never dropped.
type memorySubscription struct {
	mu      sync.Mutex
	queue   []State
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func (s *memorySubscription) emit(state State) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, state)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) Next(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			state := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return state, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return 0, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.wake:
		case <-s.done:
		}
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.onClose()
	})
	return nil
}
