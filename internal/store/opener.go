package store

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Opener shares one store handle among callers. Concurrent first calls
// wait on a single Open instead of racing through the backup cascade.
type Opener struct {
	opts  Options
	group singleflight.Group

	mu    sync.Mutex
	store *Store
}

func NewOpener(opts Options) *Opener {
	return &Opener{opts: opts}
}

// Get returns the shared store, opening it on first use.
func (o *Opener) Get() (*Store, error) {
	if s := o.cached(); s != nil {
		return s, nil
	}

	v, err, _ := o.group.Do("open", func() (any, error) {
		if s := o.cached(); s != nil {
			return s, nil
		}
		s, err := Open(o.opts)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.store = s
		o.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

func (o *Opener) cached() *Store {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store
}

// Close closes the shared store if it was opened. A later Get reopens it.
func (o *Opener) Close() error {
	o.mu.Lock()
	s := o.store
	o.store = nil
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
