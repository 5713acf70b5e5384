package jobs

import "sync"

// Registry maps job ids to jobs. Reads take the read lock, mutations the
// write lock. Cancel flags live outside the lock in each job's State.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Insert adds j. The caller guarantees the id is fresh.
func (r *Registry) Insert(j *Job) {
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (View, bool) {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return View{}, false
	}
	return j.view(), true
}

// List returns every job. Order is unspecified.
func (r *Registry) List() []View {
	r.mu.RLock()
	out := make([]View, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.view())
	}
	r.mu.RUnlock()
	return out
}

// Remove cancels and deletes id. Both happen under the write lock, so a Get
// after Remove returns never sees the job.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.state.Cancel()
	delete(r.jobs, id)
	return nil
}

// retire is Remove without the not-found error; it reports whether id was present.
func (r *Registry) retire(id string) bool {
	return r.Remove(id) == nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
