package supervisor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionCap bounds how long a finished job whose notification has not
// been delivered is kept in the registry before being force-pruned (a
// notified job is pruned on the next sweep).
// The source keeps finished jobs indefinitely once their log thread exits;
// this rewrite resolves that as an explicit 600-second cap so a master that
// never reconnects cannot pin an unbounded number of dead jobs in worker
// memory.
const RetentionCap = 600 * time.Second

// Registry tracks every Job the worker has started, keyed by job id.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	logger *zap.Logger
}

// NewRegistry constructs an empty job registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{jobs: make(map[string]*Job), logger: logger}
}

// Create starts a new Job under id and registers it. Returns an error if
// id is already in use.
func (r *Registry) Create(id string, commandline []string, env map[string]string, uid, gid, nice int, logPath string) (*Job, error) {
	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("supervisor: job %q already exists", id)
	}
	job := NewJob(id, commandline, env, uid, gid, nice, logPath)
	r.jobs[id] = job
	r.mu.Unlock()

	if err := job.Start(); err != nil {
		r.mu.Lock()
		delete(r.jobs, id)
		r.mu.Unlock()
		return nil, err
	}
	return job, nil
}

// Get returns the job registered under id, or nil.
func (r *Registry) Get(id string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

// All returns every currently registered job.
func (r *Registry) All() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// PruneFinished removes finished jobs that have already had a
// job_finished notification delivered (matching the source's
// prune_finished, which only removed jobs whose log thread had drained).
// A finished-but-unnotified job is removed anyway once it has sat in the
// registry longer than RetentionCap, so a master that never reconnects
// cannot leak jobs forever.
func (r *Registry) PruneFinished(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, j := range r.jobs {
		if j.IsRunning() {
			continue
		}
		j.mu.Lock()
		end := j.endTime
		notified := j.notified
		j.mu.Unlock()

		if notified {
			delete(r.jobs, id)
			continue
		}
		if !end.IsZero() && now.Sub(end) > RetentionCap {
			if r.logger != nil {
				r.logger.Warn("dropping unnotified finished job past retention cap",
					zap.String("job_id", id), zap.Duration("age", now.Sub(end)))
			}
			delete(r.jobs, id)
		}
	}
}

// Remove forcibly deregisters a job, e.g. after an explicit stop_command.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// Len reports how many jobs are currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
