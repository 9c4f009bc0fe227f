package worker

import "context"

// Task is one independent unit of stage work: a single descriptor, table or
// object, together with the cleanup that depends on it.
type Task struct {
	Stage string
	Item  string
	Run   func(ctx context.Context) error
}

// Config contains worker configuration
type Config struct {
	Size int
	// FailFast stops the pool on the first task error
	FailFast bool
}
