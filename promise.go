package hancho

import "context"

// Promise is a handle to a deferred projection of a Task. Waiting on it
// waits for the task to finish and then returns the task's out_files (no
// field names), a single config field (one name), or a sequence of fields
// (several names).
type Promise struct {
	task   *Task
	fields []string
}

// NewPromise returns a promise for the given fields of t.
func NewPromise(t *Task, fields ...string) *Promise {
	return &Promise{task: t, fields: fields}
}

// Task returns the task this promise projects.
func (p *Promise) Task() *Task { return p.task }

// Wait blocks until the task finishes and returns the projected value. A
// task that did not finish yields a CancelledError.
func (p *Promise) Wait(ctx context.Context) (Variant, error) {
	if err := p.task.Wait(ctx); err != nil {
		return nil, &CancelledError{Reason: "dependency did not finish", Cause: err}
	}
	switch len(p.fields) {
	case 0:
		return p.task.outFilesVariant(), nil
	case 1:
		v, _ := p.task.Config.Get(p.fields[0])
		return v, nil
	default:
		out := make([]Variant, 0, len(p.fields))
		for _, field := range p.fields {
			v, _ := p.task.Config.Get(field)
			out = append(out, v)
		}
		return out, nil
	}
}
