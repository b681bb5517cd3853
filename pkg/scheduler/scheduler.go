// Package scheduler implements the DAG task executor of spec §4.6: static
// validation at construction (duplicate names, unknown dependencies,
// cycles — all surfaced as InvalidDag), then indegree/ready-queue admission
// with concurrent task launch, first-error-wins, and in-flight drain.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/man10server/man10routine/pkg/shutdown"
)

// TaskFunc is one task body. It is invoked at most once per run, with the
// context passed to Run.
type TaskFunc func(ctx context.Context) error

// TaskSpec describes one node of the graph before construction.
type TaskSpec struct {
	Name string
	Deps []string
	Exec TaskFunc
}

type taskNode struct {
	name       string
	deps       []string
	exec       TaskFunc
	indegree   int
	dependents []string
}

// Scheduler is an immutable, validated task graph. Build with New; Run it
// exactly once (per spec §4.6, a fresh Scheduler should be built per
// routine invocation — reusing one across runs is not a supported use).
type Scheduler struct {
	tasks map[string]*taskNode
	latch *shutdown.Latch
}

// New statically validates specs and builds a Scheduler, or returns an
// *InvalidDagError if the graph is malformed.
func New(specs []TaskSpec, latch *shutdown.Latch) (*Scheduler, error) {
	tasks := make(map[string]*taskNode, len(specs))
	for _, spec := range specs {
		if _, exists := tasks[spec.Name]; exists {
			return nil, &InvalidDagError{Kind: ErrDuplicateTaskName, Detail: spec.Name}
		}
		tasks[spec.Name] = &taskNode{
			name: spec.Name,
			deps: append([]string{}, spec.Deps...),
			exec: spec.Exec,
		}
	}

	for name, n := range tasks {
		for _, d := range n.deps {
			dep, ok := tasks[d]
			if !ok {
				return nil, &InvalidDagError{Kind: ErrUnknownDependency, Detail: fmt.Sprintf("%s -> %s", name, d)}
			}
			dep.dependents = append(dep.dependents, name)
			n.indegree++
		}
	}

	if err := checkAcyclic(tasks); err != nil {
		return nil, err
	}

	return &Scheduler{tasks: tasks, latch: latch}, nil
}

// checkAcyclic runs Kahn's algorithm purely to validate the graph; Run
// itself re-derives indegree state fresh on every call.
func checkAcyclic(tasks map[string]*taskNode) error {
	indegree := make(map[string]int, len(tasks))
	for name, n := range tasks {
		indegree[name] = n.indegree
	}

	queue := make([]string, 0, len(tasks))
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range tasks[name].dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(tasks) {
		return &InvalidDagError{
			Kind:   ErrCycle,
			Detail: fmt.Sprintf("%d of %d tasks unreachable from any root", len(tasks)-processed, len(tasks)),
		}
	}
	return nil
}

type result struct {
	name string
	err  error
}

// Run executes the graph to completion (or first failure), per spec
// §4.6's ordering and failure semantics:
//   - a task is launched only once every dependency has completed
//     successfully;
//   - on the first task error, no further admission occurs and Run awaits
//     every already-launched task before returning that first error;
//   - once the shutdown latch is armed, no task not already in flight is
//     launched, even if no error has occurred.
func (s *Scheduler) Run(ctx context.Context) error {
	indegree := make(map[string]int, len(s.tasks))
	for name, n := range s.tasks {
		indegree[name] = n.indegree
	}

	var eg errgroup.Group
	results := make(chan result)

	admitting := true
	var firstErr error
	inFlight := 0

	canAdmit := func() bool {
		return admitting && !s.latch.Requested()
	}

	launch := func(name string) {
		inFlight++
		node := s.tasks[name]
		eg.Go(func() error {
			err := runTask(ctx, node)
			results <- result{name: name, err: err}
			return err
		})
	}

	for name, n := range s.tasks {
		if n.indegree == 0 && canAdmit() {
			launch(name)
		}
	}

	for inFlight > 0 {
		r := <-results
		inFlight--

		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			admitting = false
			continue
		}
		if !admitting {
			continue
		}

		for _, dep := range s.tasks[r.name].dependents {
			indegree[dep]--
			if indegree[dep] == 0 && canAdmit() {
				launch(dep)
			}
		}
	}

	if err := eg.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func runTask(ctx context.Context, node *taskNode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskJoinError{Task: node.name, Panic: r, Stack: debug.Stack()}
		}
	}()
	return node.exec(ctx)
}
