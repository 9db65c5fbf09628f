package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// The processor starts runnable goroutines on request, records their results once they exit, and periodically
// finds subtrees that need to be restarted after a death (the 'GC').

// processorRequest is a request for the processor. Only one of the fields can be set.
type processorRequest struct {
	schedule    *processorRequestSchedule
	died        *processorRequestDied
	waitSettled *processorRequestWaitSettled
}

// processorRequestSchedule requests that a given node's runnable be started.
type processorRequestSchedule struct {
	dn string
}

// processorRequestDied is a signal from a runnable goroutine that the runnable has died.
type processorRequestDied struct {
	dn  string
	err error
}

type processorRequestWaitSettled struct {
	waiter chan struct{}
}

// processor is the main processing loop.
func (s *supervisor) processor(ctx context.Context) {
	s.ilogger.Info("supervisor processor started")

	// Waiters waiting for the GC to be settled.
	var waiters []chan struct{}

	// Any change in the tree marks it dirty, and the GC runs on the next tick.
	gc := time.NewTicker(1 * time.Millisecond)
	defer gc.Stop()
	clean := true

	// How long has the GC been clean. This is used to notify 'settled' waiters.
	cleanCycles := 0

	markDirty := func() {
		clean = false
		cleanCycles = 0
	}

	for {
		select {
		case <-ctx.Done():
			s.ilogger.Info("supervisor processor exiting...", zap.Error(ctx.Err()))
			s.processKill()
			s.ilogger.Info("supervisor exited")
			return
		case <-gc.C:
			if !clean {
				s.processGC()
			}
			clean = true
			cleanCycles += 1

			if cleanCycles > 50 {
				for _, w := range waiters {
					close(w)
				}
				waiters = nil
			}
		case r := <-s.pReq:
			switch {
			case r.schedule != nil:
				s.processSchedule(r.schedule)
				markDirty()
			case r.died != nil:
				s.processDied(r.died)
				markDirty()
			case r.waitSettled != nil:
				waiters = append(waiters, r.waitSettled.waiter)
			default:
				panic(fmt.Errorf("unhandled request %+v", r))
			}
		}
	}
}

// processKill cancels all nodes in the supervision tree. It is only called right before the processor exits, so
// nothing gets restarted afterwards.
func (s *supervisor) processKill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancels []func()
	queue := []*node{s.root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		cancels = append(cancels, cur.ctxC)
		for _, c := range cur.children {
			queue = append(queue, c)
		}
	}

	for _, c := range cancels {
		c()
	}
}

// processSchedule starts a node's runnable in a goroutine and records its output once it's done.
func (s *supervisor) processSchedule(r *processorRequestSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nodeByDN(r.dn)
	go func() {
		if !s.propagatePanic {
			defer func() {
				if rec := recover(); rec != nil {
					s.pReq <- &processorRequest{
						died: &processorRequestDied{
							dn:  r.dn,
							err: fmt.Errorf("panic: %v, stacktrace: %s", rec, string(debug.Stack())),
						},
					}
				}
			}()
		}

		res := n.runnable(n.ctx)

		s.pReq <- &processorRequest{
			died: &processorRequestDied{
				dn:  r.dn,
				err: res,
			},
		}
	}()
}

// processDied records the result from a runnable goroutine and updates its node state. If the exit was not
// expected, the node is marked dead or exited according to its restart policy, and for restartable nodes the group
// siblings are canceled so they can be restarted together.
func (s *supervisor) processDied(r *processorRequestDied) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nodeByDN(r.dn)
	ctx := n.ctx

	// Marked as done and quit with no error: expected.
	if n.state == nodeStateDone && r.err == nil {
		return
	}

	// Find innermost error to check if it's a context canceled error.
	perr := r.err
	for {
		if inner := errors.Unwrap(perr); inner != nil {
			perr = inner
			continue
		}
		break
	}

	// The context was canceled and the returned error is the context error.
	//nolint:errorlint // Unwrapping of error handled above
	if err := ctx.Err(); err != nil && perr == err {
		n.state = nodeStateCanceled
		return
	}

	// A lack of returned error is also an error.
	err := r.err
	if err == nil {
		err = fmt.Errorf("returned when %s", n.state)
	} else {
		err = fmt.Errorf("returned error when %s: %w", n.state, err)
	}

	n.ctxC()

	if n.policy.kind == restartNever {
		s.ilogger.Error("Runnable exited and will not be restarted", zap.String("dn", n.dn()), zap.Error(err))
		n.state = nodeStateExited
		return
	}

	s.ilogger.Error("Runnable died", zap.String("dn", n.dn()), zap.Stringer("restart", n.policy), zap.Error(err))
	n.state = nodeStateDead

	if n.parent != nil {
		for name := range n.parent.groupSiblings(n.name) {
			if name == n.name {
				continue
			}
			n.parent.children[name].ctxC()
		}
	}
}

// processGC finds nodes that need to be restarted, picks the subset that can be restarted right now and schedules
// them. A subtree can be restarted once every node in it has stopped running.
func (s *supervisor) processGC() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Phase one: find all leaves.
	leaves := make(map[string]bool)
	queue := []*node{s.root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, c := range cur.children {
			queue = append([]*node{c}, queue...)
		}

		if len(cur.children) == 0 {
			leaves[cur.dn()] = true
		}
	}

	// Phase two: walk from the leaves up to the root and note every subtree that is ready, ie. every node in it is
	// CANCELED, DEAD, DONE or EXITED.
	visited := make(map[string]bool)
	ready := make(map[string]bool)

	queue = []*node{}
	for l := range leaves {
		queue = append(queue, s.nodeByDN(l))
	}

	for len(queue) > 0 {
		cur := queue[0]
		curDn := cur.dn()

		queue = queue[1:]

		allVisited := true
		for _, c := range cur.children {
			if !visited[c.dn()] {
				allVisited = false
				break
			}
		}

		// We got here through a shorter path than the longest one below this node. Retry later.
		if !allVisited {
			queue = append(queue, cur)
			continue
		}

		childrenReady := true
		for _, c := range cur.children {
			if !ready[c.dn()] {
				childrenReady = false
				break
			}
		}

		curReady := false
		switch cur.state {
		case nodeStateDone, nodeStateCanceled, nodeStateDead, nodeStateExited:
			curReady = true
		case nodeStateHealthy, nodeStateNew:
			curReady = false
		}

		visited[curDn] = true
		ready[curDn] = childrenReady && curReady

		if cur.parent != nil && !visited[cur.parent.dn()] {
			queue = append(queue, cur.parent)
		}
	}

	// Phase three: from the root, find the largest subtrees that need to be restarted and are ready to be.
	want := make(map[string]bool)
	can := make(map[string]bool)

	queue = []*node{s.root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.state == nodeStateDead || cur.state == nodeStateCanceled {
			want[cur.dn()] = true
		}

		if want[cur.dn()] && ready[cur.dn()] {
			if cur.parent == nil || cur.parent.ctx.Err() == nil {
				can[cur.dn()] = true
				continue
			}
		}

		for _, c := range cur.children {
			queue = append(queue, c)
		}
	}

	for dn := range can {
		n := s.nodeByDN(dn)

		// Only back off when the node unexpectedly died, not when it got canceled.
		bo := time.Duration(0)
		if n.state == nodeStateDead {
			bo = n.bo.NextBackOff()
		}

		n.reset()
		s.ilogger.Info("rescheduling supervised node", zap.String("dn", dn), zap.Duration("backoff", bo))

		go func(n *node, bo time.Duration) {
			time.Sleep(bo)
			s.pReq <- &processorRequest{
				schedule: &processorRequestSchedule{dn: n.dn()},
			}
		}(n, bo)
	}
}
