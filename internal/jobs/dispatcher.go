// Package jobs correlates outgoing requests with their replies across two
// independent id spaces. A Dispatcher is owned by one event loop and is
// not safe for concurrent use.
package jobs

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Space selects a correlation id space.
type Space int

const (
	SpacePrimary Space = iota
	SpaceSub
)

func (s Space) String() string {
	if s == SpaceSub {
		return "sub"
	}
	return "primary"
}

const (
	DefaultPrimaryCeiling uint64 = math.MaxUint64 - 1
	DefaultSubCeiling     uint64 = math.MaxUint32 - 1
)

var ErrSpaceExhausted = errors.New("jobs: every id in space is live")

// Result is delivered to a sink exactly once.
type Result struct {
	Msg protocol.Message
	Err error
}

type Sink func(Result)

type Config struct {
	PrimaryCeiling uint64
	SubCeiling     uint64
	Clock          clockwork.Clock
}

type job struct {
	id       uint64
	space    Space
	deadline time.Time
	sink     Sink
	index    int
}

type idSpace struct {
	next    uint64
	ceiling uint64
	live    map[uint64]*job
}

func (s *idSpace) allocate() (uint64, error) {
	if uint64(len(s.live)) >= s.ceiling {
		return 0, ErrSpaceExhausted
	}
	for {
		id := s.next
		if s.next >= s.ceiling {
			s.next = 1
		} else {
			s.next++
		}
		if _, busy := s.live[id]; !busy {
			return id, nil
		}
	}
}

type Dispatcher struct {
	clock     clockwork.Clock
	spaces    [2]*idSpace
	deadlines deadlineHeap
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.PrimaryCeiling == 0 {
		cfg.PrimaryCeiling = DefaultPrimaryCeiling
	}
	if cfg.SubCeiling == 0 {
		cfg.SubCeiling = DefaultSubCeiling
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		clock: cfg.Clock,
		spaces: [2]*idSpace{
			{next: 1, ceiling: cfg.PrimaryCeiling, live: make(map[uint64]*job)},
			{next: 1, ceiling: cfg.SubCeiling, live: make(map[uint64]*job)},
		},
	}
}

// Submit registers sink under a fresh id. A non-positive timeout means
// the job only ends by reply, Fail or CancelAll.
func (d *Dispatcher) Submit(space Space, timeout time.Duration, sink Sink) (uint64, error) {
	sp := d.spaces[space]
	id, err := sp.allocate()
	if err != nil {
		return 0, err
	}
	j := &job{id: id, space: space, sink: sink, index: -1}
	if timeout > 0 {
		j.deadline = d.clock.Now().Add(timeout)
		heap.Push(&d.deadlines, j)
	}
	sp.live[id] = j
	observability.RecordJobSubmitted(space.String())
	log.Trace().Msgf("jobs.Dispatcher.Submit space=%s id=%d timeout=%s", space, id, timeout)
	return id, nil
}

func (d *Dispatcher) take(space Space, id uint64) (*job, bool) {
	sp := d.spaces[space]
	j, ok := sp.live[id]
	if !ok {
		return nil, false
	}
	delete(sp.live, id)
	if j.index >= 0 {
		heap.Remove(&d.deadlines, j.index)
	}
	return j, true
}

// Complete resolves the job with msg. Unknown ids are late or duplicate
// replies and are dropped.
func (d *Dispatcher) Complete(space Space, id uint64, msg protocol.Message) bool {
	j, ok := d.take(space, id)
	if !ok {
		observability.RecordLateReply(space.String())
		log.Debug().Msgf("jobs.Dispatcher.Complete late reply space=%s id=%d type=%s", space, id, msg.Type)
		return false
	}
	observability.RecordJobFinished(space.String(), "completed")
	j.sink(Result{Msg: msg})
	return true
}

// Fail resolves the job with err. Errors that are not already a *Failure
// are wrapped as FailureRemote.
func (d *Dispatcher) Fail(space Space, id uint64, err error) bool {
	j, ok := d.take(space, id)
	if !ok {
		return false
	}
	var f *Failure
	if errors.As(err, &f) {
		cp := *f
		f = &cp
	} else {
		f = &Failure{Kind: FailureRemote, Err: err}
	}
	f.Space, f.ID = space, id
	observability.RecordJobFinished(space.String(), f.Kind.String())
	j.sink(Result{Err: f})
	return true
}

// CancelAll fails every live job in both spaces with FailureDisconnect,
// lowest id first, and returns how many were cancelled.
func (d *Dispatcher) CancelAll(reason error) int {
	var pending []*job
	for _, sp := range d.spaces {
		ids := make([]uint64, 0, len(sp.live))
		for id := range sp.live {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			pending = append(pending, sp.live[id])
		}
		sp.live = make(map[uint64]*job)
	}
	for _, j := range d.deadlines {
		j.index = -1
	}
	d.deadlines = nil

	for _, j := range pending {
		observability.RecordJobFinished(j.space.String(), FailureDisconnect.String())
		j.sink(Result{Err: &Failure{Kind: FailureDisconnect, Space: j.space, ID: j.id, Err: reason}})
	}
	if len(pending) > 0 {
		log.Debug().Msgf("jobs.Dispatcher.CancelAll cancelled=%d reason=%v", len(pending), reason)
	}
	return len(pending)
}

// Sweep times out every job whose deadline is at or before now.
func (d *Dispatcher) Sweep(now time.Time) int {
	n := 0
	for len(d.deadlines) > 0 && !d.deadlines[0].deadline.After(now) {
		j := heap.Pop(&d.deadlines).(*job)
		delete(d.spaces[j.space].live, j.id)
		observability.RecordJobFinished(j.space.String(), FailureTimeout.String())
		j.sink(Result{Err: &Failure{Kind: FailureTimeout, Space: j.space, ID: j.id}})
		n++
	}
	if n > 0 {
		log.Debug().Msgf("jobs.Dispatcher.Sweep expired=%d", n)
	}
	return n
}

// NextDeadline returns the earliest pending deadline.
func (d *Dispatcher) NextDeadline() (time.Time, bool) {
	if len(d.deadlines) == 0 {
		return time.Time{}, false
	}
	return d.deadlines[0].deadline, true
}

func (d *Dispatcher) Len(space Space) int {
	return len(d.spaces[space].live)
}

func (d *Dispatcher) Pending(space Space, id uint64) bool {
	_, ok := d.spaces[space].live[id]
	return ok
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("jobs{primary=%d sub=%d deadlines=%d}", d.Len(SpacePrimary), d.Len(SpaceSub), len(d.deadlines))
}

type deadlineHeap []*job

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
