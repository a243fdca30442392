package eventloop

import (
	"container/heap"
	"time"
)

// Virtual is a Scheduler driven by a manual clock. Nothing runs until the
// owner calls Flush or Advance, which makes timing behaviour deterministic in
// tests. It is not safe for concurrent use.
type Virtual struct {
	now    time.Time
	posted []func()
	timers timerHeap
	seq    uint64
}

// NewVirtual returns a virtual scheduler whose clock starts at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	return v.now
}

func (v *Virtual) Post(fn func()) {
	v.posted = append(v.posted, fn)
}

func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	return v.schedule(d, 0, fn)
}

func (v *Virtual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		panic("eventloop: non-positive interval")
	}
	return v.schedule(d, d, fn)
}

func (v *Virtual) schedule(d, period time.Duration, fn func()) *virtualTimer {
	if d < 0 {
		d = 0
	}
	v.seq++
	t := &virtualTimer{
		owner:  v,
		at:     v.now.Add(d),
		period: period,
		seq:    v.seq,
		fn:     fn,
		index:  -1,
	}
	heap.Push(&v.timers, t)
	return t
}

// Flush runs posted functions, including any they post in turn.
func (v *Virtual) Flush() {
	for len(v.posted) > 0 {
		fn := v.posted[0]
		v.posted = v.posted[1:]
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in order and
// flushing posted work after each one.
func (v *Virtual) Advance(d time.Duration) {
	v.AdvanceTo(v.now.Add(d))
}

// AdvanceTo moves the clock to target.
func (v *Virtual) AdvanceTo(target time.Time) {
	v.Flush()
	for len(v.timers) > 0 && !v.timers[0].at.After(target) {
		t := heap.Pop(&v.timers).(*virtualTimer)
		v.now = t.at
		if t.period > 0 {
			t.at = t.at.Add(t.period)
			v.seq++
			t.seq = v.seq
			heap.Push(&v.timers, t)
		} else {
			t.fired = true
		}
		t.fn()
		v.Flush()
	}
	if target.After(v.now) {
		v.now = target
	}
}

// Pending reports the number of armed timers.
func (v *Virtual) Pending() int {
	return len(v.timers)
}

type virtualTimer struct {
	owner  *Virtual
	at     time.Time
	period time.Duration
	seq    uint64
	fn     func()
	index  int
	fired  bool
}

func (t *virtualTimer) Stop() bool {
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.owner.timers, t.index)
	return !t.fired
}

type timerHeap []*virtualTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*virtualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
