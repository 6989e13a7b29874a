package sense

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/scientisst/gosense/scientisst"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// recorder collects every batch and can hold OnRead until released
type recorder struct {
	mu      sync.Mutex
	calls   []string
	batches [][]scientisst.Frame
	gate    chan struct{}
	entered chan struct{}

	startErr error
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) OnInit() error {
	r.record("init")
	return nil
}

func (r *recorder) OnStart() error {
	r.record("start")
	return r.startErr
}

func (r *recorder) OnRead(frames []scientisst.Frame) {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.batches = append(r.batches, frames)
	r.mu.Unlock()
}

func (r *recorder) OnStop() error {
	r.record("stop")
	return nil
}

func batch(seqs ...uint8) []scientisst.Frame {
	frames := make([]scientisst.Frame, len(seqs))
	for i, s := range seqs {
		frames[i] = scientisst.Frame{Seq: s, Raw: []uint32{uint32(s)}}
	}
	return frames
}

func TestRunnerFanOut(t *testing.T) {
	r := NewRunner(testLogger(), 8)
	a, b := &recorder{}, &recorder{}
	if err := r.Add("a", a); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("b", b); err != nil {
		t.Fatal(err)
	}

	// Not started yet, nothing is delivered
	r.Put(batch(15))

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	r.Put(batch(0, 1))
	r.Put(batch(2))
	r.Put(nil)
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	for name, rec := range map[string]*recorder{"a": a, "b": b} {
		if len(rec.batches) != 2 {
			t.Errorf("consumer %v got %d batches, want 2", name, len(rec.batches))
		}
		want := []string{"init", "start", "stop"}
		if len(rec.calls) != 3 || rec.calls[0] != want[0] || rec.calls[1] != want[1] || rec.calls[2] != want[2] {
			t.Errorf("consumer %v calls = %v, want %v", name, rec.calls, want)
		}
	}

	stats := r.Stats()
	if len(stats) != 2 || stats[0].Delivered != 3 || stats[0].Dropped != 0 {
		t.Errorf("Stats() = %+v", stats)
	}

	if err := r.Start(); err == nil {
		t.Error("restarting a stopped runner succeeded")
	}
}

func TestRunnerPutNeverBlocks(t *testing.T) {
	r := NewRunner(testLogger(), 1)
	slow := &recorder{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	fast := &recorder{}
	r.Add("slow", slow)
	r.Add("fast", fast)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	// The first batch is taken by the slow consumer, the second fills its queue
	r.Put(batch(0))
	<-slow.entered
	r.Put(batch(1))
	r.Put(batch(2, 3))
	r.Put(batch(4))

	close(slow.gate)
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	if len(slow.batches) != 2 {
		t.Errorf("slow consumer got %d batches, want 2", len(slow.batches))
	}
	if len(fast.batches) == 0 {
		t.Errorf("fast consumer got %d batches", len(fast.batches))
	}

	var dropped uint64
	for _, s := range r.Stats() {
		if s.Name == "slow" {
			dropped = s.Dropped
		}
	}
	if dropped != 3 {
		t.Errorf("slow consumer dropped %d frames, want 3", dropped)
	}
}

func TestRunnerStartFailure(t *testing.T) {
	r := NewRunner(testLogger(), 4)
	bad := &recorder{startErr: errors.New("no disk")}
	good := &recorder{}
	r.Add("bad", bad)
	r.Add("good", good)

	if err := r.Start(); err == nil {
		t.Fatal("Start() error = nil")
	}
	r.Put(batch(0))
	r.Stop()

	if len(bad.batches) != 0 || len(good.batches) != 1 {
		t.Errorf("bad got %d batches, good got %d", len(bad.batches), len(good.batches))
	}
}

func TestRegistry(t *testing.T) {
	Register("test-recorder", func(log *logrus.Logger) (Consumer, error) {
		return &recorder{}, nil
	})

	c, err := New("test-recorder", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*recorder); !ok {
		t.Errorf("New() = %T", c)
	}
	if _, err := New("nope", testLogger()); err == nil {
		t.Error("New() of an unknown consumer succeeded")
	}

	found := false
	for _, name := range Registered() {
		if name == "seqcheck" {
			found = true
		}
	}
	if !found {
		t.Errorf("Registered() = %v, missing seqcheck", Registered())
	}

	defer func() {
		if recover() == nil {
			t.Error("registering a name twice did not panic")
		}
	}()
	Register("test-recorder", func(log *logrus.Logger) (Consumer, error) { return nil, nil })
}
