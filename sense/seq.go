package sense

import (
	"github.com/scientisst/gosense/scientisst"
	"github.com/sirupsen/logrus"
)

// seqTracker follows the 4bit sequence numbers across batches
type seqTracker struct {
	prev int
}

func newSeqTracker() *seqTracker {
	return &seqTracker{prev: -1}
}

// advance returns the number of frames missing before frames, modulo 16.
// The first batch never counts as lossy.
func (s *seqTracker) advance(frames []scientisst.Frame) int {
	if len(frames) == 0 {
		return 0
	}
	lost := 0
	if s.prev >= 0 {
		expected := (s.prev + len(frames)) & 0x0F
		lost = (int(frames[len(frames)-1].Seq) - expected) & 0x0F
	}
	s.prev = int(frames[len(frames)-1].Seq)
	return lost
}

// SeqCheck is a consumer that logs gaps in the frame sequence numbers.
// It is registered as "seqcheck".
type SeqCheck struct {
	log     *logrus.Logger
	tracker *seqTracker
	frames  int
	gaps    int
}

func init() {
	Register("seqcheck", func(log *logrus.Logger) (Consumer, error) {
		return &SeqCheck{log: log}, nil
	})
}

func (c *SeqCheck) OnInit() error { return nil }

func (c *SeqCheck) OnStart() error {
	c.tracker = newSeqTracker()
	return nil
}

func (c *SeqCheck) OnRead(frames []scientisst.Frame) {
	c.frames += len(frames)
	if lost := c.tracker.advance(frames); lost > 0 {
		c.gaps++
		c.log.Warnf("Sequence gap: about %d frames lost before seq %d", lost, frames[len(frames)-1].Seq)
	}
}

func (c *SeqCheck) OnStop() error {
	c.log.Infof("Sequence check: %d frames, %d gaps", c.frames, c.gaps)
	return nil
}
