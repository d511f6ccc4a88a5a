/*
Passive counters. Nothing in the consensus core reads these; they
exist for dashboards and tests.
*/
package stats

import (
	"sync/atomic"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"
)

var logger = logging.MustGetLogger("stats")

type Stats struct {
	statter statsd.Statter

	clientRequests uint64
	proposes       uint64
	prepares       uint64
	commits        uint64
	executed       uint64
	seqFails       uint64
	dropped        uint64
	viewChanges    uint64
	redos          uint64
}

// creates a Stats reporting to the given statsd address. An empty
// address yields a noop statter, counters still accumulate locally.
func New(addr string, prefix string) *Stats {
	var statter statsd.Statter
	var err error
	if addr != "" {
		config := &statsd.ClientConfig{
			Address:       addr,
			Prefix:        prefix,
			UseBuffered:   true,
			FlushInterval: 300 * time.Millisecond,
		}
		statter, err = statsd.NewClientWithConfig(config)
		if err != nil {
			logger.Warningf("statsd client unavailable: %v", err)
		}
	}
	if statter == nil {
		statter = (*statsd.Client)(nil)
	}
	return &Stats{statter: statter}
}

func (s *Stats) inc(counter *uint64, name string) {
	atomic.AddUint64(counter, 1)
	s.statter.Inc(name, 1, 1.0)
}

func (s *Stats) IncClientRequest() { s.inc(&s.clientRequests, "client_request") }
func (s *Stats) IncPropose()       { s.inc(&s.proposes, "propose") }
func (s *Stats) IncPrepare()       { s.inc(&s.prepares, "prepare") }
func (s *Stats) IncCommit()        { s.inc(&s.commits, "commit") }
func (s *Stats) IncExecuted()      { s.inc(&s.executed, "executed") }
func (s *Stats) SeqFail()          { s.inc(&s.seqFails, "seq_fail") }
func (s *Stats) IncDropped()       { s.inc(&s.dropped, "dropped") }
func (s *Stats) IncViewChange()    { s.inc(&s.viewChanges, "view_change") }
func (s *Stats) IncRedo()          { s.inc(&s.redos, "redo") }

func (s *Stats) SeqGap(gap uint64) {
	s.statter.Gauge("seq_gap", int64(gap), 1.0)
}

func (s *Stats) ClientRequests() uint64 { return atomic.LoadUint64(&s.clientRequests) }
func (s *Stats) Executed() uint64       { return atomic.LoadUint64(&s.executed) }
func (s *Stats) Dropped() uint64        { return atomic.LoadUint64(&s.dropped) }
func (s *Stats) Redos() uint64          { return atomic.LoadUint64(&s.redos) }
