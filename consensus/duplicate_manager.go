package consensus

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/kestreldb/kestrel/config"
)

type proposalState int

const (
	stateProposed proposalState = iota
	stateExecuted
)

type proposalEntry struct {
	state proposalState
	seq   uint64
	seen  time.Time
}

const duplicateShards = 64

type duplicateShard struct {
	lock    sync.Mutex
	entries map[string]*proposalEntry
}

// DuplicateManager tracks request fingerprints through the
// Unseen -> Proposed -> Executed lifecycle so a request is neither
// re-proposed nor re-executed. A periodic sweep drops entries older
// than the configured check frequency.
type DuplicateManager struct {
	conf   *config.Config
	shards [duplicateShards]*duplicateShard
	stop   chan struct{}
	done   sync.WaitGroup
}

func NewDuplicateManager(conf *config.Config) *DuplicateManager {
	m := &DuplicateManager{
		conf: conf,
		stop: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &duplicateShard{entries: make(map[string]*proposalEntry)}
	}
	m.done.Add(1)
	go m.sweepLoop()
	return m
}

func (m *DuplicateManager) Stop() {
	close(m.stop)
	m.done.Wait()
}

func (m *DuplicateManager) shardFor(hash []byte) *duplicateShard {
	h := fnv.New32a()
	h.Write(hash)
	return m.shards[h.Sum32()%duplicateShards]
}

// returns true iff the hash was already proposed or executed; marks
// it proposed otherwise
func (m *DuplicateManager) CheckAndAddProposed(hash []byte) bool {
	shard := m.shardFor(hash)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	if _, ok := shard.entries[string(hash)]; ok {
		return true
	}
	shard.entries[string(hash)] = &proposalEntry{state: stateProposed, seen: time.Now()}
	return false
}

// returns the executed seq for the hash, or 0 when unseen or only
// proposed
func (m *DuplicateManager) CheckIfExecuted(hash []byte) uint64 {
	shard := m.shardFor(hash)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	entry, ok := shard.entries[string(hash)]
	if !ok || entry.state != stateExecuted {
		return 0
	}
	return entry.seq
}

func (m *DuplicateManager) MarkExecuted(hash []byte, seq uint64) {
	shard := m.shardFor(hash)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	shard.entries[string(hash)] = &proposalEntry{state: stateExecuted, seq: seq, seen: time.Now()}
}

// used on abort and on view-change re-proposal
func (m *DuplicateManager) EraseProposed(hash []byte) {
	shard := m.shardFor(hash)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	entry, ok := shard.entries[string(hash)]
	if ok && entry.state == stateProposed {
		delete(shard.entries, string(hash))
	}
}

func (m *DuplicateManager) sweepLoop() {
	defer m.done.Done()
	frequency := m.conf.DuplicateCheckFrequency()
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-frequency)
			for _, shard := range m.shards {
				shard.lock.Lock()
				for key, entry := range shard.entries {
					if entry.seen.Before(cutoff) {
						delete(shard.entries, key)
					}
				}
				shard.lock.Unlock()
			}
		}
	}
}
