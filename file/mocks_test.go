package file

import (
	"sort"
	"sync"
	"time"

	"github.com/xya/spark/actor"
	"github.com/xya/spark/message"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
	step        time.Duration
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.currentTime
	m.currentTime = m.currentTime.Add(m.step)
	return now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// fakePeer records what transfers send and optionally forwards blocks to
// a download actor.
type fakePeer struct {
	rt *actor.Runtime

	mu            sync.Mutex
	forward       actor.PID
	onBlock       func(b message.Block)
	blocks        []message.Block
	notifications []message.Notification
}

func (p *fakePeer) SendBlock(b message.Block) error {
	p.mu.Lock()
	p.blocks = append(p.blocks, b)
	to, hook := p.forward, p.onBlock
	p.mu.Unlock()
	if hook != nil {
		hook(b)
	}
	if to != 0 {
		return p.rt.Send(to, b)
	}
	return nil
}

func (p *fakePeer) SendNotification(tag string, params ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, message.Notification{Tag: tag, Params: params})
	return nil
}

func (p *fakePeer) states() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, n := range p.notifications {
		out = append(out, n.Params[1].(string))
	}
	return out
}

func (p *fakePeer) blockIDs() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint32, len(p.blocks))
	for i, b := range p.blocks {
		ids[i] = b.BlockID
	}
	return ids
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu     sync.Mutex
	blocks map[string]map[uint32]bool
}

func newMemJournal() *memJournal {
	return &memJournal{blocks: make(map[string]map[uint32]bool)}
}

func (j *memJournal) RecordBlock(fileID string, index uint32) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.blocks[fileID] == nil {
		j.blocks[fileID] = make(map[uint32]bool)
	}
	j.blocks[fileID][index] = true
	return nil
}

func (j *memJournal) ReceivedBlocks(fileID string) ([]uint32, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []uint32
	for idx := range j.blocks[fileID] {
		out = append(out, idx)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out, nil
}

func (j *memJournal) ClearJournal(fileID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.blocks, fileID)
	return nil
}
