package file

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/sirupsen/logrus"

	"github.com/xya/spark/actor"
	"github.com/xya/spark/message"
)

// ErrInvalidTransition indicates a transfer state change the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid transfer state transition")

// ErrTransferExists is returned when creating a transfer whose id and
// direction are already in use.
var ErrTransferExists = errors.New("transfer already exists")

// Direction tells whether a transfer sends or receives a file.
type Direction uint8

const (
	// Upload sends a local file to the peer.
	Upload Direction = 1
	// Download receives a remote file.
	Download Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return fmt.Sprintf("Direction(%d)", d)
	}
}

// Transfer states, in lifecycle order.
const (
	StateCreated  = "created"
	StateInactive = "inactive"
	StateActive   = "active"
	StateFinished = "finished"
	StateClosed   = "closed"
)

var transitions = map[string][]string{
	StateCreated:  {StateInactive, StateActive, StateClosed},
	StateInactive: {StateActive, StateClosed},
	StateActive:   {StateFinished, StateClosed},
}

// IsTerminal reports whether no transition leaves state.
func IsTerminal(state string) bool {
	return state == StateFinished || state == StateClosed
}

func validTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// SpeedStats summarizes per-block throughput in bytes per second.
type SpeedStats struct {
	P10 float64
	P50 float64
	P90 float64
}

// TransferInfo tracks the progress of one transfer. It is owned by a
// single goroutine; other goroutines get copies.
type TransferInfo struct {
	TransferID    uint16
	Direction     Direction
	FileID        string
	PID           actor.PID
	State         string
	CompletedSize int64
	OriginalSize  int64
	// Speed is an exponential moving average in bytes per second.
	Speed   float64
	Stats   SpeedStats
	Started time.Time
	Ended   time.Time

	clock      TimeProvider
	lastSample time.Time
	digest     *tdigest.TDigest
}

// NewTransferInfo returns a transfer in the created state.
func NewTransferInfo(id uint16, dir Direction, fileID string, size int64) *TransferInfo {
	return &TransferInfo{
		TransferID:   id,
		Direction:    dir,
		FileID:       fileID,
		State:        StateCreated,
		OriginalSize: size,
		clock:        defaultTimeProvider,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (t *TransferInfo) SetTimeProvider(tp TimeProvider) {
	t.clock = tp
	t.lastSample = tp.Now()
}

func (t *TransferInfo) now() time.Time {
	if t.clock == nil {
		t.clock = defaultTimeProvider
	}
	return t.clock.Now()
}

// SetState moves the transfer to state. Becoming active stamps Started
// (once) and reaching a terminal state stamps Ended.
func (t *TransferInfo) SetState(state string) error {
	if state == t.State {
		return nil
	}
	if !validTransition(t.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, state)
	}
	now := t.now()
	switch {
	case state == StateActive && t.Started.IsZero():
		t.Started = now
		t.lastSample = now
	case IsTerminal(state):
		t.Ended = now
		t.refreshStats()
	}
	t.State = state
	return nil
}

// Advance records n more bytes. CompletedSize never decreases and never
// exceeds OriginalSize.
func (t *TransferInfo) Advance(n int64) {
	if n <= 0 {
		return
	}
	before := t.CompletedSize
	t.CompletedSize = min(t.CompletedSize+n, t.OriginalSize)
	t.sample(t.CompletedSize - before)
}

// Preload accounts for bytes transferred before this run, as when a
// download resumes from its journal. It does not affect speed.
func (t *TransferInfo) Preload(n int64) {
	t.CompletedSize = max(t.CompletedSize, min(n, t.OriginalSize))
}

// sample updates the moving average and the throughput digest.
func (t *TransferInfo) sample(n int64) {
	now := t.now()
	if t.lastSample.IsZero() {
		t.lastSample = now
		return
	}
	elapsed := now.Sub(t.lastSample).Seconds()
	t.lastSample = now
	if elapsed <= 0 {
		return
	}
	instant := float64(n) / elapsed

	// Exponential moving average with alpha = 0.3
	if t.Speed == 0 {
		t.Speed = instant
	} else {
		t.Speed = 0.7*t.Speed + 0.3*instant
	}

	if t.digest == nil {
		td, err := tdigest.New(tdigest.Compression(100))
		if err != nil {
			return
		}
		t.digest = td
	}
	if err := t.digest.Add(instant); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "sample",
			"transfer_id": t.TransferID,
			"error":       err.Error(),
		}).Debug("Dropping throughput sample")
	}
}

func (t *TransferInfo) refreshStats() {
	if t.digest == nil || t.digest.Count() == 0 {
		return
	}
	t.Stats = SpeedStats{
		P10: t.digest.Quantile(0.1),
		P50: t.digest.Quantile(0.5),
		P90: t.digest.Quantile(0.9),
	}
}

// Snapshot returns a copy with fresh throughput statistics.
func (t *TransferInfo) Snapshot() *TransferInfo {
	t.refreshStats()
	return t.Copy()
}

// Copy returns a copy that shares no mutable state with t.
func (t *TransferInfo) Copy() *TransferInfo {
	c := *t
	c.digest = nil
	return &c
}

// UpdateState copies the progress reported by the owner of a transfer.
func (t *TransferInfo) UpdateState(info *TransferInfo) {
	t.State = info.State
	t.CompletedSize = info.CompletedSize
	t.OriginalSize = info.OriginalSize
	t.Speed = info.Speed
	t.Stats = info.Stats
	t.Started = info.Started
	t.Ended = info.Ended
}

// Duration returns how long the transfer has been running. It reports
// false if the transfer never started.
func (t *TransferInfo) Duration() (time.Duration, bool) {
	switch {
	case t.Started.IsZero():
		return 0, false
	case t.Ended.IsZero():
		return t.now().Sub(t.Started), true
	default:
		return t.Ended.Sub(t.Started), true
	}
}

// AverageSpeed returns the bytes per second since the transfer started.
func (t *TransferInfo) AverageSpeed() (float64, bool) {
	d, ok := t.Duration()
	if !ok || d <= 0 {
		return 0, false
	}
	return float64(t.CompletedSize) / d.Seconds(), true
}

// Progress returns the completed fraction, between 0 and 1. It reports
// false when the size is unknown.
func (t *TransferInfo) Progress() (float64, bool) {
	if t.OriginalSize <= 0 {
		return 0, false
	}
	return float64(t.CompletedSize) / float64(t.OriginalSize), true
}

// Left estimates the time until the transfer completes.
func (t *TransferInfo) Left() (time.Duration, bool) {
	progress, ok := t.Progress()
	if !ok || progress == 0 {
		return 0, false
	}
	d, ok := t.Duration()
	if !ok {
		return 0, false
	}
	secs := d.Seconds()
	left := secs/progress - secs
	if math.IsInf(left, 0) || math.IsNaN(left) {
		return 0, false
	}
	return time.Duration(left * float64(time.Second)), true
}

// WireState is the representation sent to the peer.
func (t *TransferInfo) WireState() map[string]any {
	return map[string]any{
		"transferID": t.TransferID,
		"fileID":     t.FileID,
		"state":      t.State,
	}
}

// stateEvent is the transfer-state-changed Event sent to the owner of a
// transfer. Args: transfer id, direction, state, completed size, speed,
// snapshot.
func (t *TransferInfo) stateEvent() message.Event {
	return message.Event{
		Tag:  EventTransferStateChanged,
		Args: []any{t.TransferID, t.Direction, t.State, t.CompletedSize, t.Speed, t.Snapshot()},
	}
}

type transferKey struct {
	id  uint16
	dir Direction
}

// TransferTable indexes transfers by id and direction.
type TransferTable struct {
	mu      sync.Mutex
	entries map[transferKey]*TransferInfo
	nextID  uint16
}

// NewTransferTable returns an empty table.
func NewTransferTable() *TransferTable {
	return &TransferTable{
		entries: make(map[transferKey]*TransferInfo),
		nextID:  1,
	}
}

// NewTransferID returns an upload id not currently in use.
func (tt *TransferTable) NewTransferID() (uint16, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for range math.MaxUint16 {
		id := tt.nextID
		tt.nextID++
		if tt.nextID == 0 {
			tt.nextID = 1
		}
		if _, used := tt.entries[transferKey{id, Upload}]; !used {
			return id, nil
		}
	}
	return 0, errors.New("no free transfer id")
}

// Create registers a new transfer in the created state.
func (tt *TransferTable) Create(id uint16, dir Direction, fileID string, size int64, pid actor.PID) (*TransferInfo, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	key := transferKey{id, dir}
	if _, ok := tt.entries[key]; ok {
		return nil, fmt.Errorf("%w: %s %d", ErrTransferExists, dir, id)
	}
	info := NewTransferInfo(id, dir, fileID, size)
	info.PID = pid
	tt.entries[key] = info
	return info, nil
}

// Find returns the transfer or nil.
func (tt *TransferTable) Find(id uint16, dir Direction) *TransferInfo {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.entries[transferKey{id, dir}]
}

// FindFile returns the transfer of fileID in direction dir, or nil.
func (tt *TransferTable) FindFile(fileID string, dir Direction) *TransferInfo {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for k, info := range tt.entries {
		if k.dir == dir && info.FileID == fileID {
			return info
		}
	}
	return nil
}

// Remove forgets a transfer and returns it.
func (tt *TransferTable) Remove(id uint16, dir Direction) *TransferInfo {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	key := transferKey{id, dir}
	info := tt.entries[key]
	delete(tt.entries, key)
	return info
}

// List returns copies of every transfer ordered by direction then id.
func (tt *TransferTable) List() []*TransferInfo {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	list := make([]*TransferInfo, 0, len(tt.entries))
	for _, info := range tt.entries {
		list = append(list, info.Copy())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Direction != list[j].Direction {
			return list[i].Direction < list[j].Direction
		}
		return list[i].TransferID < list[j].TransferID
	})
	return list
}

// Len returns the number of transfers.
func (tt *TransferTable) Len() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.entries)
}

// Clear forgets every transfer and asks the running ones to stop.
func (tt *TransferTable) Clear(rt *actor.Runtime) {
	tt.mu.Lock()
	entries := tt.entries
	tt.entries = make(map[transferKey]*TransferInfo)
	tt.mu.Unlock()

	for _, info := range entries {
		if info.PID == 0 || IsTerminal(info.State) {
			continue
		}
		if _, err := rt.TrySend(info.PID, message.Command{Tag: CommandStop}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Clear",
				"transfer_id": info.TransferID,
				"direction":   info.Direction.String(),
				"error":       err.Error(),
			}).Debug("Transfer already gone")
		}
	}
}
