// Copyright 2025 The go-acp Authors
// This file is part of the go-acp library.
//
// The go-acp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-acp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-acp library. If not, see <http://www.gnu.org/licenses/>.

// Package reputation scores entities from finalized task evaluations.
// Scores live in [0,100] with a baseline of 50; tiers derive from score.
// Updates linearize per entity and every update appends an event and
// persists the record.
package reputation

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/event"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/storage"
)

// Tiers, from least to most trusted.
const (
	TierUntrusted = "untrusted"
	TierNovice    = "novice"
	TierReliable  = "reliable"
	TierExpert    = "expert"
	TierElite     = "elite"
)

// Evaluation verdicts.
const (
	VerdictPass    = "pass"
	VerdictPartial = "partial"
	VerdictFail    = "fail"
)

// Event types recorded in the reputation log.
const (
	EventTaskPass    = "task_pass"
	EventTaskPartial = "task_partial"
	EventTaskFail    = "task_fail"
)

const (
	baselineScore = 50.0

	// Score deltas derive from the evaluation score's distance to the
	// baseline, scaled by verdict, plus a capped streak bonus and an
	// optional delay penalty.
	passWeight     = 0.2
	partialWeight  = 0.1
	failWeight     = 0.3
	streakBonus    = 0.5
	streakBonusCap = 3.0
	delayPenalty   = 2.0

	// historyLimit bounds the retained per-update scores; eventLimit
	// bounds the event log.
	historyLimit = 100
	eventLimit   = 200

	snapshotVersion = 1
	reputationDir   = "reputation"
)

// TierForScore maps a score to its tier.
func TierForScore(score float64) string {
	switch {
	case score < 20:
		return TierUntrusted
	case score < 40:
		return TierNovice
	case score < 60:
		return TierReliable
	case score < 80:
		return TierExpert
	default:
		return TierElite
	}
}

// Evaluation is the finalized outcome of one task.
type Evaluation struct {
	Verdict string  `json:"verdict"`
	Score   float64 `json:"score"` // 0..100
	Delayed bool    `json:"delayed,omitempty"`
	TaskID  string  `json:"task_id,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Event records one reputation change.
type Event struct {
	EventType  string    `json:"event_type"`
	ScoreDelta float64   `json:"score_delta"`
	Previous   float64   `json:"previous"`
	New        float64   `json:"new"`
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"task_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Record is the persisted reputation state of one entity.
type Record struct {
	Version          int       `json:"version"`
	EntityID         string    `json:"entity_id"`
	CurrentScore     float64   `json:"current_score"`
	Tier             string    `json:"tier"`
	TasksCompleted   int       `json:"tasks_completed"`
	TasksFailed      int       `json:"tasks_failed"`
	TasksDelayed     int       `json:"tasks_delayed"`
	CurrentStreak    int       `json:"current_streak"`
	MaxStreak        int       `json:"max_streak"`
	HistoricalScores []float64 `json:"historical_scores"`
	Events           []Event   `json:"event_log"`
}

func newRecord(entityID string) *Record {
	return &Record{
		Version:      snapshotVersion,
		EntityID:     entityID,
		CurrentScore: baselineScore,
		Tier:         TierForScore(baselineScore),
	}
}

// WeightedAverage biases recent scores: entry i of n carries weight i+1.
// An empty history returns the baseline.
func (r *Record) WeightedAverage() float64 {
	if len(r.HistoricalScores) == 0 {
		return baselineScore
	}
	var sum, weights float64
	for i, s := range r.HistoricalScores {
		w := float64(i + 1)
		sum += s * w
		weights += w
	}
	return sum / weights
}

// Ledger tracks reputation records for all entities. Updates are serialized
// per entity and every change is published on the event feed.
type Ledger struct {
	store *storage.Store
	log   log.Logger
	feed  event.Feed[Event]

	mu      sync.Mutex
	records map[string]*Record
}

// NewLedger creates a reputation ledger; records load lazily from disk.
func NewLedger(store *storage.Store) *Ledger {
	return &Ledger{
		store:   store,
		log:     log.New("pkg", "reputation"),
		records: make(map[string]*Record),
	}
}

// SubscribeEvents delivers every reputation event to ch.
func (l *Ledger) SubscribeEvents(ch chan<- Event) event.Subscription {
	return l.feed.Subscribe(ch)
}

func recordFile(entityID string) string {
	return filepath.Join(reputationDir, entityID+".json")
}

func (l *Ledger) record(entityID string) (*Record, error) {
	if r, ok := l.records[entityID]; ok {
		return r, nil
	}
	r := newRecord(entityID)
	err := l.store.ReadJSON(recordFile(entityID), r)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	l.records[entityID] = r
	return r, nil
}

// Get returns a copy of the entity's record.
func (l *Ledger) Get(entityID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.record(entityID)
	if err != nil {
		return nil, err
	}
	cp := *r
	cp.HistoricalScores = append([]float64(nil), r.HistoricalScores...)
	cp.Events = append([]Event(nil), r.Events...)
	return &cp, nil
}

// Update applies a finalized evaluation. The new score is clamped to
// [0,100], the tier recomputed, an event appended and the record persisted.
// On persistence failure the in-memory record is unchanged.
func (l *Ledger) Update(entityID string, eval Evaluation) (*Event, error) {
	if eval.Score < 0 || eval.Score > 100 {
		return nil, errs.New(errs.InvalidAmount, "evaluation score %v outside [0,100]", eval.Score)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.record(entityID)
	if err != nil {
		return nil, err
	}
	backup := *r
	backup.HistoricalScores = append([]float64(nil), r.HistoricalScores...)
	backup.Events = append([]Event(nil), r.Events...)

	var delta float64
	var eventType string
	switch eval.Verdict {
	case VerdictPass:
		r.TasksCompleted++
		r.CurrentStreak++
		if r.CurrentStreak > r.MaxStreak {
			r.MaxStreak = r.CurrentStreak
		}
		bonus := streakBonus * float64(r.CurrentStreak)
		if bonus > streakBonusCap {
			bonus = streakBonusCap
		}
		delta = (eval.Score-baselineScore)*passWeight + bonus
		eventType = EventTaskPass
	case VerdictPartial:
		r.TasksCompleted++
		r.CurrentStreak = 0
		delta = (eval.Score - baselineScore) * partialWeight
		if delta < 0 {
			delta = 0
		}
		eventType = EventTaskPartial
	case VerdictFail:
		r.TasksFailed++
		r.CurrentStreak = 0
		// The penalty grows with how badly the task scored.
		delta = -failWeight * (100 - eval.Score) / 2
		eventType = EventTaskFail
	default:
		return nil, errs.New(errs.InvalidAmount, "unknown verdict %q", eval.Verdict)
	}
	if eval.Delayed {
		r.TasksDelayed++
		delta -= delayPenalty
	}

	prev := r.CurrentScore
	score := prev + delta
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	r.CurrentScore = score
	r.Tier = TierForScore(score)

	r.HistoricalScores = append(r.HistoricalScores, score)
	if len(r.HistoricalScores) > historyLimit {
		r.HistoricalScores = r.HistoricalScores[len(r.HistoricalScores)-historyLimit:]
	}
	ev := Event{
		EventType:  eventType,
		ScoreDelta: score - prev,
		Previous:   prev,
		New:        score,
		Timestamp:  time.Now().UTC(),
		TaskID:     eval.TaskID,
		Reason:     eval.Reason,
	}
	r.Events = append(r.Events, ev)
	if len(r.Events) > eventLimit {
		r.Events = r.Events[len(r.Events)-eventLimit:]
	}

	if err := l.store.WriteJSON(recordFile(entityID), r); err != nil {
		*r = backup
		return nil, err
	}
	l.feed.Send(ev)
	l.log.Debug("Reputation updated", "entity", entityID, "verdict", eval.Verdict, "score", score, "tier", r.Tier)
	return &ev, nil
}
