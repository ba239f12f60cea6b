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

package reputation

import (
	"math"
	"testing"
	"time"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/storage"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewLedger(store)
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBaseline(t *testing.T) {
	l := testLedger(t)
	r, err := l.Get("fresh")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.CurrentScore != 50 || r.Tier != TierReliable {
		t.Fatalf("fresh record = %v/%s", r.CurrentScore, r.Tier)
	}
	if !almost(r.WeightedAverage(), 50) {
		t.Fatalf("WeightedAverage = %v", r.WeightedAverage())
	}
}

func TestPassDelta(t *testing.T) {
	l := testLedger(t)
	ev, err := l.Update("agent", Evaluation{Verdict: VerdictPass, Score: 90})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	// (90-50)*0.2 + min(0.5*1, 3) = 8.5
	if !almost(ev.ScoreDelta, 8.5) {
		t.Fatalf("delta = %v, want 8.5", ev.ScoreDelta)
	}
	r, _ := l.Get("agent")
	if !almost(r.CurrentScore, 58.5) || r.TasksCompleted != 1 || r.CurrentStreak != 1 {
		t.Fatalf("record = %+v", r)
	}
}

func TestStreakBonusCaps(t *testing.T) {
	l := testLedger(t)
	// Score 50 isolates the streak bonus: delta == min(0.5*streak, 3).
	want := []float64{0.5, 1.0, 1.5, 2.0, 2.5, 3.0, 3.0, 3.0}
	for i, w := range want {
		ev, err := l.Update("agent", Evaluation{Verdict: VerdictPass, Score: 50})
		if err != nil {
			t.Fatalf("Update(%d): %v", i, err)
		}
		if !almost(ev.ScoreDelta, w) {
			t.Fatalf("streak %d delta = %v, want %v", i+1, ev.ScoreDelta, w)
		}
	}
	r, _ := l.Get("agent")
	if r.CurrentStreak != 8 || r.MaxStreak != 8 {
		t.Fatalf("streak = %d/%d", r.CurrentStreak, r.MaxStreak)
	}
}

func TestPartialNeverNegative(t *testing.T) {
	l := testLedger(t)
	ev, err := l.Update("agent", Evaluation{Verdict: VerdictPartial, Score: 70})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !almost(ev.ScoreDelta, 2) {
		t.Fatalf("delta = %v, want 2", ev.ScoreDelta)
	}
	// A partial below baseline contributes nothing, not a penalty.
	ev, err = l.Update("agent", Evaluation{Verdict: VerdictPartial, Score: 40})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !almost(ev.ScoreDelta, 0) {
		t.Fatalf("sub-baseline partial delta = %v", ev.ScoreDelta)
	}
	r, _ := l.Get("agent")
	if r.CurrentStreak != 0 {
		t.Fatalf("partial did not reset streak: %d", r.CurrentStreak)
	}
}

func TestFailPenaltyAndDelay(t *testing.T) {
	l := testLedger(t)
	ev, err := l.Update("agent", Evaluation{Verdict: VerdictFail, Score: 20})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	// -0.3 * (100-20)/2 = -12
	if !almost(ev.ScoreDelta, -12) {
		t.Fatalf("fail delta = %v, want -12", ev.ScoreDelta)
	}
	ev, err = l.Update("agent", Evaluation{Verdict: VerdictFail, Score: 20, Delayed: true})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !almost(ev.ScoreDelta, -14) {
		t.Fatalf("delayed fail delta = %v, want -14", ev.ScoreDelta)
	}
	r, _ := l.Get("agent")
	if r.TasksFailed != 2 || r.TasksDelayed != 1 {
		t.Fatalf("counters = %d failed, %d delayed", r.TasksFailed, r.TasksDelayed)
	}
}

func TestScoreClamping(t *testing.T) {
	l := testLedger(t)
	for i := 0; i < 10; i++ {
		if _, err := l.Update("bad", Evaluation{Verdict: VerdictFail, Score: 0}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	r, _ := l.Get("bad")
	if r.CurrentScore != 0 || r.Tier != TierUntrusted {
		t.Fatalf("floored record = %v/%s", r.CurrentScore, r.Tier)
	}

	for i := 0; i < 30; i++ {
		if _, err := l.Update("good", Evaluation{Verdict: VerdictPass, Score: 100}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	r, _ = l.Get("good")
	if r.CurrentScore != 100 || r.Tier != TierElite {
		t.Fatalf("capped record = %v/%s", r.CurrentScore, r.Tier)
	}
}

func TestUpdateRejectsBadInput(t *testing.T) {
	l := testLedger(t)
	if _, err := l.Update("a", Evaluation{Verdict: VerdictPass, Score: 101}); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("score > 100: %v", err)
	}
	if _, err := l.Update("a", Evaluation{Verdict: VerdictPass, Score: -1}); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("score < 0: %v", err)
	}
	if _, err := l.Update("a", Evaluation{Verdict: "maybe", Score: 50}); !errs.HasCode(err, errs.InvalidAmount) {
		t.Fatalf("bad verdict: %v", err)
	}
}

func TestTierForScore(t *testing.T) {
	tests := []struct {
		score float64
		tier  string
	}{
		{0, TierUntrusted},
		{19.9, TierUntrusted},
		{20, TierNovice},
		{39.9, TierNovice},
		{40, TierReliable},
		{59.9, TierReliable},
		{60, TierExpert},
		{79.9, TierExpert},
		{80, TierElite},
		{100, TierElite},
	}
	for _, tt := range tests {
		if got := TierForScore(tt.score); got != tt.tier {
			t.Errorf("TierForScore(%v) = %s, want %s", tt.score, got, tt.tier)
		}
	}
}

func TestWeightedAverageBiasesRecent(t *testing.T) {
	r := &Record{HistoricalScores: []float64{10, 90}}
	// (10*1 + 90*2) / 3
	if got := r.WeightedAverage(); !almost(got, 190.0/3) {
		t.Fatalf("WeightedAverage = %v", got)
	}
}

func TestEventFeed(t *testing.T) {
	l := testLedger(t)
	ch := make(chan Event, 1)
	sub := l.SubscribeEvents(ch)
	defer sub.Unsubscribe()

	if _, err := l.Update("agent", Evaluation{Verdict: VerdictPass, Score: 80, TaskID: "t-1"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.EventType != EventTaskPass || ev.TaskID != "t-1" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestRecordPersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	l := NewLedger(store)
	if _, err := l.Update("agent", Evaluation{Verdict: VerdictPass, Score: 90}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	store2, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r, err := NewLedger(store2).Get("agent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !almost(r.CurrentScore, 58.5) || r.TasksCompleted != 1 {
		t.Fatalf("reloaded record = %+v", r)
	}
}
