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

package ledger

import (
	"testing"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/metrics"
	"github.com/acp-project/go-acp/storage"
)

func testTaskManager(t *testing.T) (*Ledger, *TaskManager) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	l, err := New(store, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tm, err := NewTaskManager(l, store)
	if err != nil {
		t.Fatalf("NewTaskManager: %v", err)
	}
	return l, tm
}

func TestTaskComplete(t *testing.T) {
	l, tm := testTaskManager(t)
	if err := l.Deposit("creator", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	task, err := tm.Create("creator", "summarize corpus", 60, "token")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mustBalance(t, l, "creator", 40)
	if amt, ok := l.LockedAmount(lockKey(task.TaskID)); !ok || amt != 60 {
		t.Fatalf("lock = %d, %v", amt, ok)
	}

	// Completion without a worker is refused.
	if err := tm.Assign(task.TaskID, "worker"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := tm.Start(task.TaskID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tm.Complete(task.TaskID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	mustBalance(t, l, "worker", 60)

	got, err := tm.Get(task.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != TaskCompleted || got.CompletedAt == nil {
		t.Fatalf("task = %+v", got)
	}
	if err := l.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestTaskCancelRefunds(t *testing.T) {
	l, tm := testTaskManager(t)
	if err := l.Deposit("creator", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	task, err := tm.Create("creator", "doomed", 60, "token")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tm.Cancel(task.TaskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	mustBalance(t, l, "creator", 100)
	if _, ok := l.LockedAmount(lockKey(task.TaskID)); ok {
		t.Fatal("lock survived cancellation")
	}

	// A finalized task accepts no further transitions.
	if err := tm.Assign(task.TaskID, "worker"); !errs.HasCode(err, errs.StateTransitionInvalid) {
		t.Fatalf("assign after cancel: %v", err)
	}
}

func TestTaskCompleteWithoutWorker(t *testing.T) {
	l, tm := testTaskManager(t)
	if err := l.Deposit("creator", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	task, err := tm.Create("creator", "x", 10, "token")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tm.Assign(task.TaskID, ""); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := tm.Complete(task.TaskID); !errs.HasCode(err, errs.StateTransitionInvalid) {
		t.Fatalf("Complete without worker: %v", err)
	}
	// The failed mutation rolled the status back, funds stay locked.
	got, _ := tm.Get(task.TaskID)
	if got.Status != TaskAssigned {
		t.Fatalf("status = %s after rollback", got.Status)
	}
	if amt, ok := l.LockedAmount(lockKey(task.TaskID)); !ok || amt != 10 {
		t.Fatalf("lock = %d, %v", amt, ok)
	}
}

func TestTaskCreateInsufficientFunds(t *testing.T) {
	_, tm := testTaskManager(t)
	if _, err := tm.Create("pauper", "x", 10, "token"); !errs.HasCode(err, errs.InsufficientFunds) {
		t.Fatalf("Create: %v", err)
	}
}

func TestTaskRestoreLocks(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	l, err := New(store, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tm, err := NewTaskManager(l, store)
	if err != nil {
		t.Fatalf("NewTaskManager: %v", err)
	}
	if err := l.Deposit("creator", 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	task, err := tm.Create("creator", "persistent", 25, "token")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A restart rebuilds the locked pool from the task snapshots.
	store2, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	l2, err := New(store2, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	tm2, err := NewTaskManager(l2, store2)
	if err != nil {
		t.Fatalf("reopen tasks: %v", err)
	}
	if amt, ok := l2.LockedAmount(lockKey(task.TaskID)); !ok || amt != 25 {
		t.Fatalf("restored lock = %d, %v", amt, ok)
	}
	if err := l2.Reconcile(); err != nil {
		t.Fatalf("Reconcile after restart: %v", err)
	}
	if err := tm2.Assign(task.TaskID, "worker"); err != nil {
		t.Fatalf("Assign after restart: %v", err)
	}
	if err := tm2.Complete(task.TaskID); err != nil {
		t.Fatalf("Complete after restart: %v", err)
	}
	mustBalance(t, l2, "worker", 25)
}
