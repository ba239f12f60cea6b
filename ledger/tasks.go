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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/storage"
)

// Task contract states.
const (
	TaskCreated    = "CREATED"
	TaskAssigned   = "ASSIGNED"
	TaskInProgress = "IN_PROGRESS"
	TaskCompleted  = "COMPLETED"
	TaskFailed     = "FAILED"
	TaskCancelled  = "CANCELLED"
)

const taskDir = "tasks"

// TaskContract binds a reward to a unit of work. Creation locks the reward
// out of the creator's wallet; completion pays the worker; cancellation or
// failure refunds the creator.
type TaskContract struct {
	Version      int        `json:"version"`
	TaskID       string     `json:"task_id"`
	CreatorID    string     `json:"creator_id"`
	WorkerID     string     `json:"worker_id,omitempty"`
	Description  string     `json:"description"`
	RewardAmount Amount     `json:"reward_amount"`
	RewardType   string     `json:"reward_type"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// taskTransitions lists the legal status moves.
var taskTransitions = map[string][]string{
	TaskCreated:    {TaskAssigned, TaskCancelled, TaskFailed},
	TaskAssigned:   {TaskInProgress, TaskCompleted, TaskCancelled, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskCancelled, TaskFailed},
}

func taskTransitionOK(from, to string) bool {
	for _, t := range taskTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TaskManager drives task contracts over the ledger's locked-funds pool.
type TaskManager struct {
	ledger *Ledger
	store  *storage.Store
	log    log.Logger

	mu    sync.Mutex
	tasks map[string]*TaskContract
}

// NewTaskManager loads all persisted task contracts and rebuilds the locked
// pool entries for contracts that still hold funds.
func NewTaskManager(ledger *Ledger, store *storage.Store) (*TaskManager, error) {
	tm := &TaskManager{
		ledger: ledger,
		store:  store,
		log:    log.New("pkg", "ledger"),
		tasks:  make(map[string]*TaskContract),
	}
	names, err := store.List(taskDir)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		var t TaskContract
		if err := store.ReadJSON(filepath.Join(taskDir, name), &t); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			tm.log.Warn("Skipping unreadable task snapshot", "file", name, "err", err)
			continue
		}
		tm.tasks[t.TaskID] = &t
		switch t.Status {
		case TaskCreated, TaskAssigned, TaskInProgress:
			ledger.restoreLockEntry(lockKey(t.TaskID), t.RewardAmount)
		}
	}
	return tm, nil
}

func lockKey(taskID string) string {
	return "task:" + taskID
}

func taskFile(taskID string) string {
	return filepath.Join(taskDir, taskID+".json")
}

// Create locks the reward out of the creator's wallet and persists the new
// contract.
func (tm *TaskManager) Create(creatorID, description string, reward Amount, rewardType string) (*TaskContract, error) {
	t := &TaskContract{
		Version:      snapshotVersion,
		TaskID:       uuid.NewString(),
		CreatorID:    creatorID,
		Description:  description,
		RewardAmount: reward,
		RewardType:   rewardType,
		Status:       TaskCreated,
		CreatedAt:    time.Now().UTC(),
	}
	if err := tm.ledger.Lock(lockKey(t.TaskID), creatorID, reward, "task reward: "+description); err != nil {
		return nil, err
	}
	if err := tm.store.WriteJSON(taskFile(t.TaskID), t); err != nil {
		// Undo the lock so funds are not stranded.
		if rerr := tm.ledger.Release(lockKey(t.TaskID), creatorID, TxTransferIn, "task creation rollback"); rerr != nil {
			tm.log.Error("Lock rollback failed", "task", t.TaskID, "err", rerr)
		}
		return nil, err
	}
	tm.mu.Lock()
	tm.tasks[t.TaskID] = t
	tm.mu.Unlock()
	tm.log.Info("Task created", "task", t.TaskID, "creator", creatorID, "reward", reward)
	return t, nil
}

// Get returns a copy of the contract.
func (tm *TaskManager) Get(taskID string) (*TaskContract, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.tasks[taskID]
	if !ok {
		return nil, errs.New(errs.WalletNotFound, "no task %s", taskID)
	}
	cp := *t
	return &cp, nil
}

// List returns copies of all contracts, optionally filtered by status.
func (tm *TaskManager) List(status string) []*TaskContract {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var out []*TaskContract
	for _, t := range tm.tasks {
		if status == "" || strings.EqualFold(t.Status, status) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Assign binds a worker to the task.
func (tm *TaskManager) Assign(taskID, workerID string) error {
	return tm.update(taskID, TaskAssigned, func(t *TaskContract) error {
		t.WorkerID = workerID
		return nil
	})
}

// Start marks the task in progress.
func (tm *TaskManager) Start(taskID string) error {
	return tm.update(taskID, TaskInProgress, nil)
}

// Complete pays the locked reward to the worker and finalizes the contract.
func (tm *TaskManager) Complete(taskID string) error {
	return tm.update(taskID, TaskCompleted, func(t *TaskContract) error {
		if t.WorkerID == "" {
			return errs.New(errs.StateTransitionInvalid, "task %s has no worker", taskID)
		}
		if err := tm.ledger.Release(lockKey(taskID), t.WorkerID, TxReward, "task reward"); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.CompletedAt = &now
		return nil
	})
}

// Cancel returns the locked reward to the creator.
func (tm *TaskManager) Cancel(taskID string) error {
	return tm.update(taskID, TaskCancelled, func(t *TaskContract) error {
		return tm.ledger.Release(lockKey(taskID), t.CreatorID, TxTransferIn, "task cancelled")
	})
}

// Fail returns the locked reward to the creator and records the failure.
func (tm *TaskManager) Fail(taskID string) error {
	return tm.update(taskID, TaskFailed, func(t *TaskContract) error {
		return tm.ledger.Release(lockKey(taskID), t.CreatorID, TxTransferIn, "task failed")
	})
}

// update applies a checked status transition plus an optional mutation, then
// persists the contract.
func (tm *TaskManager) update(taskID, to string, mutate func(*TaskContract) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, ok := tm.tasks[taskID]
	if !ok {
		return errs.New(errs.WalletNotFound, "no task %s", taskID)
	}
	if !taskTransitionOK(t.Status, to) {
		return errs.New(errs.StateTransitionInvalid, "task %s cannot move %s -> %s", taskID, t.Status, to)
	}
	backup := *t
	t.Status = to
	if mutate != nil {
		if err := mutate(t); err != nil {
			*t = backup
			return err
		}
	}
	if err := tm.store.WriteJSON(taskFile(taskID), t); err != nil {
		*t = backup
		return err
	}
	return nil
}
