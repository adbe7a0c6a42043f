package taskexecutor

import (
	"fmt"
	"time"

	"github.com/cuemby/weir/pkg/jobmaster/scheduler"
	"github.com/cuemby/weir/pkg/types"
)

// RequestSlotOffer implements resourcemanager.TaskExecutorGateway: the
// Resource Manager directs this Task Executor to offer one of its slots
// to a Job Master. The slot transitions FREE → ALLOCATED optimistically;
// if the Job Master declines the offer the slot reverts to FREE.
func (te *TaskExecutor) RequestSlotOffer(address string, allocationId types.AllocationId, slotId types.SlotId, jobMasterAddress string) error {
	te.mu.Lock()
	slot, ok := te.slots[slotId]
	if !ok {
		te.mu.Unlock()
		return fmt.Errorf("task executor: no such slot %s", slotId)
	}
	if !slot.IsFree() {
		te.mu.Unlock()
		return fmt.Errorf("task executor: slot %s is not free", slotId)
	}
	if err := slot.Transition(types.SlotAllocated); err != nil {
		te.mu.Unlock()
		return err
	}
	slot.Alloc = allocationId
	offer := *slot
	te.mu.Unlock()

	accepted, err := te.cfg.JobMasters.OfferSlots(jobMasterAddress, te.resourceId, []types.Slot{offer})
	if err != nil {
		te.revertSlot(slotId)
		return err
	}

	for _, id := range accepted {
		if id == slotId {
			return nil
		}
	}
	te.revertSlot(slotId)
	return nil
}

func (te *TaskExecutor) revertSlot(slotId types.SlotId) {
	te.mu.Lock()
	defer te.mu.Unlock()
	if slot, ok := te.slots[slotId]; ok && slot.State == types.SlotAllocated {
		_ = slot.Transition(types.SlotReleasing)
		_ = slot.Transition(types.SlotFree)
	}
}

// Deploy implements scheduler.Deployer: it binds the requested slot to
// this execution attempt, transitions it ACTIVE, builds the task's
// runtime (result partitions, input gate, barrier handler), and starts
// it.
func (te *TaskExecutor) Deploy(address string, descriptor scheduler.DeploymentDescriptor) error {
	te.mu.Lock()
	var slot *types.Slot
	for _, s := range te.slots {
		if s.Alloc == descriptor.AllocationId {
			slot = s
			break
		}
	}
	if slot == nil {
		te.mu.Unlock()
		return fmt.Errorf("task executor: no slot bound to allocation %s", descriptor.AllocationId)
	}
	if err := slot.Transition(types.SlotActive); err != nil {
		te.mu.Unlock()
		return err
	}
	slot.AttachTask(descriptor.AttemptId)
	te.mu.Unlock()

	rt := newTaskRuntime(descriptor, address, te.cfg.JobMasters)
	key := taskAddress(te.cfg.Address, descriptor.AttemptId)

	te.mu.Lock()
	te.tasks[key] = rt
	te.mu.Unlock()

	return rt.start()
}

// CancelExecution implements scheduler.Deployer: it stops the task
// runtime and detaches it from its slot, leaving the slot ACTIVE with no
// attached tasks until the Slot Pool calls FreeSlot.
func (te *TaskExecutor) CancelExecution(address string, attemptId types.ExecutionAttemptId) error {
	key := taskAddress(te.cfg.Address, attemptId)

	te.mu.Lock()
	rt, ok := te.tasks[key]
	if ok {
		delete(te.tasks, key)
	}
	for _, s := range te.slots {
		s.DetachTask(attemptId)
	}
	te.mu.Unlock()

	if ok {
		rt.cancel()
	}
	return nil
}

// FreeSlot implements slotpool.TaskManagerGateway: the Slot Pool has
// released its logical handle to this slot, so it returns to FREE.
func (te *TaskExecutor) FreeSlot(address string, slotId types.SlotId) error {
	te.mu.Lock()
	defer te.mu.Unlock()
	slot, ok := te.slots[slotId]
	if !ok {
		return fmt.Errorf("task executor: no such slot %s", slotId)
	}
	if err := slot.Transition(types.SlotReleasing); err != nil {
		return err
	}
	return slot.Transition(types.SlotFree)
}

// TriggerCheckpoint implements checkpoint.TaskGateway: the Checkpoint
// Coordinator only ever targets source tasks this way (spec.md §4.7); a
// source has no input channels to align barriers on, so it snapshots
// itself immediately.
func (te *TaskExecutor) TriggerCheckpoint(address string, checkpointId types.CheckpointId, timestamp time.Time, isSavepoint bool, targetDir string) error {
	rt, ok := te.taskByAddress(address)
	if !ok {
		return fmt.Errorf("task executor: no task at %s", address)
	}
	return rt.triggerSourceCheckpoint(checkpointId, timestamp, isSavepoint, targetDir)
}

// NotifyCheckpointComplete implements checkpoint.TaskGateway.
func (te *TaskExecutor) NotifyCheckpointComplete(address string, checkpointId types.CheckpointId) error {
	rt, ok := te.taskByAddress(address)
	if !ok {
		return fmt.Errorf("task executor: no task at %s", address)
	}
	rt.notifyComplete(checkpointId)
	return nil
}

// NotifyCheckpointAbort implements checkpoint.TaskGateway.
func (te *TaskExecutor) NotifyCheckpointAbort(address string, checkpointId types.CheckpointId, reason string) error {
	rt, ok := te.taskByAddress(address)
	if !ok {
		return fmt.Errorf("task executor: no task at %s", address)
	}
	rt.notifyAbort(checkpointId, reason)
	return nil
}

func (te *TaskExecutor) taskByAddress(address string) (*taskRuntime, bool) {
	te.mu.Lock()
	defer te.mu.Unlock()
	rt, ok := te.tasks[address]
	return rt, ok
}
