package runtime

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Enqueue attaches a fresh cancellation token to the turn, appends it to the
// session's FIFO, publishes a queue snapshot, and starts the session worker
// if one is not already running. Exactly one turn executes per session at any
// instant; different sessions run fully independently.
func (r *Runtime) Enqueue(turn *Turn) {
	turn.ctx, turn.cancel = context.WithCancel(context.Background())

	r.mu.Lock()
	state, ok := r.sessions[turn.SessionID]
	if !ok {
		state = &sessionState{}
		r.sessions[turn.SessionID] = state
	}
	state.queue = append(state.queue, turn)
	start := !state.running
	if start {
		state.running = true
	}
	snapshot := r.snapshotLocked(state)
	r.mu.Unlock()

	r.publishQueue(turn.SessionID, snapshot)
	if start {
		go r.worker(turn.SessionID)
	}
}

// CompactSession enqueues an explicit compaction of the session's transcript.
// It runs through the session queue, after any active and already-queued
// turns.
func (r *Runtime) CompactSession(sessionID string) {
	r.Enqueue(&Turn{SessionID: sessionID, Compact: true})
}

// worker drains one session's queue, executing each turn to a terminal state,
// then tears down the session bookkeeping.
func (r *Runtime) worker(sessionID string) {
	for {
		r.mu.Lock()
		state, ok := r.sessions[sessionID]
		if !ok || len(state.queue) == 0 {
			if ok {
				state.running = false
				if state.current == nil && len(state.queue) == 0 {
					delete(r.sessions, sessionID)
				}
			}
			r.mu.Unlock()
			return
		}
		turn := state.queue[0]
		state.queue = state.queue[1:]
		state.current = turn
		snapshot := r.snapshotLocked(state)
		r.mu.Unlock()

		r.publishQueue(sessionID, snapshot)
		r.execute(turn)

		r.mu.Lock()
		if state.current == turn {
			state.current = nil
		}
		snapshot = r.snapshotLocked(state)
		r.mu.Unlock()
		r.publishQueue(sessionID, snapshot)
	}
}

// AbortSession cancels the active turn's token. With clearQueue, every
// still-queued turn is cancelled and dropped as well.
func (r *Runtime) AbortSession(sessionID string, clearQueue bool) {
	r.mu.Lock()
	state, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	var cancelled []*Turn
	if state.current != nil {
		cancelled = append(cancelled, state.current)
	}
	if clearQueue {
		cancelled = append(cancelled, state.queue...)
		state.queue = nil
	}
	snapshot := r.snapshotLocked(state)
	r.mu.Unlock()

	for _, turn := range cancelled {
		turn.Abort()
	}
	r.publishQueue(sessionID, snapshot)
}

// AbortMessage cancels the turn producing messageID. It reports
// wasRunning=true when the message was the active turn (the executor will
// persist the aborted shape), wasRunning=false when it was spliced out of the
// queue untouched, and found=false when the message is unknown to the queue.
// The caller decides whether to also delete any already-written rows.
func (r *Runtime) AbortMessage(sessionID, messageID string) (wasRunning, found bool) {
	r.mu.Lock()
	state, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false, false
	}

	if state.current != nil && state.current.MessageID == messageID {
		turn := state.current
		snapshot := r.snapshotLocked(state)
		r.mu.Unlock()
		turn.Abort()
		r.publishQueue(sessionID, snapshot)
		return true, true
	}

	for i, turn := range state.queue {
		if turn.MessageID == messageID {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			snapshot := r.snapshotLocked(state)
			r.mu.Unlock()
			// The token was never used; cancel it for hygiene.
			turn.Abort()
			r.publishQueue(sessionID, snapshot)
			return false, true
		}
	}
	r.mu.Unlock()
	return false, false
}

// QueueSnapshot returns the session's current queue state.
func (r *Runtime) QueueSnapshot(sessionID string) models.QueueEventPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return models.QueueEventPayload{Items: []models.QueueItem{}}
	}
	return r.snapshotLocked(state)
}

// snapshotLocked builds a queue snapshot. Caller holds r.mu.
func (r *Runtime) snapshotLocked(state *sessionState) models.QueueEventPayload {
	snapshot := models.QueueEventPayload{Items: make([]models.QueueItem, 0, len(state.queue))}
	if state.current != nil {
		snapshot.CurrentMessageID = state.current.MessageID
	}
	for i, turn := range state.queue {
		snapshot.Items = append(snapshot.Items, models.QueueItem{MessageID: turn.MessageID, Position: i})
	}
	return snapshot
}

func (r *Runtime) publishQueue(sessionID string, snapshot models.QueueEventPayload) {
	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventQueueUpdated,
		SessionID: sessionID,
		Queue:     &snapshot,
	})
}
