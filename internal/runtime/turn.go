package runtime

import "context"

// Turn is one queued unit of work: produce the assistant message identified
// by MessageID in response to the user message UserMessageID. The inbound
// layer persists both messages before enqueueing.
type Turn struct {
	SessionID     string
	MessageID     string
	UserMessageID string

	// OneShot requests a single-response prompt framing with no
	// conversational continuation.
	OneShot bool

	// UserContext is optional caller-supplied context folded into the
	// system prompt for this turn only.
	UserContext string

	// Compact requests active compaction of the session instead of a
	// model turn. Queueing it like any other turn keeps transcript
	// mutation serialized with running turns. MessageID may be empty.
	Compact bool

	// overflowRetry marks the automatic successor enqueued after a
	// successful overflow compaction. At most one per original request.
	overflowRetry bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the turn's cancellation context. Valid after enqueue.
func (t *Turn) Context() context.Context { return t.ctx }

// Abort fires the turn's cancellation token.
func (t *Turn) Abort() {
	if t.cancel != nil {
		t.cancel()
	}
}
