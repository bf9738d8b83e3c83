package runtime

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/pkg/models"
)

const titlePrompt = `Generate a short title (at most 8 words) for this conversation based on the user's first message. Reply with the title only: no quotes, no punctuation at the end.`

// titleTimeout bounds one title generation call.
const titleTimeout = 30 * time.Second

// spawnTitle starts the title side job for a session that has none yet. At
// most one title generation runs process-wide at a time; later jobs wait for
// the slot and re-check the session before calling out. Failures are logged
// and discarded. Title generation never blocks or fails a turn.
func (r *Runtime) spawnTitle(session *models.Session) {
	go func() {
		r.titleSlot <- struct{}{}
		defer func() { <-r.titleSlot }()
		if err := r.generateTitle(session.ID); err != nil {
			r.logger.Warn("title generation failed", "session_id", session.ID, "error", err)
		}
	}()
}

// generateTitle asks the session's own model for a title from the first user
// message and persists it.
func (r *Runtime) generateTitle(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Title != "" {
		return nil
	}

	firstUser, err := r.firstUserText(ctx, sessionID)
	if err != nil || firstUser == "" {
		return err
	}

	client, model, err := r.resolver.Resolve(session.Provider, session.Model)
	if err != nil {
		return err
	}

	events, err := client.Stream(ctx, &provider.Request{
		Model:           model.ID,
		System:          titlePrompt,
		Messages:        []provider.Message{{Role: "user", Content: firstUser}},
		MaxOutputTokens: 64,
	})
	if err != nil {
		return err
	}

	var title strings.Builder
	for event := range events {
		switch event.Kind {
		case provider.EventTextDelta:
			title.WriteString(event.Text)
		case provider.EventStreamError:
			return event.Err
		}
	}

	cleaned := strings.TrimSpace(strings.Trim(strings.TrimSpace(title.String()), `"'`))
	if cleaned == "" {
		return nil
	}

	session.Title = cleaned
	session.UpdatedAt = time.Now()
	if err := r.store.UpdateSession(ctx, session); err != nil {
		return err
	}
	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventSessionUpdated,
		SessionID: session.ID,
		Session:   &models.SessionEventPayload{Session: session},
	})
	return nil
}

// firstUserText returns the text of the session's earliest user message.
func (r *Runtime) firstUserText(ctx context.Context, sessionID string) (string, error) {
	msgs, err := r.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, msg := range msgs {
		if msg.Role != models.RoleUser {
			continue
		}
		parts, err := r.store.ListParts(ctx, msg.ID)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, part := range parts {
			if part.Type == models.PartText {
				b.WriteString(models.TextOf(part))
			}
		}
		if text := b.String(); text != "" {
			const maxTitleInput = 2000
			if len(text) > maxTitleInput {
				cut := maxTitleInput
				for cut > 0 && !utf8.RuneStart(text[cut]) {
					cut--
				}
				text = text[:cut]
			}
			return text, nil
		}
	}
	return "", nil
}
