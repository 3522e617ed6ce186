package chat

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/switchboard/channels"
)

// MessageUpdateStepInChars is the number of buffered runes that triggers an
// in-progress edit of the current segment while deltas keep arriving.
const MessageUpdateStepInChars = 168

// streamContext is one in-flight AI response: the open stream, the assistant
// message being filled, and the segment currently receiving text. Cancelled
// as a unit when a transition abandons the response.
type streamContext struct {
	ctx     context.Context
	cancel  context.CancelFunc
	stream  StreamingResponse
	model   *ChatMessage
	segment *UIMessage
	// synthetic is the "please continue" user message when the response was
	// initiated by the Continue button. Removed again if the stream is
	// cancelled before anything visible was produced.
	synthetic *ChatMessage
}

// close cancels the operation context and releases the stream.
func (sc *streamContext) close() {
	sc.cancel()
	if sc.stream != nil {
		_ = sc.stream.Close()
	}
}

// runStreamingPipeline drains the AI stream into the chat's UI: deltas are
// buffered per segment, pushed to the messenger in MessageUpdateStepInChars
// chunks, and split into further segments whenever a segment reaches the
// messenger's length limit. It ends by firing exactly one of UserStop,
// AIResponseError or AIResponseFinished.
func (c *Chat) runStreamingPipeline(sc *streamContext) {
	started := time.Now()
	failed := false
	defer func() {
		c.metrics.StreamFinished(time.Since(started), failed)
		sc.close()
		if c.currentOp == sc {
			c.currentOp = nil
		}
	}()

	st := c.loadState()
	maxLen := c.messenger.MaxTextMessageLen()
	if maxLen <= 0 {
		maxLen = MessageUpdateStepInChars
	}

	var (
		content     []rune          // buffered runes for the current segment
		full        strings.Builder // everything the stream produced
		sinceUpdate int             // runes appended since the last messenger edit
	)
	seg := sc.segment

	// pushEdit mirrors the buffered text into the segment and the messenger.
	// The buffer may run past maxLen between overflow checks; the display is
	// clamped to the cap so successive edits on a segment only ever extend
	// the previous one. The tail stays buffered for the next segment.
	pushEdit := func(buttons []ButtonAction) error {
		display := content
		if len(display) > maxLen {
			display = display[:maxLen]
		}
		seg.Text = string(display)
		st.UI.SetActiveButtons(seg, buttons)
		if err := c.editSegment(sc.ctx, seg, seg.Text, buttons); err != nil {
			return err
		}
		sinceUpdate = 0
		c.saveState(st)
		return nil
	}

	deltas := sc.stream.Deltas()
loop:
	for {
		select {
		case <-sc.ctx.Done():
			c.cleanupInterruptedStream(st, sc, content, full.String(), true)
			c.machine.TryFire(sc.ctx, TriggerUserStop, nil)
			return
		case delta, ok := <-deltas:
			if !ok {
				break loop
			}
			if delta == "" {
				continue
			}
			runes := []rune(delta)
			c.metrics.DeltaReceived(len(runes))

			// Close the segment once the buffer has reached the limit: it
			// keeps exactly maxLen runes, the tail carries over, and the new
			// delta goes to the next segment. Deltas are never torn.
			if len(content) >= maxLen {
				head, tail := content[:maxLen], content[maxLen:]
				content = head
				if err := pushEdit(nil); err != nil {
					failed = !isCancellation(err)
					c.failStream(st, sc, content, full.String(), err)
					return
				}

				content = append([]rune(nil), tail...)
				sinceUpdate = len(content)
				next := st.UI.CreateNextSegment(sc.model, []ButtonAction{ButtonStop})
				next.Text = placeholderText
				id, err := c.messenger.SendText(sc.ctx, c.chatID, placeholderText, toChannelButtons(next.ActiveButtons))
				if err != nil {
					failed = !isCancellation(err)
					c.failStream(st, sc, content, full.String(), errors.Wrap(err, "send overflow segment"))
					return
				}
				st.UI.MarkAsSent(next, id)
				seg = next
				sc.segment = next
				c.saveState(st)
			}

			full.WriteString(delta)
			content = append(content, runes...)
			sinceUpdate += len(runes)

			if sinceUpdate >= MessageUpdateStepInChars {
				if err := pushEdit([]ButtonAction{ButtonStop}); err != nil {
					failed = !isCancellation(err)
					c.failStream(st, sc, content, full.String(), err)
					return
				}
			}
		}
	}

	// The delta sequence is over; find out how it ended.
	if err := sc.stream.Err(); err != nil {
		if isCancellation(err) {
			c.cleanupInterruptedStream(st, sc, content, full.String(), true)
			c.machine.TryFire(sc.ctx, TriggerUserStop, nil)
			return
		}
		failed = true
		c.failStream(st, sc, content, full.String(), errors.Wrap(err, "AI stream"))
		return
	}
	if err := sc.ctx.Err(); err != nil {
		c.cleanupInterruptedStream(st, sc, content, full.String(), true)
		c.machine.TryFire(sc.ctx, TriggerUserStop, nil)
		return
	}

	if err := c.finishStream(st, sc, content, full.String(), maxLen); err != nil {
		failed = !isCancellation(err)
		c.failStream(st, sc, content, full.String(), err)
		return
	}
	c.machine.TryFire(sc.ctx, TriggerAIResponseFinished, nil)
}

// finishStream attaches the final content to the model message and the UI:
// structured content wins over the accumulated text, media items become
// segments of their own, and the last visible segment receives the
// Continue/Regenerate buttons.
func (c *Chat) finishStream(st *ChatState, sc *streamContext, content []rune, full string, maxLen int) error {
	structured := sc.stream.StructuredContent()

	finalText := string(content)
	replaced := false
	var media []ContentItem
	if len(structured) > 0 {
		sc.model.SetContent(structured)
		var texts []string
		for _, item := range structured {
			if item.Kind == ContentText {
				texts = append(texts, item.Text)
			} else {
				media = append(media, item)
			}
		}
		if joined := strings.Join(texts, ""); joined != "" {
			finalText = joined
			replaced = true
		}
	} else {
		if full == "" {
			return errors.WithStack(ErrEmptyAIResponse)
		}
		sc.model.SetTextContent(full)
	}

	seg := sc.segment
	if finalText == "" {
		// The tail segment never received content (exact-multiple overflow,
		// or a media-only structured payload). Drop it from the messenger.
		if removed := st.UI.RemoveLastUIMessage(sc.model.ID); removed != nil {
			if removed.IsSent && !removed.IsDeleted {
				c.messenger.DeleteMessage(sc.ctx, c.chatID, removed.MessengerMessageID)
			}
		}
		seg = st.UI.LastSegment(sc.model.ID)
		if seg == nil && len(media) == 0 {
			return errors.WithStack(ErrEmptyAIResponse)
		}
	} else {
		seg.Text = finalText
		st.UI.SetActiveButtons(seg, nil)
		if err := c.editSegment(sc.ctx, seg, seg.Text, nil); err != nil {
			return err
		}

		// Length guard for structured replacement text, which arrives in one
		// piece and may exceed the limit. Streamed text keeps its segment
		// boundaries as produced.
		if parts := SplitTextByLength(finalText, maxLen); replaced && len(parts) > 1 {
			seg.Text = parts[0]
			if err := c.editSegment(sc.ctx, seg, seg.Text, nil); err != nil {
				return err
			}
			for _, part := range parts[1:] {
				next := st.UI.CreateNextSegment(sc.model, nil)
				next.Text = part
				id, err := c.messenger.SendText(sc.ctx, c.chatID, part, nil)
				if err != nil {
					return errors.Wrap(err, "send split segment")
				}
				st.UI.MarkAsSent(next, id)
			}
		}
	}
	c.saveState(st)

	for _, item := range media {
		next := st.UI.CreateNextSegment(sc.model, nil)
		next.Media = &item
		payload, err := c.mediaPayload(sc.ctx, item)
		if err != nil {
			return errors.Wrap(err, "prepare media")
		}
		id, err := c.messenger.SendPhoto(sc.ctx, c.chatID, payload, nil)
		if err != nil {
			return errors.Wrap(err, "send media segment")
		}
		st.UI.MarkAsSent(next, id)
		c.saveState(st)
	}

	last := st.UI.LastSegment(sc.model.ID)
	if last == nil {
		return errors.WithStack(ErrEmptyAIResponse)
	}
	st.UI.SetActiveButtons(last, []ButtonAction{ButtonContinue, ButtonRegenerate})
	if err := c.editSegment(sc.ctx, last, last.Text, last.ActiveButtons); err != nil {
		return err
	}
	c.saveState(st)
	return nil
}

// mediaPayload resolves a media item into the messenger's photo DTO.
func (c *Chat) mediaPayload(ctx context.Context, item ContentItem) (channels.PhotoPayload, error) {
	data, err := item.Bytes(ctx)
	if err != nil {
		return channels.PhotoPayload{}, err
	}
	return channels.PhotoPayload{Bytes: data, URL: item.URL}, nil
}

// failStream cleans up after a hard failure and routes it to the error state.
func (c *Chat) failStream(st *ChatState, sc *streamContext, content []rune, full string, err error) {
	if isCancellation(err) {
		c.cleanupInterruptedStream(st, sc, content, full, true)
		c.machine.TryFire(sc.ctx, TriggerUserStop, nil)
		return
	}
	c.logger.Error("streaming AI response", "error", err)
	c.cleanupInterruptedStream(st, sc, content, full, false)
	c.machine.TryFire(sc.ctx, TriggerAIResponseError, err)
}

// cleanupInterruptedStream preserves everything the stream already produced
// and removes what it did not get to: the pending buffer is flushed into the
// current segment, trailing placeholder segments are deleted, and an
// assistant message with nothing visible is dropped entirely. After a user
// cancellation the recovery buttons come back on the last visible segment.
func (c *Chat) cleanupInterruptedStream(st *ChatState, sc *streamContext, content []rune, full string, cancelled bool) {
	ctx, cancel := cleanupContext()
	defer cancel()

	if text := string(content); text != "" && text != sc.segment.Text {
		sc.segment.Text = text
		st.UI.SetActiveButtons(sc.segment, nil)
		if err := c.editSegment(ctx, sc.segment, text, nil); err != nil {
			c.logger.Warn("flushing partial segment", "error", err)
		}
	}
	if full != "" {
		sc.model.SetTextContent(full)
	}

	for {
		last := st.UI.LastSegment(sc.model.ID)
		if last == nil {
			break
		}
		if (last.Text != "" && last.Text != placeholderText) || last.Media != nil {
			break
		}
		removed := st.UI.RemoveLastUIMessage(sc.model.ID)
		if removed.IsSent && !removed.IsDeleted {
			c.messenger.DeleteMessage(ctx, c.chatID, removed.MessengerMessageID)
		}
	}

	if st.UI.LastSegment(sc.model.ID) == nil {
		// Nothing visible was produced. Drop the assistant message and, for a
		// continue-initiated response, the synthetic prompt that asked for it.
		st.History.RemoveMessageFromLastTurn(sc.model)
		if sc.synthetic != nil {
			st.History.RemoveMessageFromLastTurn(sc.synthetic)
		}
		c.saveState(st)
		if cancelled {
			c.restoreRecoveryButtons()
		}
		return
	}

	c.saveState(st)
	if cancelled {
		last := st.UI.LastSegment(sc.model.ID)
		st.UI.SetActiveButtons(last, []ButtonAction{ButtonContinue, ButtonRegenerate})
		c.saveState(st)
		if err := c.editSegment(ctx, last, last.Text, last.ActiveButtons); err != nil {
			c.logger.Warn("setting recovery buttons", "error", err)
		}
	}
}
