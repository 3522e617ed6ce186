package chat

// ButtonAction identifies one inline action button. The messenger adapter
// maps these to its own callback payloads.
type ButtonAction string

const (
	ButtonCancel     ButtonAction = "cancel"
	ButtonStop       ButtonAction = "stop"
	ButtonContinue   ButtonAction = "continue"
	ButtonRegenerate ButtonAction = "regenerate"
	ButtonRetry      ButtonAction = "retry"
)

// UIMessage is one visible messenger segment. Several segments may belong
// to a single model message after a length-driven split.
type UIMessage struct {
	ParentModelID      string
	SegmentIndex       int
	Text               string
	Media              *ContentItem
	MessengerMessageID int64
	IsSent             bool
	IsDeleted          bool
	ActiveButtons      []ButtonAction
}

// HasContent reports whether the segment carries any text or media.
func (u *UIMessage) HasContent() bool {
	return u.Text != "" || u.Media != nil
}

// ChatUIState maps each model message to its ordered UI segments and
// tracks the single segment allowed to hold active buttons. It is not safe
// for concurrent use; mutation happens under the chat's executor lock.
type ChatUIState struct {
	segments map[string][]*UIMessage
	// activeHolder is the only segment whose ActiveButtons may be
	// non-empty. Nil when no buttons are live.
	activeHolder *UIMessage
}

// NewChatUIState returns an empty UI state.
func NewChatUIState() *ChatUIState {
	return &ChatUIState{segments: make(map[string][]*UIMessage)}
}

// CreateInitialUIMessage installs segment 0 for the model message,
// discarding any prior segments, and optionally hands it the active
// buttons.
func (s *ChatUIState) CreateInitialUIMessage(model *ChatMessage, buttons []ButtonAction) *UIMessage {
	seg := &UIMessage{
		ParentModelID: model.ID,
		SegmentIndex:  0,
	}
	s.segments[model.ID] = []*UIMessage{seg}
	if len(buttons) > 0 {
		s.SetActiveButtons(seg, buttons)
	}
	return seg
}

// CreateNextSegment appends a further segment for the model message, index
// equal to the current count, optionally handing it the active buttons.
func (s *ChatUIState) CreateNextSegment(model *ChatMessage, buttons []ButtonAction) *UIMessage {
	existing := s.segments[model.ID]
	seg := &UIMessage{
		ParentModelID: model.ID,
		SegmentIndex:  len(existing),
	}
	s.segments[model.ID] = append(existing, seg)
	if len(buttons) > 0 {
		s.SetActiveButtons(seg, buttons)
	}
	return seg
}

// MarkAsSent records the messenger id on a confirmed segment.
func (s *ChatUIState) MarkAsSent(seg *UIMessage, messengerID int64) {
	seg.MessengerMessageID = messengerID
	seg.IsSent = true
}

// SetActiveButtons moves the active buttons to seg. Any previous holder is
// cleared first, so at most one segment across the chat carries buttons.
// An empty list clears seg's buttons.
func (s *ChatUIState) SetActiveButtons(seg *UIMessage, buttons []ButtonAction) {
	if len(buttons) == 0 {
		seg.ActiveButtons = nil
		if s.activeHolder == seg {
			s.activeHolder = nil
		}
		return
	}
	if s.activeHolder != nil && s.activeHolder != seg {
		s.activeHolder.ActiveButtons = nil
	}
	seg.ActiveButtons = append([]ButtonAction(nil), buttons...)
	s.activeHolder = seg
}

// ClearActiveButtons removes the active buttons from their current holder
// and returns that holder, or nil when no buttons were live.
func (s *ChatUIState) ClearActiveButtons() *UIMessage {
	holder := s.activeHolder
	if holder != nil {
		holder.ActiveButtons = nil
		s.activeHolder = nil
	}
	return holder
}

// ActiveButtonsHolder returns the segment currently holding the buttons,
// or nil.
func (s *ChatUIState) ActiveButtonsHolder() *UIMessage {
	return s.activeHolder
}

// GetSegments returns the segments of a model message in order. The slice
// is a copy; the segments are shared.
func (s *ChatUIState) GetSegments(modelID string) []*UIMessage {
	return append([]*UIMessage(nil), s.segments[modelID]...)
}

// LastSegment returns the last segment of a model message, or nil.
func (s *ChatUIState) LastSegment(modelID string) *UIMessage {
	segs := s.segments[modelID]
	if len(segs) == 0 {
		return nil
	}
	return segs[len(segs)-1]
}

// RemoveUIMessages removes every segment of a model message and returns
// them in original order. Callers delete them from the messenger in
// reverse. Active buttons held by any removed segment are cleared.
func (s *ChatUIState) RemoveUIMessages(modelID string) []*UIMessage {
	removed := s.segments[modelID]
	delete(s.segments, modelID)
	for _, seg := range removed {
		if s.activeHolder == seg {
			s.activeHolder = nil
		}
	}
	return removed
}

// RemoveLastUIMessage removes the last segment of a model message and
// returns it, or nil when the message has none. Clears active buttons if
// the removed segment held them.
func (s *ChatUIState) RemoveLastUIMessage(modelID string) *UIMessage {
	segs := s.segments[modelID]
	if len(segs) == 0 {
		return nil
	}
	last := segs[len(segs)-1]
	if len(segs) == 1 {
		delete(s.segments, modelID)
	} else {
		s.segments[modelID] = segs[:len(segs)-1]
	}
	if s.activeHolder == last {
		s.activeHolder = nil
	}
	return last
}

// SegmentCount returns the total number of segments across all model
// messages.
func (s *ChatUIState) SegmentCount() int {
	n := 0
	for _, segs := range s.segments {
		n += len(segs)
	}
	return n
}

// SplitTextByLength splits text into rune-safe chunks of maxLen; the last
// chunk is the remainder. Empty input yields one empty segment. A
// non-positive maxLen returns the whole text as a single segment.
func SplitTextByLength(text string, maxLen int) []string {
	if maxLen <= 0 || text == "" {
		return []string{text}
	}
	runes := []rune(text)
	var parts []string
	for start := 0; start < len(runes); start += maxLen {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
