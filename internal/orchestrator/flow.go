package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/pkg/models"
)

// flowRun presents one template: items in order, text streamed in paced
// chunks, widgets answered by the client or forced along by their time
// limit. It owns its goroutine; the session reaches in through deliver,
// pause, resume, and cancel.
type flowRun struct {
	s        *Session
	tpl      *flows.Template
	ctx      context.Context
	cancelFn context.CancelFunc

	widgetCh chan *models.WidgetResponsePayload

	mu       sync.Mutex
	idx      int
	paused   bool
	waiting  bool
	resumeCh chan struct{}
	done     bool
}

func (f *flowRun) finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// stateHint is the session phase the flow expects while it is live.
func (f *flowRun) stateHint() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waiting {
		return StateWaitingForWidget
	}
	return StatePresenting
}

// chatHint reports whether the current item allows free-text input.
func (f *flowRun) chatHint() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx < len(f.tpl.Items) {
		return f.tpl.Items[f.idx].EnableChatInput
	}
	return true
}

func (f *flowRun) pause() {
	f.mu.Lock()
	if !f.paused {
		f.paused = true
		f.resumeCh = make(chan struct{})
	}
	f.mu.Unlock()
}

func (f *flowRun) resume() {
	f.mu.Lock()
	if f.paused {
		f.paused = false
		close(f.resumeCh)
	}
	f.mu.Unlock()
}

func (f *flowRun) cancel() {
	f.cancelFn()
	f.resume()
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
}

// deliver hands a widget response to the waiting item. Returns false when
// the flow is not waiting or the response names a different item.
func (f *flowRun) deliver(resp *models.WidgetResponsePayload) bool {
	f.mu.Lock()
	waiting := f.waiting
	var currentItem string
	if f.idx < len(f.tpl.Items) {
		currentItem = f.tpl.Items[f.idx].ID
	}
	f.mu.Unlock()
	if !waiting || resp == nil || resp.ItemID != currentItem {
		return false
	}
	select {
	case f.widgetCh <- resp:
		return true
	default:
		return false
	}
}

// waitIfPaused blocks while the flow is paused. Returns false on cancel.
func (f *flowRun) waitIfPaused() bool {
	for {
		f.mu.Lock()
		if !f.paused {
			f.mu.Unlock()
			return f.ctx.Err() == nil
		}
		ch := f.resumeCh
		f.mu.Unlock()
		select {
		case <-f.ctx.Done():
			return false
		case <-ch:
		}
	}
}

func (f *flowRun) run() {
	defer func() {
		f.mu.Lock()
		f.done = true
		f.mu.Unlock()
	}()

	total := len(f.tpl.Items)
	for {
		f.mu.Lock()
		i := f.idx
		f.mu.Unlock()
		if i >= total {
			break
		}
		if !f.waitIfPaused() {
			return
		}
		item := &f.tpl.Items[i]
		if !f.presentItem(item, i, total) {
			return
		}
		f.mu.Lock()
		f.idx++
		f.mu.Unlock()
	}

	f.complete()
}

func (f *flowRun) presentItem(item *flows.Item, i, total int) bool {
	f.s.setState(StatePresenting)
	f.s.sendFrame(models.NewFrame(models.FrameItemContext, f.s.ConversationID,
		models.ItemContextPayload{
			ItemIndex:       i,
			Total:           total,
			Title:           item.Title,
			EnableChatInput: item.EnableChatInput,
		}))
	f.s.setChatInput(item.EnableChatInput)

	if item.Text != "" {
		if !f.streamText(item.Text) {
			return false
		}
		f.persistAssistant(item.Text)
	}

	if item.Widget != nil {
		return f.runWidget(item)
	}
	return true
}

// streamText paces the text out in fixed-size rune chunks, terminated by a
// flow content-complete frame.
func (f *flowRun) streamText(text string) bool {
	msgID := uuid.NewString()
	size := f.s.o.opts.FlowCfg.ChunkSize
	interval := f.s.o.opts.FlowCfg.ChunkInterval

	runes := []rune(text)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		f.s.sendFrame(models.NewFrame(models.FrameContentChunk, f.s.ConversationID,
			models.ContentChunkPayload{
				Content:   string(runes[start:end]),
				MessageID: msgID,
				Final:     end == len(runes),
			}))
		if end < len(runes) && !f.sleep(interval) {
			return false
		}
	}
	f.s.sendFrame(models.NewFrame(models.FrameContentCompleteFlow, f.s.ConversationID,
		models.ContentCompletePayload{
			MessageID:   msgID,
			Role:        models.RoleAssistant,
			FullContent: text,
		}))
	return true
}

func (f *flowRun) sleep(d time.Duration) bool {
	if d <= 0 {
		return f.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runWidget shows the widget, arms the time-limit timers, and waits for an
// answer or the forced advance.
func (f *flowRun) runWidget(item *flows.Item) bool {
	w := item.Widget
	props, _ := json.Marshal(struct {
		Prompt  string         `json:"prompt,omitempty"`
		Options []flows.Option `json:"options,omitempty"`
	}{Prompt: w.Prompt, Options: w.Options})

	f.mu.Lock()
	f.waiting = true
	f.mu.Unlock()
	f.s.setState(StateWaitingForWidget)

	f.s.sendFrame(models.NewFrame(models.FrameWidgetShow, f.s.ConversationID,
		models.WidgetShowPayload{
			ItemID:     item.ID,
			WidgetID:   w.ID,
			WidgetType: w.Type,
			Props:      props,
		}))

	var warnTimer, limitTimer *time.Timer
	var limitCh <-chan time.Time
	if item.TimeLimitSeconds > 0 {
		lead := item.WarningLead()
		if lead > item.TimeLimitSeconds {
			lead = item.TimeLimitSeconds
		}
		warnAfter := time.Duration(item.TimeLimitSeconds-lead) * time.Second
		warnTimer = time.AfterFunc(warnAfter, func() {
			f.s.sendFrame(models.NewFrame(models.FrameExpirationWarning, f.s.ConversationID,
				models.ExpirationWarningPayload{
					ItemID:           item.ID,
					Message:          item.WarningMessage,
					SecondsRemaining: lead,
				}))
		})
		limitTimer = time.NewTimer(time.Duration(item.TimeLimitSeconds) * time.Second)
		limitCh = limitTimer.C
	}
	defer func() {
		if warnTimer != nil {
			warnTimer.Stop()
		}
		if limitTimer != nil {
			limitTimer.Stop()
		}
		f.mu.Lock()
		f.waiting = false
		f.mu.Unlock()
	}()

	select {
	case <-f.ctx.Done():
		return false
	case <-limitCh:
		// Forced advance: the item proceeds without an answer.
		f.persistUser("(no response)")
		return true
	case resp := <-f.widgetCh:
		return f.handleResponse(item, resp)
	}
}

func (f *flowRun) handleResponse(item *flows.Item, resp *models.WidgetResponsePayload) bool {
	value := widgetValue(resp.Value)
	answer := value
	if opt := optionLabel(item.Widget, value); opt != "" {
		answer = opt
	}
	f.persistUser(answer)

	score, scored := flows.Score(item.Widget, value)
	if !scored {
		return true
	}

	var reply strings.Builder
	if feedback := item.Feedback(score.Correct); feedback != "" {
		reply.WriteString(feedback)
	}
	if item.RevealCorrectAnswer && !score.Correct {
		if reply.Len() > 0 {
			reply.WriteString(" ")
		}
		reply.WriteString(fmt.Sprintf("The correct answer was %q.", score.CorrectLabel))
	}
	if reply.Len() == 0 {
		return true
	}
	if !f.streamText(reply.String()) {
		return false
	}
	f.persistAssistant(reply.String())
	return true
}

func (f *flowRun) complete() {
	if msg := f.tpl.CompletionMessage; msg != "" {
		if !f.streamText(msg) {
			return
		}
		f.persistAssistant(msg)
	}
	f.s.saveConversation(f.ctx)
	f.s.setState(StateActive)
	f.s.setChatInput(true)
}

// Synthetic conversation messages keep the flow's exchanges in the agent's
// context for later turns.
func (f *flowRun) persistAssistant(content string) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, err := f.s.conv.AddAssistantMessage(content, models.MessageStatusCompleted); err != nil {
		f.s.o.warn(f.ctx, "persist flow message failed", "error", err)
	}
}

func (f *flowRun) persistUser(content string) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, err := f.s.conv.AddUserMessage(content); err != nil {
		f.s.o.warn(f.ctx, "persist widget answer failed", "error", err)
	}
}

// widgetValue flattens the client's answer to a comparable string. String
// values arrive JSON-quoted; anything else is used verbatim.
func widgetValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func optionLabel(w *flows.Widget, optionID string) string {
	if w == nil {
		return ""
	}
	for _, opt := range w.Options {
		if opt.ID == optionID {
			return opt.Label
		}
	}
	return ""
}
