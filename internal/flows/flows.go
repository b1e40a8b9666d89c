// Package flows holds scripted conversation templates: ordered items of
// text and widgets that the orchestrator presents proactively, with
// server-side scoring for choice widgets.
package flows

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Widget types with fixed semantics. Choice widgets score server-side;
// the rest collect free-form answers.
const (
	WidgetChoice    = "choice"
	WidgetTextInput = "text_input"
	WidgetScale     = "scale"
)

// Template is one scripted flow bound to a conversation. When
// AgentStartsFirst is set the orchestrator presents it before enabling
// chat input.
type Template struct {
	ID                string `yaml:"id"`
	Title             string `yaml:"title"`
	Description       string `yaml:"description"`
	AgentStartsFirst  bool   `yaml:"agent_starts_first"`
	CompletionMessage string `yaml:"completion_message"`
	Items             []Item `yaml:"items"`
}

// Item is one presentation step: optional text content, an optional widget,
// and timing/feedback flags.
type Item struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Text  string `yaml:"text"`

	Widget *Widget `yaml:"widget"`

	EnableChatInput bool `yaml:"enable_chat_input"`

	// TimeLimitSeconds bounds how long the item waits for a widget
	// response. Zero means no limit. WarningSeconds is the lead time for
	// the expiration warning before the forced advance (default 10).
	TimeLimitSeconds int    `yaml:"time_limit_seconds"`
	WarningSeconds   int    `yaml:"warning_seconds"`
	WarningMessage   string `yaml:"warning_message"`

	RevealCorrectAnswer bool   `yaml:"reveal_correct_answer"`
	FeedbackOnCorrect   string `yaml:"feedback_on_correct"`
	FeedbackOnIncorrect string `yaml:"feedback_on_incorrect"`
}

// Widget is the interactive element of an item.
type Widget struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Prompt string `yaml:"prompt"`

	// Options apply to choice widgets only.
	Options         []Option `yaml:"options"`
	CorrectOptionID string   `yaml:"correct_option_id"`
}

// Option is one selectable answer of a choice widget.
type Option struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

// Parse decodes and validates one YAML template document.
func Parse(data []byte) (*Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if err := Validate(&tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Validate checks structural invariants: non-empty id and items, unique
// item and widget ids, and choice widgets whose correct option exists.
func Validate(tmpl *Template) error {
	if tmpl.ID == "" {
		return fmt.Errorf("template has no id")
	}
	if len(tmpl.Items) == 0 {
		return fmt.Errorf("template %s has no items", tmpl.ID)
	}

	itemIDs := make(map[string]struct{}, len(tmpl.Items))
	widgetIDs := make(map[string]struct{})
	for i := range tmpl.Items {
		item := &tmpl.Items[i]
		if item.ID == "" {
			return fmt.Errorf("template %s: item %d has no id", tmpl.ID, i)
		}
		if _, dup := itemIDs[item.ID]; dup {
			return fmt.Errorf("template %s: duplicate item id %s", tmpl.ID, item.ID)
		}
		itemIDs[item.ID] = struct{}{}

		if item.Text == "" && item.Widget == nil {
			return fmt.Errorf("template %s: item %s has neither text nor widget", tmpl.ID, item.ID)
		}

		w := item.Widget
		if w == nil {
			continue
		}
		if w.ID == "" {
			return fmt.Errorf("template %s: item %s widget has no id", tmpl.ID, item.ID)
		}
		if _, dup := widgetIDs[w.ID]; dup {
			return fmt.Errorf("template %s: duplicate widget id %s", tmpl.ID, w.ID)
		}
		widgetIDs[w.ID] = struct{}{}

		switch w.Type {
		case WidgetChoice:
			if len(w.Options) == 0 {
				return fmt.Errorf("template %s: choice widget %s has no options", tmpl.ID, w.ID)
			}
			if w.CorrectOptionID != "" && optionByID(w.Options, w.CorrectOptionID) == nil {
				return fmt.Errorf("template %s: widget %s correct option %s not among options",
					tmpl.ID, w.ID, w.CorrectOptionID)
			}
		case WidgetTextInput, WidgetScale:
		case "":
			return fmt.Errorf("template %s: widget %s has no type", tmpl.ID, w.ID)
		default:
			return fmt.Errorf("template %s: widget %s has unknown type %s", tmpl.ID, w.ID, w.Type)
		}
	}
	return nil
}

// ScoreResult is the outcome of server-side answer evaluation.
type ScoreResult struct {
	Correct         bool
	CorrectOptionID string
	CorrectLabel    string
}

// Score evaluates a widget answer. The second return is false when the
// widget type has no notion of correctness (free text, scales, or choice
// widgets without a keyed answer).
func Score(w *Widget, value string) (ScoreResult, bool) {
	if w == nil || w.Type != WidgetChoice || w.CorrectOptionID == "" {
		return ScoreResult{}, false
	}
	result := ScoreResult{
		Correct:         value == w.CorrectOptionID,
		CorrectOptionID: w.CorrectOptionID,
	}
	if opt := optionByID(w.Options, w.CorrectOptionID); opt != nil {
		result.CorrectLabel = opt.Label
	}
	return result, true
}

// Feedback returns the item's feedback line for a scored answer, or empty
// when the item defines none.
func (item *Item) Feedback(correct bool) string {
	if correct {
		return item.FeedbackOnCorrect
	}
	return item.FeedbackOnIncorrect
}

// WarningLead returns how long before expiry the warning fires.
func (item *Item) WarningLead() int {
	if item.WarningSeconds > 0 {
		return item.WarningSeconds
	}
	return 10
}

func optionByID(options []Option, id string) *Option {
	for i := range options {
		if options[i].ID == id {
			return &options[i]
		}
	}
	return nil
}
