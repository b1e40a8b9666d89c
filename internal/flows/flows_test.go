package flows

import (
	"strings"
	"testing"
)

const onboardingYAML = `
id: onboarding
title: Onboarding
agent_starts_first: true
completion_message: All done!
items:
  - id: intro
    title: Welcome
    text: Welcome to the workspace. Let's check a few things.
  - id: quiz
    title: Quick check
    widget:
      id: q1
      type: choice
      prompt: Which environment is production?
      options:
        - id: a
          label: staging
        - id: b
          label: prod-eu
      correct_option_id: b
    time_limit_seconds: 60
    warning_message: "10 seconds left"
    reveal_correct_answer: true
    feedback_on_correct: Nice.
    feedback_on_incorrect: Not quite.
`

func TestParseTemplate(t *testing.T) {
	tmpl, err := Parse([]byte(onboardingYAML))
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.ID != "onboarding" || !tmpl.AgentStartsFirst {
		t.Fatalf("template = %+v", tmpl)
	}
	if len(tmpl.Items) != 2 {
		t.Fatalf("items = %d", len(tmpl.Items))
	}
	quiz := tmpl.Items[1]
	if quiz.Widget == nil || quiz.Widget.Type != WidgetChoice || len(quiz.Widget.Options) != 2 {
		t.Fatalf("quiz widget = %+v", quiz.Widget)
	}
	if quiz.TimeLimitSeconds != 60 || !quiz.RevealCorrectAnswer {
		t.Fatalf("quiz flags = %+v", quiz)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"no id",
			`{title: X, items: [{id: a, text: hi}]}`,
			"no id",
		},
		{
			"no items",
			`{id: x, items: []}`,
			"no items",
		},
		{
			"empty item",
			`{id: x, items: [{id: a}]}`,
			"neither text nor widget",
		},
		{
			"duplicate item ids",
			`{id: x, items: [{id: a, text: hi}, {id: a, text: bye}]}`,
			"duplicate item id",
		},
		{
			"choice without options",
			`{id: x, items: [{id: a, widget: {id: w, type: choice}}]}`,
			"no options",
		},
		{
			"correct option missing",
			`{id: x, items: [{id: a, widget: {id: w, type: choice, options: [{id: o1, label: one}], correct_option_id: o9}}]}`,
			"not among options",
		},
		{
			"unknown widget type",
			`{id: x, items: [{id: a, widget: {id: w, type: carousel}}]}`,
			"unknown type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestScoreChoice(t *testing.T) {
	w := &Widget{
		ID:   "q1",
		Type: WidgetChoice,
		Options: []Option{
			{ID: "a", Label: "staging"},
			{ID: "b", Label: "prod-eu"},
		},
		CorrectOptionID: "b",
	}

	result, ok := Score(w, "b")
	if !ok || !result.Correct || result.CorrectLabel != "prod-eu" {
		t.Fatalf("correct answer: %+v ok=%v", result, ok)
	}

	result, ok = Score(w, "a")
	if !ok || result.Correct {
		t.Fatalf("wrong answer: %+v ok=%v", result, ok)
	}
}

func TestScoreNotApplicable(t *testing.T) {
	if _, ok := Score(&Widget{ID: "t", Type: WidgetTextInput}, "anything"); ok {
		t.Fatal("text input should not score")
	}
	choiceNoKey := &Widget{ID: "c", Type: WidgetChoice, Options: []Option{{ID: "a"}}}
	if _, ok := Score(choiceNoKey, "a"); ok {
		t.Fatal("unkeyed choice should not score")
	}
	if _, ok := Score(nil, "x"); ok {
		t.Fatal("nil widget should not score")
	}
}

func TestItemFeedbackAndWarningLead(t *testing.T) {
	item := Item{FeedbackOnCorrect: "yes", FeedbackOnIncorrect: "no"}
	if item.Feedback(true) != "yes" || item.Feedback(false) != "no" {
		t.Fatalf("feedback = %q / %q", item.Feedback(true), item.Feedback(false))
	}
	if item.WarningLead() != 10 {
		t.Fatalf("default warning lead = %d", item.WarningLead())
	}
	item.WarningSeconds = 5
	if item.WarningLead() != 5 {
		t.Fatalf("warning lead = %d", item.WarningLead())
	}
}
