package agent

import "testing"

func TestShapeReplyStripsNoReplyToken(t *testing.T) {
	got, suppress := ShapeReply("NO_REPLY", "NO_REPLY", false)
	if !suppress || got != "" {
		t.Errorf("bare token: got %q suppress=%v", got, suppress)
	}

	got, suppress = ShapeReply("Here you go NO_REPLY", "NO_REPLY", false)
	if suppress || got != "Here you go" {
		t.Errorf("mixed token: got %q suppress=%v", got, suppress)
	}

	got, suppress = ShapeReply("  plain answer  ", "NO_REPLY", false)
	if suppress || got != "plain answer" {
		t.Errorf("plain: got %q suppress=%v", got, suppress)
	}
}

func TestShapeReplySuppressesDuplicateConfirmations(t *testing.T) {
	cases := []string{
		"Message sent",
		"Done.",
		"All set!",
		"I've sent the message.",
		"The message has been delivered.",
	}
	for _, c := range cases {
		if _, suppress := ShapeReply(c, "NO_REPLY", true); !suppress {
			t.Errorf("%q not suppressed after message tool sent", c)
		}
	}

	// Without a prior message-tool send the same text must pass through.
	for _, c := range cases {
		if got, suppress := ShapeReply(c, "NO_REPLY", false); suppress || got == "" {
			t.Errorf("%q wrongly suppressed without message tool", c)
		}
	}
}

func TestShapeReplyKeepsSubstantiveReplies(t *testing.T) {
	text := "Done. The deployment finished and all three services are healthy."
	got, suppress := ShapeReply(text, "NO_REPLY", true)
	if suppress || got != text {
		t.Errorf("substantive reply altered: %q suppress=%v", got, suppress)
	}
}

func TestEmptyReplyIsNotSuppression(t *testing.T) {
	got, suppress := ShapeReply("   ", "NO_REPLY", false)
	if suppress {
		t.Error("whitespace reply must not suppress, it triggers the nudge")
	}
	if got != "" {
		t.Errorf("got %q", got)
	}
}
