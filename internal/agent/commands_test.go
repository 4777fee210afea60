package agent

import "testing"

func TestIsSessionCommand(t *testing.T) {
	cases := map[string]bool{
		"/cancel":          true,
		"/status":          true,
		"/reset":           true,
		"/think":           true,
		"/think high":      true,
		"/think:medium":    true,
		"  /CANCEL  ":      true,
		"/cancellation":    false,
		"tell me a joke":   false,
		"what is /status?": false,
		"":                 false,
	}
	for content, want := range cases {
		if got := IsSessionCommand(content); got != want {
			t.Errorf("IsSessionCommand(%q) = %v, want %v", content, got, want)
		}
	}
}

func TestStripInlineThink(t *testing.T) {
	content, mode := stripInlineThink("/think:high plan the trip")
	if mode != "high" || content != "plan the trip" {
		t.Errorf("got (%q, %q)", content, mode)
	}

	content, mode = stripInlineThink("/think:warp do it")
	if mode != "" || content != "/think:warp do it" {
		t.Errorf("invalid mode must pass through: (%q, %q)", content, mode)
	}

	content, mode = stripInlineThink("ordinary message")
	if mode != "" || content != "ordinary message" {
		t.Errorf("got (%q, %q)", content, mode)
	}

	content, mode = stripInlineThink("/think:off")
	if mode != "off" || content != "" {
		t.Errorf("bare mode switch: (%q, %q)", content, mode)
	}
}

func TestSteerInjectionFormat(t *testing.T) {
	s := steerInjection([]steerEntry{
		{Text: "check the logs first", Source: SteerInbound},
		{Text: "then stop", Source: SteerAPI},
	})
	want := "[system: steer update received during run. Incorporate the following before continuing.]\n1. [inbound] check the logs first\n2. [api] then stop"
	if s != want {
		t.Errorf("injection = %q", s)
	}
}

func TestSteerBuffersDrainOnce(t *testing.T) {
	b := NewSteerBuffers()
	b.Append("r1", "a", SteerInbound)
	b.Append("r1", "b", SteerAPI)
	b.Append("r2", "c", SteerInbound)

	got := b.Drain("r1")
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("drain = %+v", got)
	}
	if again := b.Drain("r1"); len(again) != 0 {
		t.Errorf("second drain = %+v", again)
	}
	if other := b.Drain("r2"); len(other) != 1 || other[0].Text != "c" {
		t.Errorf("r2 drain = %+v", other)
	}
}
