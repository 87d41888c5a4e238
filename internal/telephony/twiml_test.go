package telephony

import (
	"strings"
	"testing"
	"time"
)

func TestRenderTwiMLRecord(t *testing.T) {
	d := &Directive{
		Play:   []string{"https://example.com/media/reply.wav"},
		Record: &RecordParams{MaxDuration: 30 * time.Second, SilenceTimeout: 5 * time.Second},
	}
	doc := RenderTwiML(d, "https://example.com/calls/recording")

	for _, want := range []string{
		"<Play>https://example.com/media/reply.wav</Play>",
		`action="https://example.com/calls/recording"`,
		`maxLength="30"`,
		`timeout="5"`,
		`playBeep="false"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("missing %q in %s", want, doc)
		}
	}
	if strings.Contains(doc, "<Hangup/>") {
		t.Error("record directive must not hang up")
	}
}

func TestRenderTwiMLHangup(t *testing.T) {
	doc := RenderTwiML(&Directive{Play: []string{"/media/closing.wav"}, Hangup: true}, "")
	if !strings.Contains(doc, "<Hangup/>") {
		t.Errorf("missing hangup: %s", doc)
	}
	if strings.Contains(doc, "<Record") {
		t.Error("hangup directive must not record")
	}
	if idx := strings.Index(doc, "<Play>"); idx == -1 || idx > strings.Index(doc, "<Hangup/>") {
		t.Error("closing audio must play before hangup")
	}
}

func TestRenderTwiMLEscapesLocators(t *testing.T) {
	doc := RenderTwiML(&Directive{Play: []string{"/media/a.wav?x=1&y=2"}}, "")
	if !strings.Contains(doc, "x=1&amp;y=2") {
		t.Errorf("locator not escaped: %s", doc)
	}
}
