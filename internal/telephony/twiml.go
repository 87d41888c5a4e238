package telephony

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// RenderTwiML serializes a directive as a carrier voice-response document.
// actionURL is where the carrier posts the resulting recording.
func RenderTwiML(d *Directive, actionURL string) string {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString("<Response>")
	for _, locator := range d.Play {
		sb.WriteString("<Play>")
		xml.EscapeText(&sb, []byte(locator))
		sb.WriteString("</Play>")
	}
	switch {
	case d.Hangup:
		sb.WriteString("<Hangup/>")
	case d.Record != nil:
		sb.WriteString(fmt.Sprintf(
			`<Record action=%q method="POST" maxLength="%d" timeout="%d" playBeep="false"/>`,
			actionURL,
			int(d.Record.MaxDuration.Seconds()),
			int(d.Record.SilenceTimeout.Seconds()),
		))
	}
	sb.WriteString("</Response>")
	return sb.String()
}

// RenderReject returns a response document that declines the call outright.
func RenderReject() string {
	return xml.Header + "<Response><Reject/></Response>"
}
