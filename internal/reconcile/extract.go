package reconcile

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/telephony"
)

// findings collects what one waterfall source discovered. Within a source
// the first value found for a field wins unless noted otherwise.
type findings struct {
	transcript   []string
	summary      string
	outcome      string
	recordingURL string
	duration     *int
	notes        []string

	appointmentAt string
	callbackAt    string
}

func (f *findings) setSummary(s string) {
	if f.summary == "" {
		f.summary = strings.TrimSpace(s)
	}
}

func (f *findings) setOutcome(s string) {
	if f.outcome == "" {
		f.outcome = strings.TrimSpace(s)
	}
}

// apply converts findings into fill-empty writes against c, skipping fields
// an earlier step already filled in p. It returns trace lines for what it
// added.
func (f *findings) apply(c calls.Call, p *calls.Patch, source string) []string {
	var lines []string
	if len(f.transcript) > 0 && c.Transcript == "" && p.Transcript == nil {
		p.Transcript = calls.Ptr(strings.Join(f.transcript, "\n"))
		lines = append(lines, fmt.Sprintf("%s: transcript (%d parts)", source, len(f.transcript)))
	}
	if f.summary != "" && c.Summary == "" && p.Summary == nil {
		p.Summary = calls.Ptr(f.summary)
		lines = append(lines, source+": summary")
	}
	if f.outcome != "" && c.Outcome == "" && p.Outcome == nil {
		if o, ok := calls.ParseOutcome(f.outcome); ok {
			p.Outcome = &o
			lines = append(lines, fmt.Sprintf("%s: outcome %s", source, o))
		} else {
			lines = append(lines, fmt.Sprintf("%s: unrecognized outcome %q", source, f.outcome))
		}
	}
	if f.recordingURL != "" && c.RecordingURL == "" && p.RecordingURL == nil {
		p.RecordingURL = calls.Ptr(f.recordingURL)
		lines = append(lines, source+": recording url")
	}
	if f.duration != nil && c.DurationSeconds == nil && p.DurationSeconds == nil {
		p.DurationSeconds = f.duration
		lines = append(lines, fmt.Sprintf("%s: duration %ds", source, *f.duration))
	}
	if f.appointmentAt != "" && c.AppointmentAt == "" && p.AppointmentAt == nil {
		p.AppointmentAt = calls.Ptr(f.appointmentAt)
		lines = append(lines, source+": appointment time")
	}
	if f.callbackAt != "" && c.CallbackPreferredAt == "" && p.CallbackPreferredAt == nil {
		p.CallbackPreferredAt = calls.Ptr(f.callbackAt)
		lines = append(lines, source+": callback time")
	}
	return append(lines, f.notes...)
}

// replayEvent re-parses a stored webhook into the event the ingestor saw.
// Rows that are not provider webhooks (placement failures, unknown
// providers) report false.
func replayEvent(e calls.CallEvent) (telephony.Event, bool) {
	switch e.Provider {
	case "telnyx":
		ev, err := telephony.ParseTelnyxWebhook(e.Payload, e.OccurredAt)
		if err != nil {
			return telephony.Event{}, false
		}
		return ev, true
	case "twilio":
		var form telephony.TwilioStatusForm
		if err := json.Unmarshal(e.Payload, &form); err != nil || form.CallSid == "" {
			return telephony.Event{}, false
		}
		return form.ToEvent(e.OccurredAt), true
	}
	return telephony.Event{}, false
}

// fromLocalEvents extracts derived fields from the stored event log the way
// the ingestor applied them: the first outcome signal wins, summaries
// accumulate and redelivered events count once.
func fromLocalEvents(events []calls.CallEvent) findings {
	var f findings
	var summaries []string
	seen := map[string]bool{}
	for _, row := range events {
		if row.EventID != "" {
			if seen[row.EventID] {
				continue
			}
			seen[row.EventID] = true
		}
		ev, ok := replayEvent(row)
		if !ok {
			continue
		}
		switch ev.Kind {
		case telephony.EventTranscription:
			if t := strings.TrimSpace(ev.TranscriptText); t != "" {
				f.transcript = append(f.transcript, t)
			}
		case telephony.EventConversationEnded:
			if s := strings.TrimSpace(ev.Summary); s != "" {
				summaries = append(summaries, s)
			}
		case telephony.EventFunctionCall:
			o, ok := calls.ParseOutcome(ev.FunctionName)
			if !ok || f.outcome != "" {
				continue
			}
			f.outcome = string(o)
			switch ev.FunctionName {
			case telephony.FuncScheduleAppointment:
				f.appointmentAt = ev.AppointmentTime()
			case telephony.FuncRequestCallback:
				f.callbackAt = ev.CallbackTime()
			}
		case telephony.EventMachineDetection:
			if ev.IsMachine() {
				f.setOutcome(string(calls.OutcomeVoicemail))
			}
		case telephony.EventRecordingSaved:
			if ev.RecordingURL != "" && f.recordingURL == "" {
				f.recordingURL = ev.RecordingURL
			}
		case telephony.EventHangup:
			if ev.DurationSeconds != nil && f.duration == nil {
				f.duration = ev.DurationSeconds
			}
		}
	}
	f.summary = strings.Join(summaries, "\n\n")
	return f
}

// callIdentity is what a provider event must reference to belong to a call.
type callIdentity struct {
	callControlID string
	legID         string
	sessionID     string
}

func (id callIdentity) matches(e telephony.ProviderEvent, body map[string]any) bool {
	eq := func(a, b string) bool { return a != "" && a == b }
	return eq(str(body, "call_control_id"), id.callControlID) ||
		eq(str(body, "call_leg_id"), id.legID) ||
		eq(str(body, "call_session_id"), id.sessionID) ||
		eq(e.LegID, id.legID) ||
		eq(e.SessionID, id.sessionID)
}

// fromProviderEvents extracts derived fields from the provider's event
// history, keeping only events that reference the call.
func fromProviderEvents(events []telephony.ProviderEvent, id callIdentity) (findings, int) {
	var f findings
	matched := 0
	for _, e := range events {
		body := map[string]any{}
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &body)
		}
		if !id.matches(e, body) {
			continue
		}
		matched++

		switch e.Name {
		case "conversation_ended":
			if t, ok := body["transcript"]; ok && t != nil {
				s, isStr := t.(string)
				if !isStr {
					b, _ := json.MarshalIndent(t, "", "  ")
					s = string(b)
				}
				if len(s) > 10 {
					f.transcript = append(f.transcript, s)
				}
			}
			if msgs := messageTranscript(body["messages"]); msgs != "" {
				f.transcript = append(f.transcript, msgs)
			}
			// The conversation's own summary beats any insight summary.
			if s := firstStr(body, "summary", "conversation_summary"); s != "" {
				f.summary = s
			}

		case "conversation_insights_generated":
			f.setSummary(str(body, "summary"))
			if s := str(body, "sentiment"); s != "" {
				f.notes = append(f.notes, "sentiment: "+s)
			}
			if cats := strList(body["categories"]); len(cats) > 0 {
				f.notes = append(f.notes, "categories: "+strings.Join(cats, ", "))
			}
			if o := firstStr(body, "disposition", "outcome"); o != "" {
				f.outcome = o
			}
			if f.summary == "" && body["insights"] != nil {
				if s, ok := body["insights"].(string); ok {
					f.setSummary(s)
				} else {
					b, _ := json.Marshal(body["insights"])
					f.setSummary(string(b))
				}
			}

		case "call_hangup", "call.hangup":
			if d := durationOf(e, body); d != nil {
				f.duration = d
			}

		case "call_analyzed":
			f.setSummary(firstStr(body, "summary", "analysis_summary"))
			if s := str(body, "sentiment"); s != "" {
				f.notes = append(f.notes, "sentiment: "+s)
			}
			f.setOutcome(firstStr(body, "outcome", "disposition"))

		case "call.machine.detection.ended", "call.machine.premium.detection.ended":
			if str(body, "result") == "machine" {
				f.outcome = string(calls.OutcomeVoicemail)
			}

		case "call.recording.saved":
			if u := nestedStr(body, "recording_urls", "mp3"); u != "" {
				f.recordingURL = u
			} else if u := nestedStr(body, "public_recording_urls", "mp3"); u != "" {
				f.recordingURL = u
			}

		case "call.transcription":
			if t := nestedStr(body, "transcription_data", "transcript"); t != "" {
				f.transcript = append(f.transcript, t)
			} else if t := str(body, "transcript"); t != "" {
				f.transcript = append(f.transcript, t)
			}

		case "playback_started", "playback_ended":
			if t := str(body, "text"); t != "" {
				f.transcript = append(f.transcript, "AI: "+t)
			}
		}
	}
	return f, matched
}

func messageTranscript(v any) string {
	msgs, ok := v.([]any)
	if !ok {
		return ""
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		who := "Contact"
		if str(obj, "role") == "assistant" {
			who = "AI"
		}
		lines = append(lines, who+": "+str(obj, "content"))
	}
	return strings.Join(lines, "\n")
}

// durationOf reads an explicit duration or derives it from answer to hangup.
func durationOf(e telephony.ProviderEvent, body map[string]any) *int {
	for _, k := range []string{"duration_secs", "duration_seconds", "call_duration"} {
		if n, ok := body[k].(float64); ok && n > 0 {
			d := int(math.Round(n))
			return &d
		}
	}
	answered, err := time.Parse(time.RFC3339Nano, str(body, "answered_time"))
	if err != nil {
		return nil
	}
	end := e.OccurredAt
	if t, err := time.Parse(time.RFC3339Nano, str(body, "hangup_cause_time")); err == nil {
		end = t
	}
	if end.IsZero() {
		return nil
	}
	if diff := end.Sub(answered).Seconds(); diff > 0 {
		d := int(math.Round(diff))
		return &d
	}
	return nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m, k); s != "" {
			return s
		}
	}
	return ""
}

func nestedStr(m map[string]any, outer, inner string) string {
	obj, ok := m[outer].(map[string]any)
	if !ok {
		return ""
	}
	return str(obj, inner)
}

func strList(v any) []string {
	xs, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if s, ok := x.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
