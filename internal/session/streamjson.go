package session

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Envelope types emitted by the CLI in stream-json mode.
const (
	envAssistant   = "assistant"
	envResult      = "result"
	envError       = "error"
	envStreamEvent = "stream_event"
)

var errMalformedLine = errors.New("malformed stream-json line")

// parseEnvelope validates one stream-json line and returns it as a gjson
// result for field lookups.
func parseEnvelope(line []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(line) {
		return gjson.Result{}, errMalformedLine
	}
	env := gjson.ParseBytes(line)
	if !env.IsObject() {
		return gjson.Result{}, errMalformedLine
	}
	return env, nil
}

// outputText extracts the display text of an envelope. Envelopes that carry
// no display text, such as system or stream events, yield "".
func outputText(env gjson.Result) string {
	switch env.Get("type").String() {
	case envAssistant:
		return contentText(env.Get("message.content"))
	case envResult:
		return env.Get("result").String()
	case envError:
		if msg := errorText(env.Get("error")); msg != "" {
			return "[ERROR] " + msg
		}
	}
	return ""
}

// contentText accepts both a plain string and an array of content blocks,
// keeping only the text blocks.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var b strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

func errorText(v gjson.Result) string {
	if v.IsObject() {
		if msg := v.Get("message"); msg.Exists() {
			return msg.String()
		}
	}
	return v.String()
}
