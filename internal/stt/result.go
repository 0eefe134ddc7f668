package stt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome classifies how a recognition attempt ended.
type Outcome string

const (
	OutcomeText           Outcome = "text"
	OutcomeEmpty          Outcome = "empty"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeNoAudio        Outcome = "no_audio"
)

// Result is the single outcome of one attempt. Err carries the detail for
// every outcome but OutcomeText.
type Result struct {
	Outcome Outcome
	Text    string
	Err     error
}

// Value reduces the result to what callers see: the text, or nothing.
func (r Result) Value() (string, bool) {
	if r.Outcome == OutcomeText {
		return r.Text, true
	}
	return "", false
}

// Callback receives the recognized text, with ok false when nothing was
// recognized for any reason.
type Callback func(text string, ok bool)

type finalResult struct {
	Text *string `json:"text"`
}

func parseFinalResult(raw string) (string, error) {
	var res finalResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", fmt.Errorf("%w: decode result: %v", ErrTransport, err)
	}
	if res.Text == nil {
		return "", fmt.Errorf("%w: result has no text field: %s", ErrTransport, raw)
	}
	return strings.TrimSpace(*res.Text), nil
}
