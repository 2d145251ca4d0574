package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// repairedConfidence caps the confidence of an answer recovered from a tool
// call the model wrote as text.
const repairedConfidence = 80

var (
	finalReplyCall  = regexp.MustCompile(`(?s)send_final_reply\s*\((.*)\)`)
	messageArgument = regexp.MustCompile(`(?s)message"?\s*[=:]\s*"((?:[^"\\]|\\.)*)"`)
	quotedArgument  = regexp.MustCompile(`(?s)"((?:[^"\\]|\\.)*)"`)
	confidenceArg   = regexp.MustCompile(`confidence"?\s*[=:]\s*(\d+(?:\.\d+)?)`)
)

// repairFinalReply recovers the customer-facing message from text in which
// the model wrote a send_final_reply call instead of invoking the tool.
func repairFinalReply(text string) (string, float64, bool) {
	m := finalReplyCall.FindStringSubmatch(text)
	if m == nil {
		return "", 0, false
	}
	args := strings.TrimSpace(m[1])

	message := ""
	confidence := float64(repairedConfidence)

	var obj struct {
		Message    string   `json:"message"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(args), &obj); err == nil && obj.Message != "" {
		message = obj.Message
		if obj.Confidence != nil && *obj.Confidence < confidence {
			confidence = *obj.Confidence
		}
	} else {
		if sm := messageArgument.FindStringSubmatch(args); sm != nil {
			message = unquote(sm[1])
		} else if sm := quotedArgument.FindStringSubmatch(args); sm != nil {
			message = unquote(sm[1])
		}
		if cm := confidenceArg.FindStringSubmatch(args); cm != nil {
			if c, err := strconv.ParseFloat(cm[1], 64); err == nil && c < confidence {
				confidence = c
			}
		}
	}

	message = strings.TrimSpace(message)
	if message == "" {
		return "", 0, false
	}
	return message, confidence, true
}

func unquote(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}
