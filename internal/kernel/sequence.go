package kernel

import "strings"

// agentMsgPrefix is the single envelope stripped, if present, before
// sequence parsing (spec §4.7, §6).
const agentMsgPrefix = "[AGENT MSG - reply via hm-send.js] "

// sessionResetMarker appearing anywhere in the body alongside sequence
// N=1 resets the sender's lastSeen for that recipient (spec §4.7).
const sessionResetMarker = "[SESSION-RESET]"

// Sequenced is a parsed "(ROLE #N): body" wire message (spec §4.7, §6).
type Sequenced struct {
	Role       string
	N          uint64
	Body       string
	SessionReset bool
}

// ParseSequenced parses the wire form shared by the delivery tracker (C7)
// and the trigger ingestor (C8): an optional single-prefix envelope is
// stripped, then "(ROLE #N): " is parsed off the front. ok is false if the
// text does not match that shape, in which case the caller should treat
// the whole text as an unsequenced body.
func ParseSequenced(text string) (seq Sequenced, ok bool) {
	text = strings.TrimPrefix(text, agentMsgPrefix)

	if !strings.HasPrefix(text, "(") {
		return Sequenced{}, false
	}
	close := strings.Index(text, "):")
	if close < 0 {
		return Sequenced{}, false
	}
	header := text[1:close]
	hashIdx := strings.LastIndex(header, " #")
	if hashIdx < 0 {
		return Sequenced{}, false
	}
	role := strings.TrimSpace(header[:hashIdx])
	numStr := header[hashIdx+2:]
	if role == "" || numStr == "" {
		return Sequenced{}, false
	}

	var n uint64
	for _, r := range numStr {
		if r < '0' || r > '9' {
			return Sequenced{}, false
		}
		n = n*10 + uint64(r-'0')
	}

	body := strings.TrimPrefix(text[close+2:], " ")
	return Sequenced{
		Role:         role,
		N:            n,
		Body:         body,
		SessionReset: n == 1 && strings.Contains(body, sessionResetMarker),
	}, true
}
