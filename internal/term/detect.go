package term

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Passive output detection. Sessions scan every output chunk for two
// signals without ever interpreting the terminal stream as a whole:
// OSC title updates, and an agent session id embedded in the output.

var uuidPattern = regexp.MustCompile(
	`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// detectTitle extracts the last OSC 0 or OSC 2 title sequence in the
// chunk (ESC ] 0;title BEL, BEL or ESC \ terminated). The last one
// wins: it is what the terminal would display after the chunk.
func detectTitle(chunk []byte) (string, bool) {
	s := string(chunk)
	title := ""
	found := false

	for i := 0; ; {
		idx := strings.Index(s[i:], "\x1b]")
		if idx < 0 {
			break
		}
		start := i + idx + 2
		i = start

		rest := s[start:]
		if !strings.HasPrefix(rest, "0;") && !strings.HasPrefix(rest, "2;") {
			continue
		}
		body := rest[2:]

		end := len(body)
		if bel := strings.IndexByte(body, '\x07'); bel >= 0 {
			end = bel
		}
		if st := strings.Index(body, "\x1b\\"); st >= 0 && st < end {
			end = st
		}
		if end == len(body) {
			// Unterminated sequence, likely split across chunks.
			continue
		}

		title = body[:end]
		found = true
	}
	return title, found
}

// detectSessionID finds a UUID following a "session" token, the shape
// agents use when they print their session reference. The first valid
// match wins; later chunks never overwrite an already-detected id.
func detectSessionID(chunk []byte) (string, bool) {
	s := string(chunk)
	lower := strings.ToLower(s)

	idx := strings.Index(lower, "session")
	if idx < 0 {
		return "", false
	}

	match := uuidPattern.FindString(s[idx:])
	if match == "" {
		return "", false
	}
	if _, err := uuid.Parse(match); err != nil {
		return "", false
	}
	return strings.ToLower(match), true
}
