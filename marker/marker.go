// Package marker implements the line protocol used between the control-loop
// process and its supervisor. A marker is a structured, single-line event
// embedded in otherwise free-text process output:
//
//	@@ITERATION:2/10@@
//	@@CI_STATUS:failure@@
//	@@CI_WAIT:1/3@@
//	@@COMMENTS_FOUND:4@@
//	@@SLEEPING:15@@
//	@@STATUS:clean@@
//
// Only full-line matches count. Anything else — including lines that merely
// contain "@@" somewhere — is opaque log text and passes through unmodified.
package marker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tags emitted by the control loop.
const (
	TagIteration     = "ITERATION"      // payload: <n>/<max>
	TagCIStatus      = "CI_STATUS"      // payload: success|failure|pending
	TagCIWait        = "CI_WAIT"        // payload: <k>/<maxWaits>
	TagCommentsFound = "COMMENTS_FOUND" // payload: <count>
	TagSleeping      = "SLEEPING"       // payload: <minutes>
	TagStatus        = "STATUS"         // payload: clean|max_iterations
)

// Terminal STATUS payloads.
const (
	StatusClean         = "clean"
	StatusMaxIterations = "max_iterations"
)

// pattern matches a complete marker line: two at-signs, an
// uppercase-and-underscore tag, a colon, a non-empty payload, two at-signs.
var pattern = regexp.MustCompile(`^@@([A-Z_]+):(.+)@@$`)

// Marker is a decoded protocol line.
type Marker struct {
	Tag     string
	Payload string
}

// Parse classifies a single output line. It returns the decoded marker and
// true when the line is a full-line marker, or a zero Marker and false for
// opaque log text. Trailing newlines are tolerated; interior whitespace is not.
func Parse(line string) (Marker, bool) {
	line = strings.TrimRight(line, "\r\n")
	m := pattern.FindStringSubmatch(line)
	if m == nil {
		return Marker{}, false
	}
	return Marker{Tag: m[1], Payload: m[2]}, true
}

// Pair decodes a "<n>/<max>" payload. Returns an error if the payload is not
// two /-separated integers.
func (m Marker) Pair() (n, max int, err error) {
	first, second, ok := strings.Cut(m.Payload, "/")
	if !ok {
		return 0, 0, fmt.Errorf("payload %q is not a pair", m.Payload)
	}
	n, err = strconv.Atoi(first)
	if err != nil {
		return 0, 0, fmt.Errorf("payload %q: bad first element: %w", m.Payload, err)
	}
	max, err = strconv.Atoi(second)
	if err != nil {
		return 0, 0, fmt.Errorf("payload %q: bad second element: %w", m.Payload, err)
	}
	return n, max, nil
}

// Int decodes a single-integer payload.
func (m Marker) Int() (int, error) {
	v, err := strconv.Atoi(m.Payload)
	if err != nil {
		return 0, fmt.Errorf("payload %q is not an integer: %w", m.Payload, err)
	}
	return v, nil
}

// IsTerminal reports whether the marker is a terminal STATUS marker.
func (m Marker) IsTerminal() bool {
	return m.Tag == TagStatus
}

// Emit helpers used by the control loop. Each returns one complete protocol
// line without a trailing newline.

// Iteration formats an iteration-start marker.
func Iteration(n, max int) string {
	return fmt.Sprintf("@@%s:%d/%d@@", TagIteration, n, max)
}

// CIStatus formats a CI status marker.
func CIStatus(status string) string {
	return fmt.Sprintf("@@%s:%s@@", TagCIStatus, status)
}

// CIWait formats a CI pending-wait marker.
func CIWait(k, maxWaits int) string {
	return fmt.Sprintf("@@%s:%d/%d@@", TagCIWait, k, maxWaits)
}

// CommentsFound formats an unresolved-thread-count marker.
func CommentsFound(count int) string {
	return fmt.Sprintf("@@%s:%d@@", TagCommentsFound, count)
}

// Sleeping formats a sleeping marker.
func Sleeping(minutes int) string {
	return fmt.Sprintf("@@%s:%d@@", TagSleeping, minutes)
}

// Status formats a terminal status marker.
func Status(status string) string {
	return fmt.Sprintf("@@%s:%s@@", TagStatus, status)
}
