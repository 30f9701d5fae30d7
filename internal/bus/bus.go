// Package bus abstracts the publish/subscribe system override requests
// arrive on. NATS is the production backend; Memory serves tests and
// broker-less deployments.
package bus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultSubjectPrefix is prepended to a target id to form its subject.
const DefaultSubjectPrefix = "espk.override"

// ErrClosed is returned when subscribing or publishing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives the raw payload of one message. It may be called from a
// bus-owned goroutine and must not block for long.
type Handler func(data []byte)

// Subscription is one live binding of a subject to a handler.
type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// Bus is the minimal contract the bridge needs from a message bus.
type Bus interface {
	Subscribe(subject string, h Handler) (Subscription, error)
	Publish(subject string, data []byte) error
	Close() error
}

// Subject returns the per-target subject for id under prefix.
func Subject(prefix string, id int) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + strconv.Itoa(id)
}

// TargetFromSubject parses the target id back out of a subject built by Subject.
func TargetFromSubject(prefix, subject string) (int, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || rest == "" {
		return 0, fmt.Errorf("subject %q is not under %q", subject, prefix)
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("subject %q: invalid target id: %w", subject, err)
	}
	return id, nil
}
