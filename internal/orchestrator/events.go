package orchestrator

import (
	"sync"

	"github.com/roach88/wftest/internal/virtualsvc"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventSuiteStart    EventType = "suite:start"
	EventSuiteBail     EventType = "suite:bail"
	EventSuiteComplete EventType = "suite:complete"
	EventSuiteError    EventType = "suite:error"
	EventTestStart     EventType = "test:start"
	EventTestRetry     EventType = "test:retry"
	EventTestComplete  EventType = "test:complete"
	EventServerStarted EventType = "mockServer:started"
	EventServerStopped EventType = "mockServer:stopped"
)

// Event is delivered to listeners. Only the fields relevant to Type are set.
type Event struct {
	Type    EventType
	Suite   string
	Test    string
	Attempt int
	Port    int
	Err     error
	Result  *TestResult
	Results *TestResults
}

// Listener receives events. Listeners are called synchronously from the
// goroutine that produced the event and must not block.
type Listener func(Event)

type emitter struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (e *emitter) subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// relay forwards virtual service lifecycle events for one suite.
func (e *emitter) relay(suiteName string) func(virtualsvc.Event) {
	return func(ev virtualsvc.Event) {
		typ := EventServerStarted
		if ev.Type == virtualsvc.EventStopped {
			typ = EventServerStopped
		}
		e.emit(Event{Type: typ, Suite: suiteName, Port: ev.Port})
	}
}
