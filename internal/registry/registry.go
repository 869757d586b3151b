// Package registry correlates outbound request ids with the callbacks waiting
// on their outcome. Commands expect a single terminal result; subscriptions
// expect any number of events followed by at most one terminal callback.
package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrRegistryClosed is returned when registering after CloseAll.
var ErrRegistryClosed = errors.New("registry closed")

// ErrDuplicateID is returned when an id is registered twice.
var ErrDuplicateID = errors.New("request id already registered")

// SubscriptionState tracks a subscription.
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionOpen
	SubscriptionClosed
	SubscriptionErrored
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionOpen:
		return "open"
	case SubscriptionClosed:
		return "closed"
	case SubscriptionErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Source names what a subscription watches.
type Source struct {
	Ship string
	App  string
	Path string
}

// CloseInfo describes why a subscription ended.
type CloseInfo struct {
	// Remote is true when the server ended the subscription (a quit), false
	// when the client session was closed.
	Remote bool
}

// CommandHandlers are the outcome callbacks of a command. Exactly one of them
// fires, exactly once.
type CommandHandlers struct {
	OnSuccess func()
	OnFailure func(error)
}

// SubscriptionHandlers are the callbacks of a subscription. OnEvent fires in
// server order; at most one of OnError and OnClose fires.
type SubscriptionHandlers struct {
	Source  Source
	OnEvent func(json.RawMessage)
	OnError func(error)
	OnClose func(CloseInfo)
}

type pendingCommand struct {
	h CommandHandlers
}

type pendingSubscription struct {
	h     SubscriptionHandlers
	state SubscriptionState

	// deliver serializes OnEvent with the end of the subscription. done is
	// set under it once the subscription leaves the registry.
	deliver sync.Mutex
	done    bool
}

// finish marks ps ended, waiting for an OnEvent call in progress to return.
func (ps *pendingSubscription) finish() {
	ps.deliver.Lock()
	ps.done = true
	ps.deliver.Unlock()
}

// finishedCacheSize bounds how many completed ids are remembered for
// diagnosing late responses.
const finishedCacheSize = 1024

// Registry is safe for concurrent use. Callbacks are always invoked without
// the registry lock held.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	commands map[int64]*pendingCommand
	subs     map[int64]*pendingSubscription
	closed   bool

	finished *lru.Cache[int64, struct{}]
}

// New constructs an empty registry. A nil logger discards logs.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	finished, _ := lru.New[int64, struct{}](finishedCacheSize)
	return &Registry{
		log:      log,
		commands: make(map[int64]*pendingCommand),
		subs:     make(map[int64]*pendingSubscription),
		finished: finished,
	}
}

// RegisterCommand stores handlers for a command id.
func (r *Registry) RegisterCommand(id int64, h CommandHandlers) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if r.taken(id) {
		return ErrDuplicateID
	}
	r.commands[id] = &pendingCommand{h: h}
	return nil
}

// RegisterSubscription stores handlers for a subscription id. The
// subscription starts Pending until the server acknowledges it.
func (r *Registry) RegisterSubscription(id int64, h SubscriptionHandlers) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if r.taken(id) {
		return ErrDuplicateID
	}
	r.subs[id] = &pendingSubscription{h: h, state: SubscriptionPending}
	return nil
}

func (r *Registry) taken(id int64) bool {
	_, c := r.commands[id]
	_, s := r.subs[id]
	return c || s
}

// ResolveCommand delivers the outcome of a command: success when err is nil,
// failure otherwise. It reports whether a pending command was found; unknown
// ids are logged and ignored.
func (r *Registry) ResolveCommand(id int64, err error) bool {
	r.mu.Lock()
	pc, ok := r.commands[id]
	if ok {
		delete(r.commands, id)
		r.finished.Add(id, struct{}{})
	}
	r.mu.Unlock()

	if !ok {
		r.logMiss("command", id)
		return false
	}
	if err != nil {
		if pc.h.OnFailure != nil {
			pc.h.OnFailure(err)
		}
		return true
	}
	if pc.h.OnSuccess != nil {
		pc.h.OnSuccess()
	}
	return true
}

// HasSubscription reports whether id is a live subscription.
func (r *Registry) HasSubscription(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	return ok
}

// OpenSubscription records the server's acknowledgement of a subscription.
func (r *Registry) OpenSubscription(id int64) bool {
	r.mu.Lock()
	ps, ok := r.subs[id]
	if ok && ps.state == SubscriptionPending {
		ps.state = SubscriptionOpen
	}
	r.mu.Unlock()
	if !ok {
		r.logMiss("subscription", id)
	}
	return ok
}

// SubscriptionState returns the state of a live subscription.
func (r *Registry) SubscriptionState(id int64) (SubscriptionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.subs[id]
	if !ok {
		return 0, false
	}
	return ps.state, true
}

// DispatchEvent delivers one event to a live subscription, leaving it live.
func (r *Registry) DispatchEvent(id int64, payload json.RawMessage) bool {
	r.mu.Lock()
	ps, ok := r.subs[id]
	if ok && ps.state == SubscriptionPending {
		// Data implies the server accepted the subscription.
		ps.state = SubscriptionOpen
	}
	r.mu.Unlock()

	if !ok {
		r.logMiss("subscription", id)
		return false
	}
	ps.deliver.Lock()
	defer ps.deliver.Unlock()
	if ps.done {
		return false
	}
	if ps.h.OnEvent != nil {
		ps.h.OnEvent(payload)
	}
	return true
}

// CloseSubscription ends a subscription through its OnClose callback.
func (r *Registry) CloseSubscription(id int64, info CloseInfo) bool {
	ps, ok := r.take(id, SubscriptionClosed)
	if !ok {
		r.logMiss("subscription", id)
		return false
	}
	if ps.h.OnClose != nil {
		ps.h.OnClose(info)
	}
	return true
}

// FailSubscription ends a subscription through its OnError callback.
func (r *Registry) FailSubscription(id int64, err error) bool {
	ps, ok := r.take(id, SubscriptionErrored)
	if !ok {
		r.logMiss("subscription", id)
		return false
	}
	if ps.h.OnError != nil {
		ps.h.OnError(err)
	}
	return true
}

// RemoveSubscription drops a subscription without invoking any callback. It
// is used when the client itself cancels the subscription. Once it returns no
// callback of the subscription runs, so it must not be called from that
// subscription's own OnEvent.
func (r *Registry) RemoveSubscription(id int64) bool {
	_, ok := r.take(id, SubscriptionClosed)
	return ok
}

// RemoveCommand drops a pending command without invoking any callback.
func (r *Registry) RemoveCommand(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[id]; !ok {
		return false
	}
	delete(r.commands, id)
	r.finished.Add(id, struct{}{})
	return true
}

func (r *Registry) take(id int64, final SubscriptionState) (*pendingSubscription, bool) {
	r.mu.Lock()
	ps, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.subs, id)
	ps.state = final
	r.finished.Add(id, struct{}{})
	r.mu.Unlock()

	ps.finish()
	return ps, true
}

// Len returns the number of pending commands and live subscriptions.
func (r *Registry) Len() (commands, subscriptions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands), len(r.subs)
}

// CloseAll rejects every pending command with cmdErr and terminates every
// subscription. When subErr is nil subscriptions receive OnClose, otherwise
// OnError with subErr. Further registrations fail with ErrRegistryClosed.
func (r *Registry) CloseAll(cmdErr, subErr error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cmds := r.commands
	subs := r.subs
	r.commands = make(map[int64]*pendingCommand)
	r.subs = make(map[int64]*pendingSubscription)
	r.mu.Unlock()

	for _, pc := range cmds {
		if pc.h.OnFailure != nil {
			pc.h.OnFailure(cmdErr)
		}
	}
	for _, ps := range subs {
		ps.finish()
		if subErr != nil {
			ps.state = SubscriptionErrored
			if ps.h.OnError != nil {
				ps.h.OnError(subErr)
			}
			continue
		}
		ps.state = SubscriptionClosed
		if ps.h.OnClose != nil {
			ps.h.OnClose(CloseInfo{Remote: false})
		}
	}
}

func (r *Registry) logMiss(kind string, id int64) {
	if r.finished.Contains(id) {
		r.log.Debug("registry.response.late", slog.String("kind", kind), slog.Int64("id", id))
		return
	}
	r.log.Warn("registry.response.unknown", slog.String("kind", kind), slog.Int64("id", id))
}
