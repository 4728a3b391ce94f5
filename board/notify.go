package board

import (
	"sync"
	"time"
)

// Kind classifies a Notification.
type Kind int

const (
	KindError Kind = iota
	KindUndoOffered
	KindUndoExpired
	KindUndoClosed
	KindUndoApplied
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindUndoOffered:
		return "undo_offered"
	case KindUndoExpired:
		return "undo_expired"
	case KindUndoClosed:
		return "undo_closed"
	case KindUndoApplied:
		return "undo_applied"
	}
	return "unknown"
}

// Notification is a user-visible event raised by the engine.
type Notification struct {
	Kind    Kind
	Op      string
	TaskID  string
	Message string
	Err     error
	// Deadline is set for KindUndoOffered.
	Deadline time.Time
}

// Notifier receives engine notifications. Notify is called with the engine
// lock held, so implementations must not block or call back into the engine.
type Notifier interface {
	Notify(Notification)
}

// ChanNotifier forwards notifications to a channel, dropping them when the
// channel is full.
type ChanNotifier chan Notification

func (c ChanNotifier) Notify(n Notification) {
	select {
	case c <- n:
	default:
	}
}

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notification) {
	for _, x := range ns {
		x.Notify(n)
	}
}

// DefaultPopupTTL is how long error and info popups stay up.
const DefaultPopupTTL = 4 * time.Second

// Popup is one entry of a PopupStack.
type Popup struct {
	ID       uint64
	Kind     Kind
	TaskID   string
	Message  string
	Deadline time.Time
}

// Remaining returns the time left before the popup goes away.
func (p Popup) Remaining(now time.Time) time.Duration {
	if d := p.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// PopupStack keeps the transient notifications a UI shows: errors and the
// undo offer with its countdown.
type PopupStack struct {
	mu     sync.Mutex
	clock  Clock
	ttl    time.Duration
	next   uint64
	popups []Popup
}

// NewPopupStack creates a stack. ttl applies to popups without their own
// deadline; zero means DefaultPopupTTL.
func NewPopupStack(clock Clock, ttl time.Duration) *PopupStack {
	if clock == nil {
		clock = SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultPopupTTL
	}
	return &PopupStack{clock: clock, ttl: ttl}
}

func (s *PopupStack) Notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch n.Kind {
	case KindUndoOffered:
		s.dropUndo(n.TaskID)
		s.push(n, n.Deadline)
	case KindUndoExpired, KindUndoClosed:
		s.dropUndo(n.TaskID)
	case KindUndoApplied:
		s.dropUndo(n.TaskID)
		s.push(n, s.clock.Now().Add(s.ttl))
	default:
		s.push(n, s.clock.Now().Add(s.ttl))
	}
}

func (s *PopupStack) push(n Notification, deadline time.Time) {
	s.next++
	msg := n.Message
	if msg == "" && n.Err != nil {
		msg = n.Err.Error()
	}
	s.popups = append(s.popups, Popup{ID: s.next, Kind: n.Kind, TaskID: n.TaskID, Message: msg, Deadline: deadline})
}

func (s *PopupStack) dropUndo(taskID string) {
	kept := s.popups[:0]
	for _, p := range s.popups {
		if p.Kind == KindUndoOffered && p.TaskID == taskID {
			continue
		}
		kept = append(kept, p)
	}
	s.popups = kept
}

func (s *PopupStack) prune(now time.Time) {
	kept := s.popups[:0]
	for _, p := range s.popups {
		if p.Deadline.After(now) {
			kept = append(kept, p)
		}
	}
	s.popups = kept
}

// Active returns the live popups, oldest first.
func (s *PopupStack) Active() []Popup {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(s.clock.Now())
	out := make([]Popup, len(s.popups))
	copy(out, s.popups)
	return out
}

// Remaining returns the countdown of the undo offer for taskID.
func (s *PopupStack) Remaining(taskID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.prune(now)
	for _, p := range s.popups {
		if p.Kind == KindUndoOffered && p.TaskID == taskID {
			return p.Remaining(now), true
		}
	}
	return 0, false
}

// Dismiss removes a popup.
func (s *PopupStack) Dismiss(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.popups[:0]
	for _, p := range s.popups {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	s.popups = kept
}
