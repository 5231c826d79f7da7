package game

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotMember       = errors.New("player is not in this session")
	ErrAlreadyJoined   = errors.New("player already belongs to a session")
	ErrSessionBusy     = errors.New("session has a turn in flight")
	ErrQueueFull       = errors.New("session action queue is full")
	ErrTurnNotActive   = errors.New("turn is not active")
)

const defaultEventHistoryLimit = 512

// Manager owns every live story session and serializes narrative-affecting
// actions per session. All mutation happens under one lock; the only waiting
// is done by callers inside the model call, never in here.
type Manager struct {
	mu sync.RWMutex

	submitPolicy SubmitPolicy
	queueDepth   int
	idleTimeout  time.Duration
	store        Store
	onExpire     func(Session)

	sessions        map[string]*Session
	sessionByPlayer map[string]string
	activeBySession map[string]PendingAction
	queueBySession  map[string][]PendingAction
	eventsBySession map[string][]Event
	eventHistoryMax int

	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewManager(policy SubmitPolicy, queueDepth int, idleTimeout time.Duration) *Manager {
	if policy != SubmitPolicyReject {
		policy = SubmitPolicyQueue
	}
	if queueDepth <= 0 {
		queueDepth = 8
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Manager{
		submitPolicy:    policy,
		queueDepth:      queueDepth,
		idleTimeout:     idleTimeout,
		sessions:        make(map[string]*Session),
		sessionByPlayer: make(map[string]string),
		activeBySession: make(map[string]PendingAction),
		queueBySession:  make(map[string][]PendingAction),
		eventsBySession: make(map[string][]Event),
		eventHistoryMax: defaultEventHistoryLimit,
		subscribers:     make(map[string]map[int]chan Event),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Subscribe registers a listener for one session's event stream. The returned
// func unsubscribes and closes the channel; slow listeners miss events rather
// than blocking the manager.
func (m *Manager) Subscribe(sessionID string) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[sessionID]; !ok {
		m.subscribers[sessionID] = make(map[int]chan Event)
	}
	m.subscribers[sessionID][id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

func (m *Manager) CreateSession(theme string) Session {
	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		Theme:     strings.TrimSpace(theme),
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.publishLocked(s.ID, Event{
		Type:      EventSessionCreated,
		SessionID: s.ID,
		Status:    s.Status,
		At:        now,
	})
	m.persistSession(m.snapshotLocked(s))
	return m.snapshotLocked(s)
}

func (m *Manager) Join(sessionID, playerID, name string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	playerID = strings.TrimSpace(playerID)
	name = strings.TrimSpace(name)
	if sessionID == "" {
		return Session{}, errors.New("session_id is required")
	}
	if playerID == "" {
		return Session{}, errors.New("player_id is required")
	}
	if name == "" {
		name = playerID
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Terminal() {
		return Session{}, ErrSessionNotFound
	}
	if m.sessionByPlayer[playerID] != "" {
		return Session{}, ErrAlreadyJoined
	}

	s.Players = append(s.Players, Player{ID: playerID, Name: name, JoinedAt: now})
	s.UpdatedAt = now
	m.sessionByPlayer[playerID] = s.ID

	m.publishLocked(s.ID, Event{
		Type:       EventPlayerJoined,
		SessionID:  s.ID,
		PlayerID:   playerID,
		PlayerName: name,
		Status:     s.Status,
		At:         now,
	})
	m.persistSession(m.snapshotLocked(s))
	return m.snapshotLocked(s), nil
}

// Leave is idempotent: leaving a session the player is not in, or one that is
// already closed, succeeds without side effects. When the last player leaves
// the session closes for good.
func (m *Manager) Leave(sessionID, playerID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	playerID = strings.TrimSpace(playerID)
	if sessionID == "" {
		return Session{}, errors.New("session_id is required")
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.Terminal() || !s.HasPlayer(playerID) {
		return m.snapshotLocked(s), nil
	}

	kept := s.Players[:0]
	var left Player
	for _, p := range s.Players {
		if p.ID == playerID {
			left = p
			continue
		}
		kept = append(kept, p)
	}
	s.Players = append([]Player(nil), kept...)
	s.UpdatedAt = now
	if m.sessionByPlayer[playerID] == s.ID {
		delete(m.sessionByPlayer, playerID)
	}

	m.publishLocked(s.ID, Event{
		Type:       EventPlayerLeft,
		SessionID:  s.ID,
		PlayerID:   left.ID,
		PlayerName: left.Name,
		Status:     s.Status,
		At:         now,
	})

	if len(s.Players) == 0 {
		m.closeLocked(s, CloseReasonLastPlayerLeft, now)
	}
	m.persistSession(m.snapshotLocked(s))
	return m.snapshotLocked(s), nil
}

func (m *Manager) EndSession(sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, errors.New("session_id is required")
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.Terminal() {
		return m.snapshotLocked(s), nil
	}
	m.closeLocked(s, CloseReasonEnded, now)
	m.persistSession(m.snapshotLocked(s))
	return m.snapshotLocked(s), nil
}

// SubmitAction accepts a member's action. It returns the pending action and
// whether it started immediately; started means the caller owns invoking the
// generator for it. A busy session either queues the action in arrival order
// or rejects it, depending on the configured policy.
func (m *Manager) SubmitAction(sessionID, playerID, text string) (PendingAction, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	playerID = strings.TrimSpace(playerID)
	text = strings.TrimSpace(text)
	if sessionID == "" {
		return PendingAction{}, false, errors.New("session_id is required")
	}
	if playerID == "" {
		return PendingAction{}, false, errors.New("player_id is required")
	}
	if text == "" {
		return PendingAction{}, false, errors.New("action text is required")
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Terminal() {
		return PendingAction{}, false, ErrSessionNotFound
	}
	if !s.HasPlayer(playerID) {
		return PendingAction{}, false, ErrNotMember
	}
	var name string
	for _, p := range s.Players {
		if p.ID == playerID {
			name = p.Name
			break
		}
	}

	action := PendingAction{
		ID:          uuid.NewString(),
		SessionID:   s.ID,
		PlayerID:    playerID,
		PlayerName:  name,
		Action:      text,
		SubmittedAt: now,
	}

	if _, busy := m.activeBySession[s.ID]; !busy {
		m.startTurnLocked(s, action, now)
		m.persistSession(m.snapshotLocked(s))
		return action, true, nil
	}

	if m.submitPolicy == SubmitPolicyReject {
		return PendingAction{}, false, ErrSessionBusy
	}
	if len(m.queueBySession[s.ID]) >= m.queueDepth {
		return PendingAction{}, false, ErrQueueFull
	}

	m.queueBySession[s.ID] = append(m.queueBySession[s.ID], action)
	s.UpdatedAt = now
	m.publishLocked(s.ID, Event{
		Type:           EventTurnQueued,
		SessionID:      s.ID,
		TurnID:         action.ID,
		PlayerID:       playerID,
		PlayerName:     name,
		Status:         s.Status,
		QueuedPosition: len(m.queueBySession[s.ID]),
		At:             now,
	})
	return action, false, nil
}

// AppendNarrativeDelta publishes a streamed fragment of the narrative being
// generated for the active turn. Nothing is recorded; deltas that arrive
// after the turn resolved are dropped.
func (m *Manager) AppendNarrativeDelta(sessionID, turnID, delta string) error {
	sessionID = strings.TrimSpace(sessionID)
	delta = strings.TrimSpace(delta)
	if sessionID == "" || delta == "" {
		return nil
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	active, ok := m.activeBySession[sessionID]
	if !ok || active.ID != turnID {
		return nil
	}
	s.UpdatedAt = now
	m.publishLocked(sessionID, Event{
		Type:      EventNarrativeDelta,
		SessionID: sessionID,
		TurnID:    turnID,
		PlayerID:  active.PlayerID,
		TextDelta: delta,
		Status:    s.Status,
		At:        now,
	})
	return nil
}

// CompleteTurn records the generated narrative as the next Turn. Seq is
// assigned here, under the lock, so the sequence stays gapless no matter how
// many generations failed in between. The returned pending action, if any, is
// the next queued action that just went active; the caller must run it.
func (m *Manager) CompleteTurn(sessionID, turnID, narrative string, options []string) (Turn, *PendingAction, error) {
	sessionID = strings.TrimSpace(sessionID)
	narrative = strings.TrimSpace(narrative)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Turn{}, nil, ErrSessionNotFound
	}
	active, ok := m.activeBySession[sessionID]
	if !ok || active.ID != turnID {
		return Turn{}, nil, ErrTurnNotActive
	}

	turn := Turn{
		ID:          active.ID,
		SessionID:   s.ID,
		Seq:         len(s.Turns) + 1,
		PlayerID:    active.PlayerID,
		PlayerName:  active.PlayerName,
		Action:      active.Action,
		Narrative:   narrative,
		Options:     append([]string(nil), options...),
		SubmittedAt: active.SubmittedAt,
		CompletedAt: now,
	}
	s.Turns = append(s.Turns, turn)
	s.UpdatedAt = now
	delete(m.activeBySession, s.ID)

	m.publishLocked(s.ID, Event{
		Type:       EventTurnCompleted,
		SessionID:  s.ID,
		TurnID:     turn.ID,
		Seq:        turn.Seq,
		PlayerID:   turn.PlayerID,
		PlayerName: turn.PlayerName,
		Narrative:  turn.Narrative,
		Options:    turn.Options,
		Status:     s.Status,
		At:         now,
	})

	next := m.startNextQueuedLocked(s, now)
	m.persistSession(m.snapshotLocked(s))
	return turn.Clone(), next, nil
}

// FailTurn discards the active turn without recording anything: the session
// keeps the exact state it had before the submission, and the failed turn
// never consumed a Seq. The next queued action, if any, goes active.
func (m *Manager) FailTurn(sessionID, turnID, code, detail string) (*PendingAction, error) {
	sessionID = strings.TrimSpace(sessionID)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	active, ok := m.activeBySession[sessionID]
	if !ok || active.ID != turnID {
		return nil, ErrTurnNotActive
	}

	delete(m.activeBySession, s.ID)
	s.UpdatedAt = now
	m.publishLocked(s.ID, Event{
		Type:       EventTurnFailed,
		SessionID:  s.ID,
		TurnID:     active.ID,
		PlayerID:   active.PlayerID,
		PlayerName: active.PlayerName,
		Code:       strings.TrimSpace(code),
		Detail:     strings.TrimSpace(detail),
		Status:     s.Status,
		At:         now,
	})

	next := m.startNextQueuedLocked(s, now)
	m.persistSession(m.snapshotLocked(s))
	return next, nil
}

func (m *Manager) Get(sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, errors.New("session_id is required")
	}
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	var snapshot Session
	if ok {
		snapshot = m.snapshotLocked(s)
	}
	store := m.store
	m.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if store == nil {
		return Session{}, ErrSessionNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	// Sessions restored from the store are history only; live play did not
	// survive the process that owned it.
	if !persisted.Terminal() {
		persisted.Status = StatusClosed
		if persisted.CloseReason == "" {
			persisted.CloseReason = CloseReasonEnded
		}
	}

	m.mu.Lock()
	m.ensureSessionCachedLocked(persisted)
	cached := m.sessions[persisted.ID]
	snapshot = m.snapshotLocked(cached)
	m.mu.Unlock()
	return snapshot, nil
}

func (m *Manager) Turns(sessionID string) ([]Turn, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Turns, nil
}

func (m *Manager) Players(sessionID string) ([]Player, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Players, nil
}

func (m *Manager) Events(sessionID string, limit int) ([]Event, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if _, err := m.Get(sessionID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	events := m.eventsBySession[sessionID]
	if len(events) == 0 {
		m.mu.RUnlock()
		return []Event{}, nil
	}
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	m.mu.RUnlock()
	return out, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if !s.Terminal() {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Terminal() {
			continue
		}
		if now.Sub(s.UpdatedAt) < m.idleTimeout {
			continue
		}
		m.closeLocked(s, CloseReasonIdleTimeout, now)
		snapshot := m.snapshotLocked(s)
		expired = append(expired, snapshot)
		m.persistSession(snapshot)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) startTurnLocked(s *Session, action PendingAction, now time.Time) {
	m.activeBySession[s.ID] = action
	s.Status = StatusAwaitingModel
	s.UpdatedAt = now
	m.publishLocked(s.ID, Event{
		Type:       EventTurnStarted,
		SessionID:  s.ID,
		TurnID:     action.ID,
		PlayerID:   action.PlayerID,
		PlayerName: action.PlayerName,
		Status:     s.Status,
		At:         now,
	})
}

func (m *Manager) startNextQueuedLocked(s *Session, now time.Time) *PendingAction {
	queue := m.queueBySession[s.ID]
	if len(queue) == 0 {
		delete(m.queueBySession, s.ID)
		s.Status = StatusOpen
		return nil
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(m.queueBySession, s.ID)
	} else {
		m.queueBySession[s.ID] = append([]PendingAction(nil), queue[1:]...)
	}
	m.startTurnLocked(s, next, now)
	return &next
}

// closeLocked makes the session terminal: players are detached so they can
// join elsewhere, queued actions are dropped, and any in-flight turn is
// orphaned (its completion will see ErrTurnNotActive).
func (m *Manager) closeLocked(s *Session, reason CloseReason, now time.Time) {
	s.Status = StatusClosed
	s.CloseReason = reason
	s.UpdatedAt = now
	s.ClosedAt = &now
	for _, p := range s.Players {
		if m.sessionByPlayer[p.ID] == s.ID {
			delete(m.sessionByPlayer, p.ID)
		}
	}
	delete(m.activeBySession, s.ID)
	delete(m.queueBySession, s.ID)

	m.publishLocked(s.ID, Event{
		Type:      EventSessionClosed,
		SessionID: s.ID,
		Status:    s.Status,
		Code:      string(reason),
		At:        now,
	})
}

func (m *Manager) snapshotLocked(s *Session) Session {
	out := s.Clone()
	if active, ok := m.activeBySession[s.ID]; ok {
		out.ActiveTurnID = active.ID
	}
	out.QueuedActions = len(m.queueBySession[s.ID])
	return out
}

func (m *Manager) ensureSessionCachedLocked(s Session) {
	if _, ok := m.sessions[s.ID]; ok {
		return
	}
	cached := s.Clone()
	m.sessions[s.ID] = &cached
}

func (m *Manager) persistSession(snapshot Session) {
	store := m.store
	if store == nil {
		return
	}

	go func(s Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.SaveSession(ctx, s)
	}(snapshot)
}

func (m *Manager) publishLocked(sessionID string, evt Event) {
	m.eventsBySession[sessionID] = append(m.eventsBySession[sessionID], evt)
	if max := m.eventHistoryMax; max > 0 && len(m.eventsBySession[sessionID]) > max {
		trimFrom := len(m.eventsBySession[sessionID]) - max
		m.eventsBySession[sessionID] = append([]Event(nil), m.eventsBySession[sessionID][trimFrom:]...)
	}

	subs := m.subscribers[sessionID]
	if len(subs) == 0 {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
