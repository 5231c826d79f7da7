package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/fableloom/internal/game"
	"github.com/antoniostano/fableloom/internal/observability"
	"github.com/antoniostano/fableloom/internal/policy"
	"github.com/antoniostano/fableloom/internal/storygen"
)

// ErrActionRejected marks a submission the content policy refused.
var ErrActionRejected = errors.New("action rejected by content policy")

type Config struct {
	TurnTimeout    time.Duration
	HistoryWindow  int
	MaxActionChars int
	Provider       string
}

// Service drives story turns: it screens submissions, runs the generator for
// whichever action the manager says is active, and feeds the outcome back.
// Each session has at most one turn in flight; sessions run in parallel.
type Service struct {
	turnTimeout    time.Duration
	historyWindow  int
	maxActionChars int
	provider       string

	manager   *game.Manager
	generator storygen.Generator
	metrics   *observability.Metrics

	mu           sync.Mutex
	runningTurns map[string]runningTurn
}

type runningTurn struct {
	turnID string
	cancel context.CancelFunc
}

func New(cfg Config, manager *game.Manager, generator storygen.Generator, metrics *observability.Metrics) *Service {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 90 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.MaxActionChars <= 0 {
		cfg.MaxActionChars = 500
	}
	if cfg.Provider == "" {
		cfg.Provider = "auto"
	}

	return &Service{
		turnTimeout:    cfg.TurnTimeout,
		historyWindow:  cfg.HistoryWindow,
		maxActionChars: cfg.MaxActionChars,
		provider:       cfg.Provider,
		manager:        manager,
		generator:      generator,
		metrics:        metrics,
		runningTurns:   make(map[string]runningTurn),
	}
}

func (s *Service) CreateSession(theme string) game.Session {
	session := s.manager.CreateSession(theme)
	if s.metrics != nil {
		s.metrics.ObserveSessionEvent("created")
		s.metrics.SetActiveSessions(s.manager.ActiveCount())
	}
	return session
}

func (s *Service) Join(sessionID, playerID, name string) (game.Session, error) {
	session, err := s.manager.Join(sessionID, playerID, name)
	if err != nil {
		return game.Session{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveSessionEvent("player_joined")
	}
	return session, nil
}

func (s *Service) Leave(sessionID, playerID string) (game.Session, error) {
	session, err := s.manager.Leave(sessionID, playerID)
	if err != nil {
		return game.Session{}, err
	}
	if session.Status == game.StatusClosed {
		s.cancelRunningTurn(sessionID)
	}
	if s.metrics != nil {
		s.metrics.ObserveSessionEvent("player_left")
		s.metrics.SetActiveSessions(s.manager.ActiveCount())
	}
	return session, nil
}

func (s *Service) EndSession(sessionID string) (game.Session, error) {
	session, err := s.manager.EndSession(sessionID)
	if err != nil {
		return game.Session{}, err
	}
	s.cancelRunningTurn(sessionID)
	if s.metrics != nil {
		s.metrics.ObserveSessionEvent("ended")
		s.metrics.SetActiveSessions(s.manager.ActiveCount())
	}
	return session, nil
}

// OnSessionExpired is the idle-janitor hook: it cancels whatever turn was in
// flight for the expired session.
func (s *Service) OnSessionExpired(session game.Session) {
	s.cancelRunningTurn(session.ID)
	if s.metrics != nil {
		s.metrics.ObserveSessionEvent("expired")
		s.metrics.SetActiveSessions(s.manager.ActiveCount())
	}
}

func (s *Service) Subscribe(sessionID string) (<-chan game.Event, func()) {
	return s.manager.Subscribe(sessionID)
}

// PreviewScene runs the generator once outside any session, so operators can
// verify narrator credentials without touching game state.
func (s *Service) PreviewScene(ctx context.Context, theme, action string) (storygen.Scene, error) {
	if s.generator == nil {
		return storygen.Scene{}, errors.New("story generator is not configured")
	}
	decision := policy.ScreenAction(action, s.maxActionChars)
	if decision.Blocked {
		return storygen.Scene{}, fmt.Errorf("%w: %s", ErrActionRejected, decision.Reason)
	}

	ctx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()
	return s.generator.GenerateScene(ctx, storygen.Request{
		SessionID:  "preview",
		TurnID:     "preview",
		PlayerName: "The player",
		Action:     decision.Sanitized,
		Theme:      strings.TrimSpace(theme),
	}, nil)
}

// SubmitAction screens and submits a player action. When the action starts
// immediately the generator runs in the background; queued actions start on
// their own once the session frees up.
func (s *Service) SubmitAction(ctx context.Context, sessionID, playerID, text string) (game.PendingAction, bool, error) {
	_ = ctx

	decision := policy.ScreenAction(text, s.maxActionChars)
	if decision.Blocked {
		return game.PendingAction{}, false, fmt.Errorf("%w: %s", ErrActionRejected, decision.Reason)
	}

	action, started, err := s.manager.SubmitAction(sessionID, playerID, decision.Sanitized)
	if err != nil {
		if s.metrics != nil && (errors.Is(err, game.ErrSessionBusy) || errors.Is(err, game.ErrQueueFull)) {
			s.metrics.ObserveTurnOutcome("rejected")
		}
		return game.PendingAction{}, false, err
	}

	if s.metrics != nil {
		if started {
			s.metrics.ObserveTurnOutcome("started")
		} else {
			s.metrics.ObserveTurnOutcome("queued")
			if sess, err := s.manager.Get(sessionID); err == nil {
				s.metrics.ObserveQueueDepth(sess.QueuedActions)
			}
		}
	}
	if started {
		s.startTurn(action)
	}
	return action, started, nil
}

// SubmitAndWait submits an action and blocks until its turn resolves. The
// wait is bounded by the turn timeout plus a small grace period.
func (s *Service) SubmitAndWait(ctx context.Context, sessionID, playerID, text string) (game.Turn, error) {
	events, unsubscribe := s.manager.Subscribe(sessionID)
	defer unsubscribe()

	action, _, err := s.SubmitAction(ctx, sessionID, playerID, text)
	if err != nil {
		return game.Turn{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.turnTimeout+5*time.Second)
	defer cancel()

	for {
		select {
		case <-waitCtx.Done():
			return game.Turn{}, waitCtx.Err()
		case evt, ok := <-events:
			if !ok {
				return game.Turn{}, errors.New("session event stream closed")
			}
			if evt.TurnID != action.ID {
				continue
			}
			switch evt.Type {
			case game.EventTurnCompleted:
				return game.Turn{
					ID:          evt.TurnID,
					SessionID:   evt.SessionID,
					Seq:         evt.Seq,
					PlayerID:    evt.PlayerID,
					PlayerName:  evt.PlayerName,
					Action:      action.Action,
					Narrative:   evt.Narrative,
					Options:     evt.Options,
					SubmittedAt: action.SubmittedAt,
					CompletedAt: evt.At,
				}, nil
			case game.EventTurnFailed:
				detail := evt.Detail
				if detail == "" {
					detail = evt.Code
				}
				return game.Turn{}, fmt.Errorf("%w: %s", storygen.ErrGenerationFailed, detail)
			}
		}
	}
}

func (s *Service) startTurn(action game.PendingAction) {
	ctx, cancel := context.WithTimeout(context.Background(), s.turnTimeout)
	s.setRunningTurn(action.SessionID, action.ID, cancel)

	go func(action game.PendingAction, doneCancel context.CancelFunc) {
		defer doneCancel()
		defer s.clearRunningTurn(action.SessionID, action.ID)

		if s.generator == nil {
			s.finishFailed(action, "generator_unavailable", "Story generator is not configured.", "failed")
			return
		}

		req := s.buildRequest(action)
		queueWait := time.Since(action.SubmittedAt)
		generationStart := time.Now()

		scene, err := s.generator.GenerateScene(ctx, req, func(delta string) error {
			return s.manager.AppendNarrativeDelta(action.SessionID, action.ID, delta)
		})
		if err != nil {
			code, outcome := "generation_failed", "failed"
			switch {
			case errors.Is(err, context.Canceled):
				code, outcome = "generation_cancelled", "cancelled"
			case errors.Is(err, context.DeadlineExceeded):
				code, outcome = "generation_timeout", "timeout"
			}
			s.finishFailed(action, code, err.Error(), outcome)
			return
		}

		turn, next, err := s.manager.CompleteTurn(action.SessionID, action.ID, scene.Narrative, scene.Options)
		if err != nil {
			// The session closed mid-generation; the scene is discarded.
			return
		}
		if s.metrics != nil {
			s.metrics.ObserveTurnOutcome("completed")
			s.metrics.ObserveGenerationLatency(time.Since(generationStart))
			s.metrics.ObserveTurnStage(observability.StageQueueWait, queueWait)
			s.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(turn.SubmittedAt))
		}
		if next != nil {
			s.startTurn(*next)
		}
	}(action, cancel)
}

func (s *Service) finishFailed(action game.PendingAction, code, detail, outcome string) {
	next, err := s.manager.FailTurn(action.SessionID, action.ID, code, detail)
	if err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveTurnOutcome(outcome)
		s.metrics.ObserveGeneratorError(s.provider, code)
		s.metrics.ObserveTurnIndicator(code)
	}
	if next != nil {
		s.startTurn(*next)
	}
}

func (s *Service) buildRequest(action game.PendingAction) storygen.Request {
	req := storygen.Request{
		SessionID:  action.SessionID,
		TurnID:     action.ID,
		PlayerName: action.PlayerName,
		Action:     action.Action,
	}

	session, err := s.manager.Get(action.SessionID)
	if err != nil {
		return req
	}
	req.Theme = session.Theme

	turns := session.Turns
	if len(turns) > s.historyWindow {
		turns = turns[len(turns)-s.historyWindow:]
	}
	history := make([]string, 0, len(turns)*2)
	for _, turn := range turns {
		player := turn.PlayerName
		if player == "" {
			player = turn.PlayerID
		}
		history = append(history, fmt.Sprintf("%s tried: %s", player, turn.Action))
		history = append(history, "Narrator: "+turn.Narrative)
	}
	req.History = history
	return req
}

func (s *Service) setRunningTurn(sessionID, turnID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningTurns[sessionID] = runningTurn{turnID: turnID, cancel: cancel}
}

// clearRunningTurn removes the entry only while it still belongs to the given
// turn; a chained next turn may already have replaced it.
func (s *Service) clearRunningTurn(sessionID, turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.runningTurns[sessionID]; ok && current.turnID == turnID {
		delete(s.runningTurns, sessionID)
	}
}

func (s *Service) cancelRunningTurn(sessionID string) {
	s.mu.Lock()
	current, ok := s.runningTurns[sessionID]
	s.mu.Unlock()
	if ok && current.cancel != nil {
		current.cancel()
	}
}
