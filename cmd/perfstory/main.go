package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/fableloom/internal/protocol"
)

type options struct {
	baseURL        string
	theme          string
	players        int
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	actions        []string
	resetWindow    bool
	verbose        bool
}

type createSessionRequest struct {
	Theme string `json:"theme,omitempty"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

type joinSessionRequest struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name,omitempty"`
}

type submitActionRequest struct {
	PlayerID string `json:"player_id"`
	Action   string `json:"action"`
}

type turnResult struct {
	Seq       int    `json:"seq"`
	PlayerID  string `json:"player_id"`
	Narrative string `json:"narrative"`
}

type stageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
}

type latencyReport struct {
	WindowSize int          `json:"window_size"`
	Stages     []stageStats `json:"stages"`
	Indicators []struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	} `json:"indicators"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

var defaultActions = []string{
	"scout the ridge for danger",
	"search the ruins for supplies",
	"question the hooded stranger",
	"set up camp and keep watch",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfstory: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfstory: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var actionsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "Fableloom base URL")
	flag.StringVar(&cfg.theme, "theme", "perf replay expedition", "session theme for the synthetic story")
	flag.IntVar(&cfg.players, "players", 2, "number of synthetic players joining the session")
	flag.IntVar(&cfg.turns, "turns", 10, "number of actions to replay")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 150, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 120000, "timeout waiting for each turn to resolve in milliseconds")
	flag.StringVar(&actionsRaw, "actions", "", "actions separated by '|' (optional)")
	flag.BoolVar(&cfg.resetWindow, "reset", true, "reset the server latency window before the run")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.players < 1 || cfg.players > 16 {
		return options{}, fmt.Errorf("players must be in [1,16]")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	actions, err := splitActions(actionsRaw)
	if err != nil {
		return options{}, err
	}
	cfg.actions = actions
	return cfg, nil
}

func splitActions(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultActions...), nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if a := strings.TrimSpace(part); a != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("actions produced no non-empty entries")
	}
	return out, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.turnTimeout + 15*time.Second}

	if cfg.resetWindow {
		if err := resetLatencyWindow(ctx, httpClient, cfg.baseURL); err != nil {
			return fmt.Errorf("reset latency window: %w", err)
		}
	}

	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	playerIDs := make([]string, 0, cfg.players)
	for i := 0; i < cfg.players; i++ {
		playerID := fmt.Sprintf("perf-p%d", i+1)
		if err := joinSession(ctx, httpClient, cfg.baseURL, sessionID, playerID, fmt.Sprintf("Perf Player %d", i+1)); err != nil {
			return fmt.Errorf("join player %s: %w", playerID, err)
		}
		playerIDs = append(playerIDs, playerID)
	}

	if cfg.verbose {
		fmt.Printf("perfstory: session=%s players=%d turns=%d theme=%q\n", sessionID, cfg.players, cfg.turns, cfg.theme)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID, playerIDs[0])
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	readErrCh := make(chan error, 1)
	go observeStream(conn, readErrCh, cfg.verbose)

	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}

		playerID := playerIDs[i%len(playerIDs)]
		action := cfg.actions[i%len(cfg.actions)]

		start := time.Now()
		turn, err := submitTurn(ctx, httpClient, cfg.baseURL, sessionID, playerID, action)
		if err != nil {
			return fmt.Errorf("turn %d submit: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("perfstory: turn %d/%d player=%s seq=%d latency=%s narrative_bytes=%d\n",
				i+1, cfg.turns, turn.PlayerID, turn.Seq, time.Since(start).Round(time.Millisecond), len(turn.Narrative))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	report, err := fetchLatencyReport(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch latency report: %w", err)
	}
	printLatencyReport(report)

	if cfg.verbose {
		fmt.Println("perfstory: replay completed")
	}
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	var out createSessionResponse
	err := requestJSON(ctx, client, http.MethodPost, cfg.baseURL+"/v1/story/sessions", createSessionRequest{Theme: cfg.theme}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("missing session id in response")
	}
	return out.ID, nil
}

func joinSession(ctx context.Context, client *http.Client, baseURL, sessionID, playerID, name string) error {
	target := baseURL + "/v1/story/sessions/" + url.PathEscape(sessionID) + "/join"
	return requestJSON(ctx, client, http.MethodPost, target, joinSessionRequest{PlayerID: playerID, Name: name}, nil)
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	target := baseURL + "/v1/story/sessions/" + url.PathEscape(sessionID) + "/end"
	return requestJSON(ctx, client, http.MethodPost, target, nil, nil)
}

func submitTurn(ctx context.Context, client *http.Client, baseURL, sessionID, playerID, action string) (turnResult, error) {
	target := baseURL + "/v1/story/sessions/" + url.PathEscape(sessionID) + "/actions?wait=1"
	var out turnResult
	err := requestJSON(ctx, client, http.MethodPost, target, submitActionRequest{PlayerID: playerID, Action: action}, &out)
	if err != nil {
		return turnResult{}, err
	}
	return out, nil
}

func resetLatencyWindow(ctx context.Context, client *http.Client, baseURL string) error {
	return requestJSON(ctx, client, http.MethodPost, baseURL+"/v1/perf/latency/reset", nil, nil)
}

func fetchLatencyReport(ctx context.Context, client *http.Client, baseURL string) (latencyReport, error) {
	var out latencyReport
	err := requestJSON(ctx, client, http.MethodGet, baseURL+"/v1/perf/latency", nil, &out)
	if err != nil {
		return latencyReport{}, err
	}
	return out, nil
}

func requestJSON(ctx context.Context, client *http.Client, method, rawURL string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func wsURLForSession(baseURL, sessionID, playerID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/story/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("player_id", playerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// observeStream drains the event fanout so the server never sees this
// observer as a slow consumer, surfacing error frames as they arrive.
func observeStream(conn *websocket.Conn, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) && verbose {
			fmt.Fprintf(os.Stderr, "perfstory: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
	}
}

func printLatencyReport(report latencyReport) {
	fmt.Printf("perfstory: latency window (%d samples max)\n", report.WindowSize)
	for _, st := range report.Stages {
		fmt.Printf("perfstory: %s\n", formatStageLine(st))
	}
	for _, ind := range report.Indicators {
		fmt.Printf("perfstory: indicator %s=%d\n", ind.Name, ind.Count)
	}
}

func formatStageLine(st stageStats) string {
	return fmt.Sprintf("stage=%-11s samples=%-4d avg=%.0fms p50=%.0fms p95=%.0fms",
		st.Stage, st.Samples, st.AvgMS, st.P50MS, st.P95MS)
}
