package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"relaychat/internal/relay"
)

const helpText = "/to <user> switch peer • /typing toggle typing • /call audio|video • /answer • /hangup • /who <user> • /quit"

// command is the parsed form of one line typed into the probe.
type command struct {
	quit    bool
	help    bool
	setPeer string
	who     string
	event   relay.Inbound
}

// probeSignal stands in for the WebRTC description a real client would send.
var probeSignal = json.RawMessage(`{"probe":true}`)

func parseInput(input, peer string, typing bool, caller string) (command, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return command{}, errors.New("nothing to send")
	}
	if !strings.HasPrefix(trimmed, "/") {
		if peer == "" {
			return command{}, errors.New("pick a peer first with /to <user>")
		}
		payload, err := json.Marshal(map[string]any{"text": trimmed, "sentAt": time.Now().UTC()})
		if err != nil {
			return command{}, err
		}
		return command{event: relay.PrivateMessage{TargetID: peer, Payload: payload}}, nil
	}

	fields := strings.Fields(trimmed)
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "/quit", "/exit":
		return command{quit: true}, nil
	case "/help":
		return command{help: true}, nil
	case "/to":
		if len(args) != 1 {
			return command{}, errors.New("usage: /to <user>")
		}
		return command{setPeer: args[0]}, nil
	case "/who":
		target := peer
		if len(args) == 1 {
			target = args[0]
		}
		if target == "" {
			return command{}, errors.New("usage: /who <user>")
		}
		return command{who: target}, nil
	}

	if peer == "" {
		return command{}, errors.New("pick a peer first with /to <user>")
	}
	switch name {
	case "/typing":
		return command{event: relay.Typing{TargetID: peer, IsTyping: !typing}}, nil
	case "/call":
		callType := "audio"
		if len(args) == 1 {
			callType = strings.ToLower(args[0])
		}
		if callType != "audio" && callType != "video" {
			return command{}, errors.New("usage: /call audio|video")
		}
		return command{event: relay.CallOffer{TargetID: peer, Signal: probeSignal, CallType: callType}}, nil
	case "/answer":
		target := caller
		if target == "" {
			target = peer
		}
		return command{event: relay.CallAnswer{TargetID: target, Signal: probeSignal}}, nil
	case "/hangup":
		target := caller
		if target == "" {
			target = peer
		}
		return command{event: relay.CallEnd{TargetID: target}}, nil
	}
	return command{}, fmt.Errorf("unknown command %s", name)
}

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *TUIModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		conn, err := dialRelay(model.serverURL, model.token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return connectedMsg{}
	}
}

func dialRelay(serverURL, token string) (*websocket.Conn, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(parsed.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s", parsed.Host, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

func (model *TUIModel) readOnceCmd() tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return errorMsg(errors.New("websocket not connected"))
		}
		messageType, payload, err := model.websocketConn.ReadMessage()
		if err != nil {
			return disconnectedMsg{err: err}
		}
		if messageType != websocket.TextMessage {
			return incomingMsg{}
		}
		event, err := decodeOutbound(payload)
		if err != nil {
			return incomingMsg{raw: string(payload)}
		}
		return incomingMsg{event: event}
	}
}

func (model *TUIModel) sendCmd(event relay.Inbound) tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return sendFailedMsg{err: errors.New("websocket not connected")}
		}
		encoded, err := encodeInbound(event)
		if err != nil {
			return sendFailedMsg{err: err}
		}
		model.writeMutex.Lock()
		err = model.websocketConn.WriteMessage(websocket.TextMessage, encoded)
		model.writeMutex.Unlock()
		if err != nil {
			return sendFailedMsg{err: err}
		}
		return sentMsg{event: event}
	}
}

func (model *TUIModel) closeConn(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
}

// presenceCmd asks GET /presence/{user} on the same host as the websocket.
func (model *TUIModel) presenceCmd(user string) tea.Cmd {
	return func() tea.Msg {
		urlStr, err := buildPresenceURL(model.serverURL, user)
		if err != nil {
			return presenceMsg{user: user, err: err}
		}
		req, err := http.NewRequest(http.MethodGet, urlStr, nil)
		if err != nil {
			return presenceMsg{user: user, err: err}
		}
		req.Header.Set("Authorization", "Bearer "+model.token)
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return presenceMsg{user: user, err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return presenceMsg{user: user, err: fmt.Errorf("presence lookup: %s", resp.Status)}
		}
		var body presenceResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return presenceMsg{user: user, err: err}
		}
		return presenceMsg{user: user, result: body}
	}
}

// RunClient is the bubbletea entry point.
func RunClient(serverURL, token, peer string) error {
	program := tea.NewProgram(NewTUIModel(serverURL, token, peer))
	_, err := program.Run()
	return err
}

// buildPresenceURL maps ws://host/ws to http://host/presence/{user}.
func buildPresenceURL(wsBase string, user string) (string, error) {
	parsed, err := url.Parse(wsBase)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	parsed.Path = "/presence/" + user
	parsed.RawQuery = ""
	return parsed.String(), nil
}
