package internal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"relaychat/internal/relay"
)

type (
	connectedMsg     struct{}
	incomingMsg      struct {
		event relay.Outbound
		raw   string
	}
	errorMsg         error
	connectFailedMsg struct{ err error }
	disconnectedMsg  struct{ err error }
	reconnectMsg     struct{}
	sentMsg          struct{ event relay.Inbound }
	sendFailedMsg    struct{ err error }
	presenceMsg      struct {
		user   string
		result presenceResponse
		err    error
	}
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeConn("client quit")
			return model, tea.Quit
		}
		switch model.mode {
		case modePeerPrompt:
			switch typedMessage.Type {
			case tea.KeyEsc:
				model.closeConn("client quit")
				return model, tea.Quit
			case tea.KeyEnter:
				peer := strings.TrimSpace(model.textInput.Value())
				if peer == "" {
					return model, nil
				}
				cmd := model.switchPeer(peer)
				model.enterChat()
				return model, cmd
			}
		case modeChat:
			switch typedMessage.Type {
			case tea.KeyEsc:
				model.enterPeerPrompt()
				return model, nil
			case tea.KeyEnter:
				return model, model.submit(model.textInput.Value())
			}
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(typedMessage)
		return model, cmd

	case connectedMsg:
		model.isConnected = true
		model.connectionError = nil
		return model, model.readOnceCmd()

	case incomingMsg:
		if typedMessage.event != nil {
			model.applyEvent(typedMessage.event, time.Now())
		} else if typedMessage.raw != "" {
			model.lines = append(model.lines, logLine{at: time.Now(), from: "server", body: typedMessage.raw})
		}
		return model, model.readOnceCmd()

	case sentMsg:
		model.recordSent(typedMessage.event, time.Now())
		return model, nil

	case sendFailedMsg:
		model.system(fmt.Sprintf("send failed: %v", typedMessage.err))
		return model, nil

	case presenceMsg:
		if typedMessage.err != nil {
			model.system(fmt.Sprintf("presence of %s: %v", typedMessage.user, typedMessage.err))
			return model, nil
		}
		res := typedMessage.result
		model.online[res.UserID] = res.Status == string(relay.StatusOnline)
		if res.LastSeen != nil {
			model.lastSeen[res.UserID] = *res.LastSeen
		}
		model.system(fmt.Sprintf("%s is %s on %d connection(s)%s", res.UserID, res.Status, res.Connections, lastSeenSuffix(res.LastSeen)))
		return model, nil

	case errorMsg:
		model.connectionError = typedMessage
		return model, tea.Quit

	case disconnectedMsg:
		model.isConnected = false
		model.connectionError = typedMessage.err
		model.websocketConn = nil
		if model.userID == "" {
			// Never admitted; retrying with the same token won't help.
			return model, nil
		}
		return model, model.scheduleReconnect()

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil
	}
	return model, nil
}

// submit handles one line from the input box.
func (model *TUIModel) submit(input string) tea.Cmd {
	cmd, err := parseInput(input, model.peer, model.typingSent, model.caller)
	if err != nil {
		model.system(err.Error())
		return nil
	}
	model.textInput.SetValue("")
	switch {
	case cmd.quit:
		model.closeConn("client quit")
		return tea.Quit
	case cmd.help:
		model.system(helpText)
		return nil
	case cmd.setPeer != "":
		return model.switchPeer(cmd.setPeer)
	case cmd.who != "":
		return model.presenceCmd(cmd.who)
	}
	if !model.isConnected {
		model.system("not connected yet")
		return nil
	}
	cmds := []tea.Cmd{model.sendCmd(cmd.event)}
	if _, ok := cmd.event.(relay.PrivateMessage); ok && model.typingSent {
		cmds = append(cmds, model.sendCmd(relay.Typing{TargetID: model.peer}))
	}
	return tea.Batch(cmds...)
}

// switchPeer withdraws any typing indicator shown to the previous peer.
func (model *TUIModel) switchPeer(peer string) tea.Cmd {
	var cmd tea.Cmd
	if model.typingSent && model.peer != "" && model.isConnected {
		cmd = model.sendCmd(relay.Typing{TargetID: model.peer})
	}
	model.typingSent = false
	model.peer = peer
	model.system("now talking to " + peer)
	return cmd
}

func (model *TUIModel) recordSent(event relay.Inbound, now time.Time) {
	switch ev := event.(type) {
	case relay.PrivateMessage:
		model.lines = append(model.lines, logLine{at: now, from: model.selfName(), body: messageText(ev.Payload)})
	case relay.Typing:
		model.typingSent = ev.IsTyping
	case relay.CallOffer:
		model.system(fmt.Sprintf("calling %s (%s)…", ev.TargetID, ev.CallType))
	case relay.CallAnswer:
		model.system("answered " + ev.TargetID)
		model.caller = ""
	case relay.CallEnd:
		model.system("hung up on " + ev.TargetID)
		model.caller = ""
	}
}

// applyEvent folds one relay event into the model.
func (model *TUIModel) applyEvent(event relay.Outbound, now time.Time) {
	switch ev := event.(type) {
	case relay.AuthOK:
		model.userID = ev.UserID
		model.connectionID = ev.ConnectionID
		model.system(fmt.Sprintf("signed in as %s (connection %s)", ev.UserID, ev.ConnectionID))
	case relay.AuthRejected:
		model.system("authentication rejected: " + ev.Reason)
	case relay.PresenceSnapshot:
		for user := range model.online {
			model.online[user] = false
		}
		for _, user := range ev.Online {
			model.online[user] = true
		}
	case relay.PresenceChanged:
		model.online[ev.UserID] = ev.Status == relay.StatusOnline
		if !ev.LastSeen.IsZero() {
			model.lastSeen[ev.UserID] = ev.LastSeen
		}
		if ev.Status == relay.StatusOffline {
			delete(model.typingFrom, ev.UserID)
		}
		if ev.UserID != model.userID {
			model.system(fmt.Sprintf("%s is now %s", ev.UserID, ev.Status))
		}
	case relay.MessageDelivered:
		delete(model.typingFrom, ev.SenderID)
		model.lines = append(model.lines, logLine{at: now, from: ev.SenderID, body: messageText(ev.Payload)})
	case relay.TypingChanged:
		if ev.IsTyping {
			model.typingFrom[ev.SenderID] = true
		} else {
			delete(model.typingFrom, ev.SenderID)
		}
	case relay.CallIncoming:
		model.caller = ev.SenderID
		model.system(fmt.Sprintf("incoming %s call from %s, /answer or /hangup", ev.CallType, ev.SenderID))
	case relay.CallAnswered:
		model.system(ev.SenderID + " answered the call")
	case relay.CallEnded:
		model.caller = ""
		model.system("call ended")
	case relay.Failure:
		model.system(fmt.Sprintf("server refused frame: %s %s", ev.Code, ev.Message))
	}
}

func (model *TUIModel) selfName() string {
	if model.userID != "" {
		return model.userID
	}
	return "me"
}

// messageText shows the "text" field of a payload, or the raw JSON.
func messageText(payload json.RawMessage) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Text != "" {
		return body.Text
	}
	return string(payload)
}

func lastSeenSuffix(seen *time.Time) string {
	if seen == nil {
		return ""
	}
	return ", last seen " + seen.Local().Format("15:04:05")
}
