package internal

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// TUIModel is the terminal probe: one authenticated connection, one selected
// peer, and a log of everything the relay delivered.
type TUIModel struct {
	textInput       textinput.Model
	lines           []logLine
	serverURL       string
	token           string
	peer            string
	userID          string
	connectionID    string
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error
	mode            appMode

	online     map[string]bool
	lastSeen   map[string]time.Time
	typingFrom map[string]bool
	typingSent bool
	caller     string
}

type logLine struct {
	at     time.Time
	from   string
	body   string
	system bool
}

type appMode int

const (
	modePeerPrompt appMode = iota
	modeChat
)

func NewTUIModel(serverURL, token, peer string) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0
	input.Focus()

	model := &TUIModel{
		textInput:  input,
		lines:      make([]logLine, 0, 64),
		serverURL:  serverURL,
		token:      token,
		peer:       peer,
		online:     make(map[string]bool),
		lastSeen:   make(map[string]time.Time),
		typingFrom: make(map[string]bool),
	}
	if peer == "" {
		model.enterPeerPrompt()
	} else {
		model.enterChat()
	}
	return model
}

func (model *TUIModel) enterPeerPrompt() {
	model.mode = modePeerPrompt
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Who do you want to talk to?"
	model.textInput.Prompt = "peer> "
}

func (model *TUIModel) enterChat() {
	model.mode = modeChat
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message or /help"
	model.textInput.Prompt = "> "
}

func (model *TUIModel) system(body string) {
	model.lines = append(model.lines, logLine{at: time.Now(), body: body, system: true})
}

func (model *TUIModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, model.connectCmd())
}
