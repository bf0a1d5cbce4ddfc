package internal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	peerSelectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	peerItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// maxLogLines keeps the view to the most recent part of the log.
const maxLogLines = 200

func (model *TUIModel) View() string {
	if model.mode == modePeerPrompt {
		return model.renderPeerPrompt()
	}
	return model.renderChatView()
}

func (model *TUIModel) renderPeerPrompt() string {
	sections := []string{
		appTitleStyle.Render("relaychat probe"),
		menuHintStyle.Render("Enter the user id you want to relay to. Esc quits."),
		model.renderStatusLine(),
		menuBoxStyle.Render(model.renderOnlineList()),
		inputBoxStyle.Render(model.textInput.View()),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{"relaychat"}
	if model.userID != "" {
		headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.userID))
	}
	headerSegments = append(headerSegments, fmt.Sprintf("Peer %s %s", presenceDot(model.online[model.peer]), model.peer))
	headerSegments = append(headerSegments, fmt.Sprintf("Server %s", model.serverURL))
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	lines := model.lines
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	var messageLines []string
	for _, line := range lines {
		messageLines = append(messageLines, model.renderLogLine(line))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("Nothing relayed yet. Type /help for commands."))
	}

	sections := []string{header, model.renderStatusLine()}
	if model.peer != "" && !model.online[model.peer] {
		if seen, ok := model.lastSeen[model.peer]; ok {
			sections = append(sections, statusStyle.Render(fmt.Sprintf("%s last seen %s", model.peer, seen.Local().Format("Jan 2 15:04:05"))))
		}
	}
	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)))
	if model.typingFrom[model.peer] {
		sections = append(sections, systemMessageStyle.Render(model.peer+" is typing…"))
	}
	if model.caller != "" {
		sections = append(sections, connectingStyle.Render("Incoming call from "+model.caller))
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()), menuHintStyle.Render(helpText))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderStatusLine() string {
	switch {
	case model.connectionError != nil:
		return errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		return connectedStyle.Render("Connected")
	default:
		return connectingStyle.Render("Connecting…")
	}
}

func (model *TUIModel) renderOnlineList() string {
	users := make([]string, 0, len(model.online))
	for user, online := range model.online {
		if online && user != model.userID {
			users = append(users, user)
		}
	}
	if len(users) == 0 {
		return menuHintStyle.Render("Nobody else is online.")
	}
	sort.Strings(users)
	lines := make([]string, 0, len(users))
	for _, user := range users {
		style := peerItemStyle
		if user == model.peer {
			style = peerSelectedStyle
		}
		lines = append(lines, style.Render(fmt.Sprintf("%s %s", presenceDot(true), user)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (model *TUIModel) renderLogLine(line logLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", line.at.Format("15:04:05")))
	if line.system {
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(line.body))
	}
	nameStyle := usernameStyle.Copy().Foreground(colorForUser(line.from))
	if line.from == model.userID {
		nameStyle = activeUserStyle
	}
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(line.body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", nameStyle.Render(line.from), ": ", bodyText)
}

func presenceDot(online bool) string {
	if online {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
