package tui

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"meetchat/internal/chat"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	ownUserStyle       = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	ownBodyStyle       = messageBodyStyle.Copy().Foreground(lipgloss.Color("225"))
	fileLinkStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Underline(true)
	stagedStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	selectedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	itemStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
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

func (model *Model) View() string {
	switch model.mode {
	case modeRoomPrompt:
		return model.renderRoomPrompt()
	case modeBrowse:
		return model.renderBrowser()
	default:
		return model.renderChatView()
	}
}

func (model *Model) renderRoomPrompt() string {
	sections := []string{
		appTitleStyle.Render("MeetChat"),
		menuHintStyle.Render("Enter the room number to join and press Enter. Esc quits."),
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(model.input.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderChatView() string {
	segments := []string{"MeetChat", fmt.Sprintf("Room %d", model.roomID)}
	if model.userID > 0 {
		segments = append(segments, fmt.Sprintf("User %d", model.userID))
	}
	if model.endpoint != "" {
		segments = append(segments, model.endpoint)
	}
	sections := []string{
		chatHeaderStyle.Render(strings.Join(segments, dividerStyle)),
		model.renderStatus(),
		messageBoxStyle.Render(model.viewport.View()),
	}
	if staged := model.renderStaged(); staged != "" {
		sections = append(sections, staged)
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		inputBoxStyle.Render(model.input.View()),
		menuHintStyle.Render("Enter send • /attach [path] • /detach • /room <n> • /retry • Esc leave • Ctrl+C quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderStatus() string {
	switch model.phase {
	case chat.PhaseReady:
		if model.sending {
			return connectingStyle.Render("Sending…")
		}
		return connectedStyle.Render("Connected")
	case chat.PhaseFailed:
		text := "Disconnected"
		if model.lastErr != nil {
			text = model.lastErr.Error()
		}
		return errorStyle.Render("Error: " + text + " (type /retry)")
	case chat.PhaseLoadingHistory:
		return connectingStyle.Render("Loading history…")
	case chat.PhaseConnecting, chat.PhaseSubscribed:
		return connectingStyle.Render("Connecting…")
	case chat.PhaseClosing:
		return connectingStyle.Render("Closing…")
	}
	return statusStyle.Render("Idle")
}

func (model *Model) renderStaged() string {
	if model.session == nil {
		return ""
	}
	file, ok := model.session.Composer().Staged()
	if !ok {
		return ""
	}
	return stagedStyle.Render(fmt.Sprintf("Attached: %s (%s) • /detach to remove", file.Name, humanize.Bytes(uint64(file.Size()))))
}

func (model *Model) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, notice := range model.notices {
		lines = append(lines, systemMessageStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (model *Model) renderMessages(messages []chat.ChatMessage) string {
	if model.roomID == 0 {
		return ""
	}
	if len(messages) == 0 {
		return systemMessageStyle.Render("No messages yet. Say hi and start the conversation.")
	}
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, model.renderMessage(msg))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderMessage renders one log line; the local user's own messages are
// highlighted by sender id.
func (model *Model) renderMessage(msg chat.ChatMessage) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.CreatedAt.Local().Format("15:04:05")))
	name := msg.SenderName
	if name == "" {
		name = fmt.Sprintf("user %d", msg.SenderID)
	}
	if msg.SenderID == 0 && msg.SenderName == "system" {
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(msg.Content))
	}

	own := model.userID > 0 && msg.SenderID == model.userID
	nameStyle := usernameStyle.Copy().Foreground(colorForUser(msg.SenderID))
	bodyStyle := messageBodyStyle
	if own {
		nameStyle = ownUserStyle
		bodyStyle = ownBodyStyle
	}

	body := bodyStyle.Render(strings.ReplaceAll(msg.Content, "\n", "\n   "))
	if msg.Type == chat.MessageFile && msg.FileRef != nil {
		body = lipgloss.JoinHorizontal(lipgloss.Left, body, " ", model.renderFileRef(msg.FileRef))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", nameStyle.Render(name), ": ", body)
}

func (model *Model) renderFileRef(ref *chat.FileRef) string {
	if ref.Inline() {
		label := ref.Name
		if label == "" {
			label = "attachment"
		}
		return fileLinkStyle.Render(fmt.Sprintf("[%s, %s inline]", label, humanize.Bytes(uint64(len(ref.Data)))))
	}
	return fileLinkStyle.Render(resolveURL(model.imageBaseURL, ref.URL))
}

// resolveURL resolves a server-relative reference against base.
func resolveURL(base, ref string) string {
	if base == "" || ref == "" {
		return ref
	}
	parsedRef, err := url.Parse(ref)
	if err != nil || parsedRef.IsAbs() {
		return ref
	}
	parsedBase, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return ref
	}
	return parsedBase.ResolveReference(parsedRef).String()
}

func colorForUser(senderID int64) lipgloss.Color {
	if senderID < 0 {
		senderID = -senderID
	}
	return userColorPalette[senderID%int64(len(userColorPalette))]
}

func (model *Model) renderBrowser() string {
	sections := []string{
		appTitleStyle.Render("Attach a file"),
		menuHintStyle.Render(model.browser.dir),
	}
	var lines []string
	if len(model.browser.items) == 0 {
		lines = append(lines, menuHintStyle.Render("Empty directory."))
	}
	start, end := model.browser.window(max(model.height-10, 5))
	for idx := start; idx < end; idx++ {
		item := model.browser.items[idx]
		label := item.Name
		if item.IsDir {
			label += "/"
		} else {
			label += "  " + humanize.Bytes(uint64(item.Size))
		}
		if idx == model.browser.cursor {
			lines = append(lines, selectedStyle.Render("➤ "+label))
		} else {
			lines = append(lines, itemStyle.Render("  "+label))
		}
	}
	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, menuHintStyle.Render("↑/↓ select • Enter open/attach • Esc back"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
