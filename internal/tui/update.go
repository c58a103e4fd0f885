package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"meetchat/internal/chat"
)

type (
	sessionEventMsg chat.Event
	openedMsg       struct {
		session *chat.Session
		err     error
	}
	sentMsg   struct{ err error }
	stagedMsg struct {
		file chat.Attachment
		err  error
	}
	closedMsg struct{}
)

func (model *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := message.(type) {
	case tea.WindowSizeMsg:
		model.resize(typed.Width, typed.Height)
		return model, nil

	case tea.KeyMsg:
		if typed.Type == tea.KeyCtrlC {
			return model, tea.Quit
		}
		switch model.mode {
		case modeRoomPrompt:
			return model.updateRoomPrompt(typed)
		case modeBrowse:
			return model.updateBrowser(typed)
		default:
			return model.updateChat(typed)
		}

	case sessionEventMsg:
		model.applyEvent(chat.Event(typed))
		return model, nil

	case openedMsg:
		if typed.err != nil {
			model.lastErr = typed.err
			model.notice("Could not open room: " + typed.err.Error())
			model.enterRoomPrompt()
			return model, nil
		}
		if typed.session.RoomID() == model.roomID {
			model.session = typed.session
			model.phase = typed.session.Phase()
			model.refreshMessages()
		}
		return model, nil

	case sentMsg:
		model.sending = false
		if typed.err != nil {
			model.notice("Send failed: " + typed.err.Error())
			if model.session != nil && model.input.Value() == "" {
				// the draft survives a failed send
				model.input.SetValue(model.session.Composer().Text())
			}
		}
		return model, nil

	case stagedMsg:
		if typed.err != nil {
			model.notice("Attach failed: " + typed.err.Error())
			return model, nil
		}
		if model.session != nil {
			model.session.Composer().Stage(typed.file)
		}
		return model, nil

	case closedMsg:
		model.session = nil
		model.phase = chat.PhaseIdle
		return model, nil
	}
	return model, nil
}

func (model *Model) updateRoomPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		return model, tea.Quit
	case tea.KeyEnter:
		roomID, err := parseRoomID(model.input.Value())
		if err != nil {
			model.notice(err.Error())
			return model, nil
		}
		return model, model.switchRoom(roomID)
	}
	var cmd tea.Cmd
	model.input, cmd = model.input.Update(key)
	return model, cmd
}

func (model *Model) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		return model, model.leave()
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		model.viewport, cmd = model.viewport.Update(key)
		return model, cmd
	case tea.KeyEnter:
		text := strings.TrimSpace(model.input.Value())
		if strings.HasPrefix(text, "/") {
			model.input.Reset()
			return model, model.runCommand(text)
		}
		return model, model.submit(text)
	}
	var cmd tea.Cmd
	model.input, cmd = model.input.Update(key)
	return model, cmd
}

func (model *Model) updateBrowser(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "esc", "q":
		model.enterChat()
		return model, nil
	case "up", "k":
		model.browser.move(-1)
	case "down", "j":
		model.browser.move(1)
	case "enter":
		item, ok := model.browser.selected()
		if !ok {
			return model, nil
		}
		if item.IsDir {
			if err := model.browser.open(item.Path); err != nil {
				model.notice(err.Error())
			}
			return model, nil
		}
		model.enterChat()
		return model, stageCmd(item.Path)
	}
	return model, nil
}

func (model *Model) submit(text string) tea.Cmd {
	if model.session == nil || model.sending {
		return nil
	}
	composer := model.session.Composer()
	if _, staged := composer.Staged(); text == "" && !staged {
		return nil
	}
	if !model.session.Ready() {
		model.notice("Not connected yet; your message is kept.")
		return nil
	}
	composer.SetText(text)
	model.input.Reset()
	model.sending = true
	session := model.session
	return func() tea.Msg {
		_, err := session.Submit(context.Background())
		return sentMsg{err: err}
	}
}

func (model *Model) runCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "/quit", "/exit":
		return tea.Quit
	case "/leave":
		return model.leave()
	case "/room":
		if len(args) != 1 {
			model.notice("Usage: /room <number>")
			return nil
		}
		roomID, err := parseRoomID(args[0])
		if err != nil {
			model.notice(err.Error())
			return nil
		}
		return model.switchRoom(roomID)
	case "/retry":
		return model.retryCmd()
	case "/attach":
		if len(args) == 0 {
			if err := model.browser.open(defaultBrowsePath()); err != nil {
				model.notice(err.Error())
				return nil
			}
			model.mode = modeBrowse
			return nil
		}
		return stageCmd(strings.Join(args, " "))
	case "/detach":
		if model.session != nil {
			model.session.Composer().Unstage()
		}
		return nil
	}
	model.notice(fmt.Sprintf("Unknown command %s", name))
	return nil
}

func (model *Model) switchRoom(roomID int64) tea.Cmd {
	model.roomID = roomID
	model.session = nil
	model.phase = chat.PhaseIdle
	model.lastErr = nil
	model.sending = false
	model.enterChat()
	model.refreshMessages()
	return model.openCmd(roomID)
}

func (model *Model) leave() tea.Cmd {
	session := model.session
	model.session = nil
	model.roomID = 0
	model.phase = chat.PhaseIdle
	model.enterRoomPrompt()
	model.refreshMessages()
	if session == nil {
		return nil
	}
	ctrl := model.ctrl
	return func() tea.Msg {
		_ = ctrl.Close(session)
		return closedMsg{}
	}
}

// controller calls run off the event loop: the observer feeds this loop, so
// a blocking call here could wait on an event that cannot be delivered.
func (model *Model) openCmd(roomID int64) tea.Cmd {
	ctrl := model.ctrl
	return func() tea.Msg {
		session, err := ctrl.Open(context.Background(), roomID)
		return openedMsg{session: session, err: err}
	}
}

func (model *Model) retryCmd() tea.Cmd {
	if model.roomID == 0 {
		return nil
	}
	if model.session != nil && model.session.Phase() != chat.PhaseFailed {
		model.notice("Nothing to retry.")
		return nil
	}
	model.lastErr = nil
	ctrl := model.ctrl
	return func() tea.Msg {
		session, err := ctrl.Retry(context.Background())
		return openedMsg{session: session, err: err}
	}
}

func stageCmd(path string) tea.Cmd {
	return func() tea.Msg {
		file, err := chat.LoadAttachment(path)
		return stagedMsg{file: file, err: err}
	}
}

func (model *Model) applyEvent(ev chat.Event) {
	if ev.RoomID != model.roomID {
		return
	}
	if model.session == nil || model.session.RoomID() != ev.RoomID {
		if current := model.ctrl.Current(); current != nil && current.RoomID() == ev.RoomID {
			model.session = current
		}
	}
	switch ev.Kind {
	case chat.EventPhase:
		model.phase = ev.Phase
		if ev.Err != nil {
			model.lastErr = ev.Err
			model.logger.Warn("session failed", zap.Int64("room_id", ev.RoomID), zap.Error(ev.Err))
		}
	case chat.EventMessages:
		model.refreshMessages()
	}
}

func (model *Model) resize(width, height int) {
	model.width, model.height = width, height
	model.viewport.Width = width - 4
	// header, status, staged line, notices and input box
	model.viewport.Height = max(height-12, 3)
	model.refreshMessages()
}

func (model *Model) refreshMessages() {
	var messages []chat.ChatMessage
	if model.session != nil {
		messages = model.session.Messages()
	}
	model.viewport.SetContent(model.renderMessages(messages))
	model.viewport.GotoBottom()
}

func parseRoomID(raw string) (int64, error) {
	roomID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || roomID <= 0 {
		return 0, errors.New("room must be a positive number")
	}
	return roomID, nil
}
