package tui

import (
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"meetchat/internal/chat"
)

type appMode int

const (
	modeRoomPrompt appMode = iota
	modeChat
	modeBrowse
)

// Options configure the host view. Controller is required; a zero RoomID
// starts at the room prompt.
type Options struct {
	Controller   *chat.Controller
	UserID       int64
	RoomID       int64
	Endpoint     string
	ImageBaseURL string
	Logger       *zap.Logger
}

// Model mounts one room session at a time: entering a room opens a session
// through the controller, leaving or switching closes it.
type Model struct {
	ctrl         *chat.Controller
	session      *chat.Session
	roomID       int64
	userID       int64
	endpoint     string
	imageBaseURL string
	logger       *zap.Logger

	mode     appMode
	input    textinput.Model
	viewport viewport.Model
	browser  fileBrowser
	notices  []string
	phase    chat.Phase
	lastErr  error
	sending  bool
	width    int
	height   int
}

func New(opts Options) *Model {
	input := textinput.New()
	input.CharLimit = 0
	input.Focus()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	model := &Model{
		ctrl:         opts.Controller,
		roomID:       opts.RoomID,
		userID:       opts.UserID,
		endpoint:     opts.Endpoint,
		imageBaseURL: opts.ImageBaseURL,
		logger:       logger,
		input:        input,
		viewport:     viewport.New(80, 16),
		width:        80,
		height:       24,
	}
	if opts.RoomID > 0 {
		model.enterChat()
	} else {
		model.enterRoomPrompt()
	}
	return model
}

func (model *Model) Init() tea.Cmd {
	if model.mode == modeChat {
		return tea.Batch(textinput.Blink, model.openCmd(model.roomID))
	}
	return textinput.Blink
}

func (model *Model) enterRoomPrompt() {
	model.mode = modeRoomPrompt
	model.input.Reset()
	model.input.Prompt = "room> "
	model.input.Placeholder = "Enter a room number…"
}

func (model *Model) enterChat() {
	model.mode = modeChat
	model.input.Reset()
	model.input.Prompt = "> "
	model.input.Placeholder = "Type a message… (/attach, /room, /retry, /quit)"
}

func (model *Model) notice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

const maxNotices = 4
