package bot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/slyntos/internal/auth"
	"github.com/xaenox/slyntos/internal/beat"
	"github.com/xaenox/slyntos/internal/chat"
	"github.com/xaenox/slyntos/internal/classifier"
	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/media"
	"github.com/xaenox/slyntos/internal/models"
	"github.com/xaenox/slyntos/internal/website"
	"go.uber.org/zap"
)

// maxMessageLen is Telegram's limit for one text message, in runes.
const maxMessageLen = 4096

// beatBars is how much of a started beat is rendered and sent as audio.
const beatBars = 4

type Options struct {
	// EditInterval is the minimum time between edits of a streaming reply.
	EditInterval time.Duration
	MaxFileSize  int64
}

// chatState is what the bot remembers about one Telegram chat.
type chatState struct {
	user    *models.User
	surface models.Surface
	mode    llm.Mode
}

type Bot struct {
	api    *tgbotapi.BotAPI
	gate   *auth.Gate
	hub    *chat.Hub
	media  media.Store
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	chats map[int64]*chatState
}

func New(token string, gate *auth.Gate, hub *chat.Hub, blobs media.Store, opts Options, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	if opts.EditInterval <= 0 {
		opts.EditInterval = time.Second
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = chat.DefaultLimits.MaxFileSize
	}

	return &Bot{
		api:    api,
		gate:   gate,
		hub:    hub,
		media:  blobs,
		opts:   opts,
		logger: logger,
		chats:  make(map[int64]*chatState),
	}, nil
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	state := b.state(message.Chat.ID)
	if state == nil {
		b.sendMessage(message.Chat.ID, "Please /register or /login first.")
		return
	}

	attachments, err := b.collectAttachments(ctx, message)
	if err != nil {
		b.logger.Error("Failed to download attachment",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't download your file.")
		return
	}

	text := message.Text
	if message.Caption != "" {
		text = message.Caption
	}

	b.submit(ctx, message.Chat.ID, state, chat.SubmitInput{Text: text, Attachments: attachments, Mode: state.mode})
}

func (b *Bot) submit(ctx context.Context, chatID int64, state *chatState, in chat.SubmitInput) {
	coord, err := b.hub.Open(ctx, state.user, state.surface)
	if err != nil {
		b.sendErrorMessage(chatID, userMessage(err))
		return
	}

	b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	placeholder, err := b.api.Send(tgbotapi.NewMessage(chatID, "..."))
	if err != nil {
		b.logger.Error("Failed to send placeholder", zap.Error(err), zap.Int64("chat_id", chatID))
		return
	}

	editor := newReplyEditor(b.opts.EditInterval, func(text string) error {
		_, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, placeholder.MessageID, text))
		return err
	})

	var intent classifier.Intent
	reply, err := coord.Submit(ctx, in, func(ev chat.Event) {
		switch ev.Kind {
		case chat.EventFragment:
			editor.update(truncate(ev.Message.Content, maxMessageLen), false)
		case chat.EventToolPending:
			if in := deliverableIntent(ev); in != nil {
				intent = in
			}
			editor.update(truncate(ev.Message.Content, maxMessageLen), true)
		}
	})
	if err != nil {
		b.api.Request(tgbotapi.NewDeleteMessage(chatID, placeholder.MessageID))
		b.sendErrorMessage(chatID, userMessage(err))
		return
	}

	chunks := splitText(formatReply(reply), maxMessageLen)
	if err := editor.update(chunks[0], true); err != nil {
		b.logger.Warn("Failed to edit reply", zap.Error(err), zap.Int64("chat_id", chatID))
	}
	for _, chunk := range chunks[1:] {
		b.sendMessage(chatID, chunk)
	}

	b.deliverMedia(ctx, chatID, coord, reply, intent)
}

// deliverMedia sends what the reply references beyond its text.
func (b *Bot) deliverMedia(ctx context.Context, chatID int64, coord *chat.Coordinator, reply models.Message, intent classifier.Intent) {
	for i, img := range reply.Images {
		data, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			b.logger.Warn("Skipping undecodable image", zap.Error(err), zap.Int("index", i))
			continue
		}
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: imageName(i+1, data), Bytes: data})
		b.sendChattable(chatID, photo)
	}

	if reply.AudioRef != "" && b.media != nil {
		data, _, err := b.media.Get(ctx, reply.AudioRef)
		if err != nil {
			b.logger.Error("Failed to load audio", zap.Error(err), zap.String("ref", reply.AudioRef))
		} else {
			b.sendChattable(chatID, tgbotapi.NewAudio(chatID, tgbotapi.FileBytes{Name: "speech.wav", Bytes: data}))
		}
	}

	if pb, ok := intent.(classifier.PlayBeat); ok {
		if wav, err := renderBeat(pb); err != nil {
			b.logger.Warn("Failed to render beat", zap.Error(err))
		} else {
			b.sendChattable(chatID, tgbotapi.NewAudio(chatID, tgbotapi.FileBytes{Name: "beat.wav", Bytes: wav}))
		}
	}

	if coord.Surface() == models.SurfaceWebsiteCreator {
		if html, ok := website.ExtractHTML(reply.Content); ok {
			var assets []models.Attachment
			if active := coord.Active(); active != nil {
				for _, m := range active.Messages {
					assets = append(assets, m.Attachments...)
				}
			}
			html = website.InjectAssets(html, assets)
			doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: "index.html", Bytes: []byte(html)})
			b.sendChattable(chatID, doc)
		}
	}
}

// deliverableIntent returns the intent of a tool_pending event whose action
// started, so a failed beat is not rendered.
func deliverableIntent(ev chat.Event) classifier.Intent {
	if ev.Kind != chat.EventToolPending || ev.Err != nil {
		return nil
	}
	return ev.Intent
}

// imageName names the n-th image of a reply after its sniffed type.
func imageName(n int, data []byte) string {
	ext := ".png"
	switch http.DetectContentType(data) {
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	}
	return fmt.Sprintf("image-%d%s", n, ext)
}

func renderBeat(pb classifier.PlayBeat) ([]byte, error) {
	style, err := beat.ParseStyle(pb.Style)
	if err != nil {
		style = beat.StyleHipHop
	}
	const rate = 22050
	pcm, err := beat.Render(style, beat.NormalizeTempo(pb.Tempo), beatBars, rate)
	if err != nil {
		return nil, err
	}
	return llm.PCMToWAV(pcm, rate, 1, 16), nil
}

// collectAttachments downloads every file carried by message.
func (b *Bot) collectAttachments(ctx context.Context, message *tgbotapi.Message) ([]models.Attachment, error) {
	type ref struct {
		fileID, name, mimeType string
		size                   int
	}
	var refs []ref
	if n := len(message.Photo); n > 0 {
		p := message.Photo[n-1]
		refs = append(refs, ref{p.FileID, "photo.jpg", "image/jpeg", p.FileSize})
	}
	if d := message.Document; d != nil {
		refs = append(refs, ref{d.FileID, d.FileName, d.MimeType, d.FileSize})
	}
	if a := message.Audio; a != nil {
		refs = append(refs, ref{a.FileID, firstNonEmpty(a.FileName, "audio"), a.MimeType, a.FileSize})
	}
	if v := message.Voice; v != nil {
		refs = append(refs, ref{v.FileID, "voice.ogg", firstNonEmpty(v.MimeType, "audio/ogg"), v.FileSize})
	}
	if v := message.Video; v != nil {
		refs = append(refs, ref{v.FileID, firstNonEmpty(v.FileName, "video.mp4"), firstNonEmpty(v.MimeType, "video/mp4"), v.FileSize})
	}

	attachments := make([]models.Attachment, 0, len(refs))
	for _, r := range refs {
		att := models.Attachment{Name: r.name, MIMEType: r.mimeType, Size: int64(r.size)}
		// Oversized files are left empty; validation rejects them by Size.
		if att.Size <= b.opts.MaxFileSize {
			data, err := b.download(ctx, r.fileID)
			if err != nil {
				return nil, err
			}
			att.Data = base64.StdEncoding.EncodeToString(data)
			att.Size = int64(len(data))
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}

func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.api.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, b.opts.MaxFileSize+1))
}

func (b *Bot) state(chatID int64) *chatState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.chats[chatID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (b *Bot) setState(chatID int64, fn func(s *chatState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.chats[chatID]
	if !ok {
		s = &chatState{surface: models.SurfaceGeneral, mode: llm.ModeDefault}
		b.chats[chatID] = s
	}
	fn(s)
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to Slyntos!
I'm a multimodal assistant: chat, research, build websites, make images, speak and play beats.

Create an account with /register <username> <password> [access code]
or sign in with /login <username> <password>.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/register <user> <pass> [code] - Create an account
/login <user> <pass> - Sign in
/logout - Sign out
/upgrade <code> - Unlock paid surfaces
/surface <general|academic|website> - Switch surface
/mode <default|thinking|lite> - Switch model mode
/new - Start a new chat
/chats - List your chats
/open <n> - Switch to chat n
/delete <n> - Delete chat n

You can send text, photos, documents, audio, voice notes and videos.
Ask me to draw something, edit a photo, read my answer aloud or play a beat.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	args := strings.Fields(message.CommandArguments())
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "register":
		b.handleRegister(ctx, message, args)
	case "login":
		b.handleLogin(ctx, message, args)
	case "logout":
		b.handleLogout(message)
	case "upgrade":
		b.handleUpgrade(ctx, message, args)
	case "surface":
		b.handleSurface(ctx, message, args)
	case "mode":
		b.handleMode(message, args)
	case "new":
		b.handleNew(ctx, message)
	case "chats":
		b.handleChats(ctx, message)
	case "open":
		b.handleOpen(ctx, message, args)
	case "delete":
		b.handleDelete(ctx, message, args)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleRegister(ctx context.Context, message *tgbotapi.Message, args []string) {
	b.deleteMessage(message)
	if len(args) < 2 {
		b.sendMessage(message.Chat.ID, "Usage: /register <username> <password> [access code]")
		return
	}
	in := auth.RegisterInput{Username: args[0], Password: args[1]}
	if len(args) > 2 {
		in.AccessCode = args[2]
	}
	user, err := b.gate.Register(ctx, in)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.signIn(message.Chat.ID, user)
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Welcome, %s! Your account is on the %s tier.", user.Username, user.Tier))
}

func (b *Bot) handleLogin(ctx context.Context, message *tgbotapi.Message, args []string) {
	b.deleteMessage(message)
	if len(args) != 2 {
		b.sendMessage(message.Chat.ID, "Usage: /login <username> <password>")
		return
	}
	user, err := b.gate.Login(ctx, args[0], args[1])
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.signIn(message.Chat.ID, user)
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Welcome back, %s!", user.Username))
}

func (b *Bot) signIn(chatID int64, user *models.User) {
	b.setState(chatID, func(s *chatState) {
		s.user = user
		s.surface = models.SurfaceGeneral
		s.mode = llm.ModeDefault
	})
	b.logger.Info("User signed in",
		zap.String("user_id", user.ID),
		zap.Int64("chat_id", chatID))
}

func (b *Bot) handleLogout(message *tgbotapi.Message) {
	state := b.state(message.Chat.ID)
	if state == nil {
		b.sendMessage(message.Chat.ID, "You are not signed in.")
		return
	}
	b.mu.Lock()
	delete(b.chats, message.Chat.ID)
	b.mu.Unlock()
	b.hub.Release(state.user.ID)
	b.sendMessage(message.Chat.ID, "Signed out.")
}

func (b *Bot) handleUpgrade(ctx context.Context, message *tgbotapi.Message, args []string) {
	b.deleteMessage(message)
	state := b.requireUser(message)
	if state == nil {
		return
	}
	if len(args) != 1 {
		b.sendMessage(message.Chat.ID, "Usage: /upgrade <access code>")
		return
	}
	user, err := b.gate.Upgrade(ctx, state.user.ID, args[0])
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.setState(message.Chat.ID, func(s *chatState) { s.user = user })
	b.sendMessage(message.Chat.ID, "Upgraded! Academic and Website Creator are now unlocked.")
}

func (b *Bot) handleSurface(ctx context.Context, message *tgbotapi.Message, args []string) {
	state := b.requireUser(message)
	if state == nil {
		return
	}
	if len(args) == 0 {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("You are on %s. Usage: /surface <general|academic|website>", state.surface.DisplayName()))
		return
	}
	surface, err := models.ParseSurface(strings.Join(args, " "))
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, "Unknown surface. Choose general, academic or website.")
		return
	}
	if _, err := b.hub.Open(ctx, state.user, surface); err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.setState(message.Chat.ID, func(s *chatState) { s.surface = surface })
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Switched to %s.", surface.DisplayName()))
}

func (b *Bot) handleMode(message *tgbotapi.Message, args []string) {
	state := b.requireUser(message)
	if state == nil {
		return
	}
	if len(args) != 1 {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Current mode: %s. Usage: /mode <default|thinking|lite>", state.mode))
		return
	}
	mode, err := llm.ParseMode(args[0])
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, "Unknown mode. Choose default, thinking or lite.")
		return
	}
	b.setState(message.Chat.ID, func(s *chatState) { s.mode = mode })
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Mode set to %s.", mode))
}

func (b *Bot) handleNew(ctx context.Context, message *tgbotapi.Message) {
	coord := b.coordinator(ctx, message)
	if coord == nil {
		return
	}
	if _, err := coord.NewChat(ctx); err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.sendMessage(message.Chat.ID, "Started a new chat.")
}

func (b *Bot) handleChats(ctx context.Context, message *tgbotapi.Message) {
	coord := b.coordinator(ctx, message)
	if coord == nil {
		return
	}
	text := formatSessions(coord.Surface(), coord.Sessions(), coord.Active())
	msg := tgbotapi.NewMessage(message.Chat.ID, text)
	msg.ParseMode = "MarkdownV2"
	b.sendChattable(message.Chat.ID, msg)
}

func (b *Bot) handleOpen(ctx context.Context, message *tgbotapi.Message, args []string) {
	coord := b.coordinator(ctx, message)
	if coord == nil {
		return
	}
	session, ok := b.sessionArg(message, coord, args)
	if !ok {
		return
	}
	if _, err := coord.Select(session.ID); err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Opened %q.", session.Title))
}

func (b *Bot) handleDelete(ctx context.Context, message *tgbotapi.Message, args []string) {
	coord := b.coordinator(ctx, message)
	if coord == nil {
		return
	}
	session, ok := b.sessionArg(message, coord, args)
	if !ok {
		return
	}
	active, err := coord.Delete(ctx, session.ID)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Deleted %q. Now in %q.", session.Title, active.Title))
}

// sessionArg resolves the 1-based index in args against the session list.
func (b *Bot) sessionArg(message *tgbotapi.Message, coord *chat.Coordinator, args []string) (*models.ChatSession, bool) {
	sessions := coord.Sessions()
	if len(args) != 1 {
		b.sendMessage(message.Chat.ID, "Usage: /"+message.Command()+" <n> (see /chats)")
		return nil, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(sessions) {
		b.sendErrorMessage(message.Chat.ID, fmt.Sprintf("Pick a chat between 1 and %d.", len(sessions)))
		return nil, false
	}
	return sessions[n-1], true
}

func (b *Bot) requireUser(message *tgbotapi.Message) *chatState {
	state := b.state(message.Chat.ID)
	if state == nil {
		b.sendMessage(message.Chat.ID, "Please /register or /login first.")
	}
	return state
}

func (b *Bot) coordinator(ctx context.Context, message *tgbotapi.Message) *chat.Coordinator {
	state := b.requireUser(message)
	if state == nil {
		return nil
	}
	coord, err := b.hub.Open(ctx, state.user, state.surface)
	if err != nil {
		b.logger.Error("Failed to open chat",
			zap.Error(err),
			zap.String("user_id", state.user.ID))
		b.sendErrorMessage(message.Chat.ID, userMessage(err))
		return nil
	}
	return coord
}

// deleteMessage removes a message that carried credentials.
func (b *Bot) deleteMessage(message *tgbotapi.Message) {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(message.Chat.ID, message.MessageID)); err != nil {
		b.logger.Warn("Failed to delete credentials message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendChattable(chatID int64, c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

// userMessage maps domain errors to what the user is told.
func userMessage(err error) string {
	var attErr *chat.AttachmentError
	var valErr *auth.ValidationError
	switch {
	case errors.Is(err, chat.ErrBusy):
		return "Still working on your previous message, please wait."
	case errors.Is(err, chat.ErrEmptySubmission):
		return "Send some text or a file."
	case errors.Is(err, chat.ErrUpgradeRequired):
		return "This surface needs a paid account. Use /upgrade <access code>."
	case errors.Is(err, chat.ErrSessionNotFound):
		return "That chat no longer exists."
	case errors.As(err, &attErr):
		return attErr.Error()
	case errors.As(err, &valErr):
		return valErr.Error()
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUsernameTaken),
		errors.Is(err, auth.ErrInvalidAccessCode),
		errors.Is(err, auth.ErrTooManyAttempts):
		return err.Error()
	}
	return "Something went wrong. Please try again."
}
