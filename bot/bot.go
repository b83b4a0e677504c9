package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set via -ldflags at build time
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ChatRoomBot is the top-level application. It owns the database, the
// Discord gateway session, the completion client, the room manager and
// the expiry sweeper, and runs them until its context is canceled.
type ChatRoomBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI
	store   *SessionStore

	discord    *Discord
	completion CompletionRequester
	rooms      *RoomManager
	sweeper    *ExpirySweeper
	api        *API

	startedAt time.Time

	// runMu prevents concurrent Run calls
	runMu sync.Mutex

	// signalStop enables an explicit stop signal to be sent to the bot,
	// as an alternative to canceling the context passed to Run
	signalStop chan struct{}

	// signalReady has a value sent on it when startup has finished and
	// the gateway connection is open. Used by tests.
	signalReady chan struct{}
}

// New initializes a ChatRoomBot from the given config. Run must be
// called on the returned bot to actually start it.
func New(config *Config) (*ChatRoomBot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &ChatRoomBot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	logWriter := newLogWriter(config.LogFile)
	b.logHandler = newLogHandler(logWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	disc.logger = slog.New(
		newLogHandler(logWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	b.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(logWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	completion, err := NewCompletionClient(
		config.Completion,
		slog.New(newLogHandler(logWriter, config.Completion.LogLevel)),
	)
	if err != nil {
		return nil, err
	}
	b.completion = completion

	b.api = newAPI(b, config.API)

	return b, nil
}

// Run starts the bot and blocks until ctx is canceled or a stop signal
// is received, then shuts down gracefully.
func (b *ChatRoomBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.config.Validate(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context, which triggers a graceful shutdown when
	// canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	if b.config.API.Enabled {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if httpErr := b.api.Serve(ctx); httpErr != nil &&
				!errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := b.openDiscordSession(ctx); err != nil {
		return err
	}

	// The sweeper starts after the gateway is open, so its first pass
	// can delete channels and notify owners.
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.sweeper.Run(ctx)
	}()

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "startup complete")

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	if closeErr := b.discord.session.Close(); closeErr != nil {
		logger.Error("error closing discord session", tint.Err(closeErr))
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out")
	}
	return nil
}

// Stop signals the bot to shut down. Safe to call from another
// goroutine while Run is blocked.
func (b *ChatRoomBot) Stop() {
	if b.signalStop != nil {
		b.signalStop <- struct{}{}
	}
}

// initRun initializes the database and all components that depend on
// it, and registers the gateway handlers.
func (b *ChatRoomBot) initRun(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		b.config.Database,
		newLogHandler(newLogWriter(b.config.LogFile), b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger)
	b.store = NewSessionStore(db, b.writeDB, b.logger)

	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session

	b.rooms = NewRoomManager(b.store, session, b.config, b.logger)
	b.sweeper = NewExpirySweeper(b.rooms, b.store, b.config.Sessions, b.logger)

	return nil
}

// openDiscordSession registers the gateway event handlers, opens the
// websocket connection and registers the slash commands.
func (b *ChatRoomBot) openDiscordSession(ctx context.Context) error {
	d := b.discord
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(b.handlerReady(ctx)),
		d.session.AddHandler(b.handlerConnect(ctx)),
		d.session.AddHandler(b.handlerDisconnect()),
		d.session.AddHandler(b.handlerGuildCreate(ctx)),
		d.session.AddHandler(b.handlerGuildDelete(ctx)),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.handleMessageCreate(ctx, m)
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				b.handleInteraction(ctx, i)
			},
		),
	}

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err := d.registerCommands(); err != nil {
		return fmt.Errorf("error registering discord commands: %w", err)
	}
	return nil
}

func (b *ChatRoomBot) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		b.discord.logger.InfoContext(
			ctx,
			"ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
			"startup_latency", time.Since(b.startedAt),
		)
	}
}

func (b *ChatRoomBot) handlerConnect(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d := b.discord
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.InfoContext(ctx, "connected")

		if d.config.CustomStatus != "" {
			if err := d.updateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}
		if d.config.LogsChannelID != "" && d.config.StartupMessage != "" {
			if err := d.channelMessageSend(
				d.config.LogsChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			}
		}
	}
}

func (b *ChatRoomBot) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.discord.connected.Store(false)
		b.discord.metricDisconnects.Add(1)
		b.discord.logger.Info("disconnected")
	}
}

// handlerGuildCreate re-registers the command surface and greets the
// owner of a guild the bot was just added to. GuildCreate also fires for
// every guild on startup, so only guilds joined in the last minute count
// as new.
func (b *ChatRoomBot) handlerGuildCreate(ctx context.Context) func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil || time.Since(g.JoinedAt) > time.Minute {
			return
		}
		b.discord.logger.InfoContext(
			ctx,
			"joined guild",
			"guild_id", g.ID,
			"guild_name", g.Name,
		)
		if _, err := b.discord.registerCommands(); err != nil {
			b.discord.logger.Error(
				"error re-registering commands on guild join",
				tint.Err(err),
			)
		}
		dm, err := b.discord.session.UserChannelCreate(g.OwnerID)
		if err != nil {
			b.discord.logger.Error(
				"error creating owner DM channel",
				tint.Err(err),
				"owner_id", g.OwnerID,
			)
			return
		}
		greeting := fmt.Sprintf(
			"Thanks for adding %s to **%s**! Use `/panel` in a channel to "+
				"post the room control panel.",
			b.config.App.Name,
			g.Name,
		)
		if err = b.discord.channelMessageSend(dm.ID, greeting); err != nil {
			b.discord.logger.Error("error sending owner greeting", tint.Err(err))
		}
	}
}

func (b *ChatRoomBot) handlerGuildDelete(ctx context.Context) func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		b.discord.logger.InfoContext(ctx, "removed from guild", "guild_id", g.ID)
	}
}

// handleMessageCreate relays messages typed directly into a room channel
// to the completion client and posts the reply back into the room.
func (b *ChatRoomBot) handleMessageCreate(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	session, err := b.store.SessionByChannel(ctx, m.ChannelID)
	if err != nil {
		b.logger.ErrorContext(ctx, "error looking up room", tint.Err(err))
		return
	}
	if session == nil || session.OwnerID != m.Author.ID {
		return
	}

	reply, err := b.relayPrompt(ctx, session, m.Content)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error relaying prompt",
			tint.Err(err),
			"session", session,
		)
		_ = b.discord.channelMessageSend(
			m.ChannelID,
			"Sorry, I couldn't get a response. Please try again.",
		)
		return
	}
	for _, chunk := range splitMessage(reply, discordMaxMessageLength) {
		if sendErr := b.discord.channelMessageSend(m.ChannelID, chunk); sendErr != nil {
			b.logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
			return
		}
	}
}

// relayPrompt sends the prompt with the session's chat history to the
// completion client, persists the exchange and refreshes the session's
// idle timer. The exchange is only recorded after a successful
// completion, so a failed call leaves the history untouched.
func (b *ChatRoomBot) relayPrompt(
	ctx context.Context,
	session *Session,
	prompt string,
) (string, error) {
	history, err := b.store.ChatHistory(ctx, session.ID)
	if err != nil {
		return "", err
	}
	reply, err := b.completion.SendPrompt(ctx, history, prompt)
	if err != nil {
		return "", err
	}
	if err = b.store.AppendMessage(ctx, session.ID, MessageRoleUser, prompt); err != nil {
		return "", err
	}
	if err = b.store.AppendMessage(
		ctx, session.ID, MessageRoleAssistant, reply,
	); err != nil {
		return "", err
	}
	if err = b.store.Touch(ctx, session); err != nil {
		b.logger.ErrorContext(ctx, "error refreshing session", tint.Err(err))
	}
	return reply, nil
}

// handleInteraction routes slash commands, button presses and modal
// submissions.
func (b *ChatRoomBot) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := b.discord.logger.With(interactionLogAttrs(*i)...)
	ctx = WithLogger(ctx, logger)

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		logger.InfoContext(ctx, "application command", "command_name", data.Name)
		switch data.Name {
		case DiscordSlashCommandPanel:
			b.commandPanel(ctx, i)
		case DiscordSlashCommandRoom:
			b.commandRoom(ctx, i)
		case DiscordSlashCommandSync:
			b.commandSync(ctx, i)
		default:
			logger.WarnContext(ctx, "unknown command", "command_name", data.Name)
		}
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		logger.InfoContext(ctx, "component interaction", "custom_id", data.CustomID)
		switch data.CustomID {
		case customIDPanelCreateRoom:
			b.componentCreateRoom(ctx, i)
		case customIDPanelDeleteRoom, customIDControlDelete:
			b.componentDeleteRoom(ctx, i)
		case customIDControlEphemeral:
			b.componentToggleEphemeral(ctx, i)
		case customIDControlPrompt:
			b.componentPrompt(ctx, i)
		default:
			logger.WarnContext(ctx, "unknown component", "custom_id", data.CustomID)
		}
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		if data.CustomID == promptModalCustomID {
			b.modalPromptSubmit(ctx, i)
		} else {
			logger.WarnContext(ctx, "unknown modal", "custom_id", data.CustomID)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// ephemeralResponse sends a plain ephemeral message in response to an
// interaction.
func (b *ChatRoomBot) ephemeralResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		b.discord.logger.ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
		)
	}
}

// commandPanel posts the room control panel into the channel the command
// was invoked from. The command is registered admin-only, the permission
// check here is a backstop.
func (b *ChatRoomBot) commandPanel(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.Member == nil ||
		i.Member.Permissions&discordgo.PermissionAdministrator == 0 {
		b.ephemeralResponse(ctx, i, "You need to be an administrator to do that.")
		return
	}
	if _, err := b.discord.session.ChannelMessageSendComplex(
		i.ChannelID, b.rooms.panelMessage(),
	); err != nil {
		b.ephemeralResponse(ctx, i, "Couldn't post the panel here.")
		return
	}
	b.ephemeralResponse(ctx, i, "Panel posted.")
}

// commandSync re-registers the application commands. Registered
// admin-only, the permission check here is a backstop.
func (b *ChatRoomBot) commandSync(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.Member == nil ||
		i.Member.Permissions&discordgo.PermissionAdministrator == 0 {
		b.ephemeralResponse(ctx, i, "You need to be an administrator to do that.")
		return
	}
	created, err := b.discord.registerCommands()
	if err != nil {
		b.ephemeralResponse(ctx, i, "Couldn't sync commands, please try again.")
		return
	}
	b.ephemeralResponse(
		ctx, i, fmt.Sprintf("Synced %d commands.", len(created)),
	)
}

// commandRoom tells the user where their room is.
func (b *ChatRoomBot) commandRoom(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	if user == nil {
		return
	}
	session, err := b.store.GetSession(ctx, user.ID)
	if err != nil {
		b.ephemeralResponse(ctx, i, "Something went wrong, please try again.")
		return
	}
	if session == nil {
		b.ephemeralResponse(
			ctx, i, "You don't have a room. Use the panel to create one.",
		)
		return
	}
	b.ephemeralResponse(
		ctx, i, fmt.Sprintf("Your room: <#%s>", session.ChannelID),
	)
}

func (b *ChatRoomBot) componentCreateRoom(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	if user == nil || i.GuildID == "" {
		return
	}
	session, err := b.rooms.CreateRoom(ctx, i.GuildID, user)
	switch {
	case errors.Is(err, ErrRoomExists):
		b.ephemeralResponse(
			ctx, i, fmt.Sprintf("You already have a room: <#%s>", session.ChannelID),
		)
	case err != nil:
		b.ephemeralResponse(ctx, i, "Couldn't create your room, please try again.")
	default:
		b.ephemeralResponse(
			ctx, i, fmt.Sprintf("Your room is ready: <#%s>", session.ChannelID),
		)
	}
}

func (b *ChatRoomBot) componentDeleteRoom(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	if user == nil {
		return
	}
	err := b.rooms.DeleteRoom(ctx, user.ID)
	switch {
	case errors.Is(err, ErrNoRoom):
		b.ephemeralResponse(ctx, i, "You don't have a room to delete.")
	case err != nil:
		b.ephemeralResponse(ctx, i, "Couldn't delete your room, please try again.")
	default:
		// The room channel may be the interaction's own channel, in
		// which case this response goes nowhere. That's fine.
		b.ephemeralResponse(ctx, i, "Your room was deleted.")
	}
}

func (b *ChatRoomBot) componentToggleEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	if user == nil {
		return
	}
	hidden, err := b.rooms.ToggleEphemeral(ctx, user.ID)
	switch {
	case errors.Is(err, ErrNoRoom):
		b.ephemeralResponse(ctx, i, "You don't have a room.")
	case err != nil:
		b.ephemeralResponse(ctx, i, "Couldn't update your room, please try again.")
	case hidden:
		b.ephemeralResponse(ctx, i, "Replies to your prompts are now hidden.")
	default:
		b.ephemeralResponse(ctx, i, "Replies to your prompts are now visible.")
	}
}

// componentPrompt shows the prompt modal. Only the room's owner can use
// the control buttons in their room.
func (b *ChatRoomBot) componentPrompt(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	if user == nil {
		return
	}
	session, err := b.store.GetSession(ctx, user.ID)
	if err != nil || session == nil {
		b.ephemeralResponse(ctx, i, "You don't have a room.")
		return
	}
	if err = b.discord.session.InteractionRespond(
		i.Interaction, promptModal(),
	); err != nil {
		b.discord.logger.ErrorContext(ctx, "error showing prompt modal", tint.Err(err))
	}
}

// modalPromptSubmit handles a submitted prompt modal: defers the
// response, relays the prompt, and posts the reply as followups.
func (b *ChatRoomBot) modalPromptSubmit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	if user == nil {
		return
	}
	session, err := b.store.GetSession(ctx, user.ID)
	if err != nil || session == nil {
		b.ephemeralResponse(ctx, i, "You don't have a room.")
		return
	}

	prompt := promptFromModal(i.ModalSubmitData())
	if prompt == "" {
		b.ephemeralResponse(ctx, i, "Your prompt was empty.")
		return
	}

	var flags discordgo.MessageFlags
	if session.Ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	if err = b.discord.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: flags},
		},
	); err != nil {
		b.discord.logger.ErrorContext(
			ctx,
			"error deferring modal response",
			tint.Err(err),
		)
		return
	}

	reply, err := b.relayPrompt(ctx, session, prompt)
	if err != nil {
		_, _ = b.discord.session.FollowupMessageCreate(
			i.Interaction, true, &discordgo.WebhookParams{
				Content: "Sorry, I couldn't get a response. Please try again.",
				Flags:   flags,
			},
		)
		return
	}

	content := fmt.Sprintf("**Prompt:** %s\n\n%s", truncate(prompt, 500), reply)
	for _, chunk := range splitMessage(content, discordMaxMessageLength) {
		if _, err = b.discord.session.FollowupMessageCreate(
			i.Interaction, true, &discordgo.WebhookParams{
				Content: chunk,
				Flags:   flags,
			},
		); err != nil {
			b.discord.logger.ErrorContext(ctx, "error sending followup", tint.Err(err))
			return
		}
	}
}

// promptFromModal extracts the prompt text input from a submitted modal.
func promptFromModal(data discordgo.ModalSubmitInteractionData) string {
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			input, ok := component.(*discordgo.TextInput)
			if ok && input.CustomID == promptInputCustomID {
				return input.Value
			}
		}
	}
	return ""
}
