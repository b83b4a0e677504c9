package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Component custom IDs are static so button presses keep working on
// panel and control messages posted before a restart.
const (
	customIDPanelCreateRoom = "panel:create_room"
	customIDPanelDeleteRoom = "panel:delete_room"

	customIDControlPrompt    = "control:prompt"
	customIDControlEphemeral = "control:ephemeral_room"
	customIDControlDelete    = "control:delete_room"

	promptModalCustomID = "prompt_modal"
	promptInputCustomID = "prompt_input"

	promptInputMaxLength = 1000
)

var (
	// ErrRoomExists indicates the user already has an active room
	ErrRoomExists = errors.New("user already has a room")

	// ErrNoRoom indicates the user has no active room
	ErrNoRoom = errors.New("user has no room")
)

// RoomManager creates and deletes private room channels and keeps the
// session table consistent with them. Channel operations go first, so a
// Discord failure never leaves a session row pointing at nothing.
type RoomManager struct {
	store   *SessionStore
	session DiscordSessionHandler
	config  *Config
	logger  *slog.Logger
}

func NewRoomManager(
	store *SessionStore,
	session DiscordSessionHandler,
	config *Config,
	log *slog.Logger,
) *RoomManager {
	if log == nil {
		log = slog.Default()
	}
	return &RoomManager{
		store:   store,
		session: session,
		config:  config,
		logger:  log.With(loggerNameKey, "rooms"),
	}
}

// roomChannelName derives the room channel name from the owner's
// username.
func roomChannelName(user *discordgo.User) string {
	name := strings.ToLower(user.Username)
	name = strings.Map(
		func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '-'
			}
		}, name,
	)
	return fmt.Sprintf("room-%s", name)
}

// roomPermissionOverwrites hides the channel from @everyone and any
// configured extra roles, and grants the owner and the bot access.
func (r *RoomManager) roomPermissionOverwrites(
	guildID string,
	ownerID string,
) []*discordgo.PermissionOverwrite {
	memberAllow := int64(
		discordgo.PermissionViewChannel |
			discordgo.PermissionSendMessages |
			discordgo.PermissionReadMessageHistory,
	)

	// The @everyone role ID is always the guild ID
	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: int64(discordgo.PermissionViewChannel),
		},
		{
			ID:    ownerID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: memberAllow,
		},
		{
			ID:    r.config.Discord.ApplicationID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: memberAllow,
		},
	}
	for _, roleID := range r.config.Discord.HideRoleIDs {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:   roleID,
				Type: discordgo.PermissionOverwriteTypeRole,
				Deny: int64(discordgo.PermissionViewChannel),
			},
		)
	}
	return overwrites
}

// CreateRoom provisions a private channel for the user and records the
// session. Returns [ErrRoomExists] if the user already has one.
func (r *RoomManager) CreateRoom(
	ctx context.Context,
	guildID string,
	user *discordgo.User,
) (*Session, error) {
	existing, err := r.store.GetSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrRoomExists
	}

	channel, err := r.session.GuildChannelCreateComplex(
		guildID, discordgo.GuildChannelCreateData{
			Name:                 roomChannelName(user),
			Type:                 discordgo.ChannelTypeGuildText,
			ParentID:             r.config.Discord.ChatCategoryID,
			PermissionOverwrites: r.roomPermissionOverwrites(guildID, user.ID),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating room channel: %w", err)
	}

	session, err := r.store.CreateSession(ctx, user.ID, channel.ID)
	if err != nil {
		// Don't leave an untracked channel behind
		if _, delErr := r.session.ChannelDelete(channel.ID); delErr != nil {
			r.logger.ErrorContext(
				ctx,
				"error cleaning up channel after session create failure",
				tint.Err(delErr),
				"channel_id", channel.ID,
			)
		}
		return nil, err
	}

	if _, err = r.session.ChannelMessageSendComplex(
		channel.ID, r.welcomeMessage(user),
	); err != nil {
		r.logger.ErrorContext(
			ctx,
			"error sending room welcome message",
			tint.Err(err),
			"channel_id", channel.ID,
		)
	}

	r.logger.InfoContext(ctx, "created room", "session", session)
	return session, nil
}

// DeleteRoom tears down the user's room channel and session. Returns
// [ErrNoRoom] if the user has none. An already-deleted channel is
// tolerated so the operation is idempotent from Discord's side.
func (r *RoomManager) DeleteRoom(ctx context.Context, ownerID string) error {
	session, err := r.store.GetSession(ctx, ownerID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrNoRoom
	}
	return r.deleteRoomSession(ctx, session)
}

// deleteRoomChannel removes the room channel. A channel that is already
// gone, or that the bot is no longer permitted to delete, counts as
// removed: the session row must not outlive the bot's ability to manage
// the channel.
func (r *RoomManager) deleteRoomChannel(ctx context.Context, session *Session) error {
	_, err := r.session.ChannelDelete(session.ChannelID)
	switch {
	case err == nil:
		return nil
	case isUnknownChannelErr(err):
		r.logger.WarnContext(
			ctx,
			"room channel already gone",
			"channel_id", session.ChannelID,
		)
		return nil
	case isForbiddenChannelErr(err):
		r.logger.WarnContext(
			ctx,
			"not permitted to delete room channel",
			tint.Err(err),
			"channel_id", session.ChannelID,
		)
		return nil
	default:
		return fmt.Errorf("error deleting room channel: %w", err)
	}
}

// deleteRoomSession deletes the channel first, then the session row.
// If the channel delete fails the row is kept, so the sweeper or a
// later button press can retry.
func (r *RoomManager) deleteRoomSession(ctx context.Context, session *Session) error {
	if err := r.deleteRoomChannel(ctx, session); err != nil {
		return err
	}
	if err := r.store.DeleteSession(ctx, session.OwnerID); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "deleted room", "session", session)
	return nil
}

// NotifyRoomExpired DMs the owner that their idle room was removed.
// Best effort; users can have DMs disabled.
func (r *RoomManager) NotifyRoomExpired(ctx context.Context, ownerID string) error {
	dm, err := r.session.UserChannelCreate(ownerID)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	_, err = r.session.ChannelMessageSend(
		dm.ID,
		fmt.Sprintf(
			"Your %s room was deleted after sitting idle. "+
				"Use the panel to create a new one.",
			r.config.App.Name,
		),
	)
	if err != nil {
		return fmt.Errorf("error sending expiry notice: %w", err)
	}
	r.logger.InfoContext(ctx, "sent expiry notice", "owner_id", ownerID)
	return nil
}

// ToggleEphemeral flips the session's ephemeral flag and returns the new
// value. Returns [ErrNoRoom] if the user has no room.
func (r *RoomManager) ToggleEphemeral(
	ctx context.Context,
	ownerID string,
) (bool, error) {
	session, err := r.store.GetSession(ctx, ownerID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, ErrNoRoom
	}
	session.Ephemeral = !session.Ephemeral
	if err = r.store.UpdateSession(ctx, session); err != nil {
		return false, err
	}
	return session.Ephemeral, nil
}

// isUnknownChannelErr reports whether the error is Discord telling us
// the channel no longer exists.
func isUnknownChannelErr(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Message != nil &&
		restErr.Message.Code == discordgo.ErrCodeUnknownChannel
}

// isForbiddenChannelErr reports whether the error is Discord denying the
// bot access to the channel.
func isForbiddenChannelErr(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Message == nil {
		return false
	}
	return restErr.Message.Code == discordgo.ErrCodeMissingAccess ||
		restErr.Message.Code == discordgo.ErrCodeMissingPermissions
}

// panelMessage builds the public control panel with the create/delete
// room buttons.
func (r *RoomManager) panelMessage() *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title: r.config.App.Name,
		URL:   r.config.App.URL,
		Description: "Use the buttons below to create or delete your " +
			"private chat room.",
	}
	if r.config.App.Logo != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: r.config.App.Logo}
	}
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Create room",
						Style:    discordgo.SuccessButton,
						CustomID: customIDPanelCreateRoom,
					},
					discordgo.Button{
						Label:    "Delete room",
						Style:    discordgo.DangerButton,
						CustomID: customIDPanelDeleteRoom,
					},
				},
			},
		},
	}
}

// welcomeMessage builds the first message posted into a new room, with
// the per-room control buttons.
func (r *RoomManager) welcomeMessage(user *discordgo.User) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Welcome, %s!", user.Username),
		Description: "This is your private chat room. Type a message here " +
			"or press **Prompt** to talk to the assistant. The room is " +
			"deleted automatically after 30 minutes of inactivity.",
	}
	if r.config.App.Logo != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: r.config.App.Logo}
	}
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Prompt",
						Style:    discordgo.PrimaryButton,
						CustomID: customIDControlPrompt,
					},
					discordgo.Button{
						Label:    "Toggle hidden replies",
						Style:    discordgo.SecondaryButton,
						CustomID: customIDControlEphemeral,
					},
					discordgo.Button{
						Label:    "Delete room",
						Style:    discordgo.DangerButton,
						CustomID: customIDControlDelete,
					},
				},
			},
		},
	}
}

// promptModal builds the modal shown when the Prompt button is pressed.
func promptModal() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: promptModalCustomID,
			Title:    "Send a prompt",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    promptInputCustomID,
							Label:       "Prompt",
							Style:       discordgo.TextInputParagraph,
							Placeholder: "What do you want to ask?",
							Required:    true,
							MaxLength:   promptInputMaxLength,
						},
					},
				},
			},
		},
	}
}
