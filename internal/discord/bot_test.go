package discord

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/discord/mock"
	"github.com/MrWong99/cadenza/internal/queue"
	"github.com/MrWong99/cadenza/internal/settings"
	"github.com/MrWong99/cadenza/pkg/media"
)

func member(roles ...string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			GuildID: "g1",
			Member:  &discordgo.Member{Roles: roles},
		},
	}
}

func TestPermissionChecker_IsDJ(t *testing.T) {
	t.Parallel()

	admin := member("role-456")
	admin.Member.Permissions = discordgo.PermissionManageGuild

	tests := []struct {
		name     string
		djRoleID string
		stored   string
		inter    *discordgo.InteractionCreate
		want     bool
	}{
		{
			name:     "user with DJ role",
			djRoleID: "role-123",
			inter:    member("role-456", "role-123", "role-789"),
			want:     true,
		},
		{
			name:     "user without DJ role",
			djRoleID: "role-123",
			inter:    member("role-456", "role-789"),
			want:     false,
		},
		{
			name:  "empty role allows all",
			inter: member("role-456"),
			want:  true,
		},
		{
			name:     "manage server bypasses role",
			djRoleID: "role-123",
			inter:    admin,
			want:     true,
		},
		{
			name:     "stored role overrides fallback",
			djRoleID: "role-123",
			stored:   "role-456",
			inter:    member("role-456"),
			want:     true,
		},
		{
			name:     "stored role rejects fallback holder",
			djRoleID: "role-123",
			stored:   "role-456",
			inter:    member("role-123"),
			want:     false,
		},
		{
			name:  "nil Member returns false",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := settings.NewMemStore()
			if tt.stored != "" {
				if err := store.Put(t.Context(), settings.Settings{GuildID: "g1", DJRoleID: tt.stored}); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			pc := NewPermissionChecker(tt.djRoleID, store)
			if got := pc.IsDJ(t.Context(), tt.inter); got != tt.want {
				t.Errorf("IsDJ() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPermissionChecker_NilStore(t *testing.T) {
	t.Parallel()

	pc := NewPermissionChecker("role-123", nil)
	if pc.IsDJ(t.Context(), member("role-456")) {
		t.Error("user without fallback role passed")
	}
	if !pc.IsDJ(t.Context(), member("role-123")) {
		t.Error("user with fallback role rejected")
	}
}

func TestNewCommandRouter(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	if r == nil {
		t.Fatal("NewCommandRouter() returned nil")
	}
	if len(r.commands) != 0 {
		t.Errorf("expected empty commands map, got %d entries", len(r.commands))
	}
	if len(r.autocomplete) != 0 {
		t.Errorf("expected empty autocomplete map, got %d entries", len(r.autocomplete))
	}
	if len(r.components) != 0 {
		t.Errorf("expected empty components map, got %d entries", len(r.components))
	}
}

func TestCommandRouter_ApplicationCommands(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()

	cmd := &discordgo.ApplicationCommand{Name: "test"}
	r.RegisterCommand("test", cmd, func(Responder, *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Name != "test" {
		t.Errorf("expected command name 'test', got %q", cmds[0].Name)
	}
}

func TestCommandRouter_ApplicationCommands_Dedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()

	cmd := &discordgo.ApplicationCommand{Name: "cache"}
	r.RegisterCommand("cache/prune", cmd, func(Responder, *discordgo.InteractionCreate) {})
	r.RegisterCommand("cache/clear", cmd, func(Responder, *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 deduplicated command, got %d", len(cmds))
	}
}

func TestCommandRouter_RegisterHandler(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	called := false
	r.RegisterHandler("test", func(Responder, *discordgo.InteractionCreate) {
		called = true
	})

	// Handler without command definition should not appear in ApplicationCommands.
	if cmds := r.ApplicationCommands(); len(cmds) != 0 {
		t.Errorf("expected 0 commands, got %d", len(cmds))
	}

	entry, ok := r.commands["test"]
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	entry.handler(nil, nil)
	if !called {
		t.Error("handler was not called")
	}
}

func commandInteraction(name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
		},
	}
}

func TestCommandRouter_Handle(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got []string
	r.RegisterCommand("cache", &discordgo.ApplicationCommand{Name: "cache"}, func(Responder, *discordgo.InteractionCreate) {
		got = append(got, "cache")
	})
	r.RegisterHandler("cache/info", func(Responder, *discordgo.InteractionCreate) {
		got = append(got, "cache/info")
	})
	r.RegisterComponent(ButtonSkip, func(Responder, *discordgo.InteractionCreate) {
		got = append(got, "skip button")
	})

	resp := &mock.InteractionResponder{}
	r.Handle(resp, commandInteraction("cache"))
	r.Handle(resp, commandInteraction("cache", &discordgo.ApplicationCommandInteractionDataOption{
		Name: "info", Type: discordgo.ApplicationCommandOptionSubCommand,
	}))
	r.Handle(resp, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionMessageComponent,
		Data: discordgo.MessageComponentInteractionData{CustomID: ButtonSkip},
	}})

	if fmt.Sprint(got) != "[cache cache/info skip button]" {
		t.Errorf("dispatched = %v", got)
	}
	if len(resp.Responses) != 0 {
		t.Errorf("unexpected responses: %d", len(resp.Responses))
	}

	r.Handle(resp, commandInteraction("nope"))
	if last := resp.LastResponse(); last == nil || last.Data.Content != "Unknown command." {
		t.Errorf("unknown command response = %+v", last)
	}
}

func TestCommandRouter_AutocompleteFallback(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	resp := &mock.InteractionResponder{}
	i := commandInteraction("remove")
	i.Type = discordgo.InteractionApplicationCommandAutocomplete
	r.Handle(resp, i)

	last := resp.LastResponse()
	if last == nil || last.Type != discordgo.InteractionApplicationCommandAutocompleteResult {
		t.Fatalf("response = %+v", last)
	}
	if len(last.Data.Choices) != 0 {
		t.Errorf("choices = %v", last.Data.Choices)
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	errs := []error{
		media.ErrUnsupportedReference,
		media.ErrUnavailable,
		media.ErrDownloadFailed,
		media.ErrCacheWriteFailed,
		media.ErrNotFound,
		app.ErrNotConnected,
		app.ErrNothingPlaying,
		queue.ErrNoEntry,
	}
	seen := make(map[string]error)
	for _, err := range errs {
		wrapped := fmt.Errorf("resolve: %q: %w", "x", err)
		msg := UserMessage(wrapped)
		if msg == "" || msg == UserMessage(errors.New("boom")) {
			t.Errorf("%v: generic message %q", err, msg)
		}
		if prev, ok := seen[msg]; ok {
			t.Errorf("%v and %v share message %q", prev, err, msg)
		}
		seen[msg] = err
	}
	if UserMessage(nil) != "" {
		t.Error("nil error produced a message")
	}
}

func TestRespondError(t *testing.T) {
	t.Parallel()

	resp := &mock.InteractionResponder{}
	RespondError(resp, member(), fmt.Errorf("app: play: %w", media.ErrUnavailable))

	last := resp.LastResponse()
	if last == nil || last.Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Fatalf("response = %+v", last)
	}
	if last.Data.Content != UserMessage(media.ErrUnavailable) {
		t.Errorf("content = %q", last.Data.Content)
	}
}
