package channel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"relaybot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

type fakeDiscordAPI struct {
	mu     sync.Mutex
	nextID int
	sent   []*discordgo.MessageSend
	edits  []string
	err    error
}

func (f *fakeDiscordAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, data)
	f.nextID++
	return &discordgo.Message{ID: strconv.Itoa(f.nextID), ChannelID: channelID}, nil
}

func (f *fakeDiscordAPI) ChannelMessageEdit(channelID, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.edits = append(f.edits, messageID+":"+content)
	return &discordgo.Message{ID: messageID}, nil
}

func newTestDiscord(t *testing.T) (*Discord, *fakeDiscordAPI) {
	t.Helper()
	d := NewDiscord(DiscordConfig{ChannelID: "chan", Logger: testLogger(), Status: func() string { return "ok" }})
	api := &fakeDiscordAPI{nextID: 1190000000000000000}
	d.setAPI(api, "self")
	return d, api
}

func TestDiscord_PostReplyEdit(t *testing.T) {
	d, api := newTestDiscord(t)
	ctx := context.Background()

	id, err := d.Post(ctx, domain.TextPayload("[A] From Bob: hi"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "1190000000000000001" {
		t.Errorf("id = %s", id)
	}
	if _, err := d.Reply(ctx, id, "done"); err != nil {
		t.Fatal(err)
	}
	if ref := api.sent[1].Reference; ref == nil || ref.MessageID != id.String() {
		t.Errorf("reply reference = %+v", ref)
	}
	if err := d.Edit(ctx, id, "edited"); err != nil {
		t.Fatal(err)
	}
	if api.edits[0] != id.String()+":edited" {
		t.Errorf("edit = %q", api.edits[0])
	}

	api.err = errors.New("missing access")
	var chErr *domain.ChannelError
	if _, err := d.Post(ctx, domain.TextPayload("x")); !errors.As(err, &chErr) {
		t.Errorf("expected ChannelError, got %v", err)
	}
}

func TestDiscord_PostMedia(t *testing.T) {
	d, api := newTestDiscord(t)
	path := filepath.Join(t.TempDir(), "cat.jpg")
	os.WriteFile(path, []byte("img"), 0o600)

	if _, err := d.Post(context.Background(), domain.Payload{Kind: domain.PayloadMedia, Media: path, Text: "[A] From Bob"}); err != nil {
		t.Fatal(err)
	}
	if len(api.sent[0].Files) != 1 || api.sent[0].Files[0].Name != "cat.jpg" {
		t.Errorf("unexpected files %+v", api.sent[0].Files)
	}
}

func TestDiscord_HandleMessage(t *testing.T) {
	d, api := newTestDiscord(t)
	ctx := context.Background()

	d.handleMessage(ctx, &discordgo.Message{ID: "9", ChannelID: "other", Author: &discordgo.User{ID: "u"}, Content: "x"})
	d.handleMessage(ctx, &discordgo.Message{ID: "10", ChannelID: "chan", Author: &discordgo.User{ID: "self"}, Content: "x"})
	d.handleMessage(ctx, &discordgo.Message{
		ID:               "11",
		ChannelID:        "chan",
		Author:           &discordgo.User{ID: "u"},
		Content:          "ok",
		MessageReference: &discordgo.MessageReference{MessageID: "501"},
	})

	r := <-d.Replies()
	if r.MessageID != "11" || r.RepliedToID != "501" || r.Payload.Text != "ok" {
		t.Errorf("unexpected reply %+v", r)
	}
	select {
	case extra := <-d.Replies():
		t.Errorf("filtered message delivered: %+v", extra)
	default:
	}

	d.handleMessage(ctx, &discordgo.Message{ID: "12", ChannelID: "chan", Author: &discordgo.User{ID: "u"}, Content: "/send wa1 Bob hey"})
	r = <-d.Replies()
	if r.Direct == nil || r.Direct.ChatTarget != "Bob" || r.Payload.Text != "hey" {
		t.Errorf("unexpected direct reply %+v", r)
	}

	d.handleMessage(ctx, &discordgo.Message{ID: "13", ChannelID: "chan", Author: &discordgo.User{ID: "u"}, Content: "/status"})
	if last := api.sent[len(api.sent)-1]; last.Content != "ok" || last.Reference.MessageID != "13" {
		t.Errorf("status reply = %+v", last)
	}
}
