package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/migrations"
)

// testPool connects to TEST_DATABASE_URL and applies the schema. Every test
// uses fresh ids and usernames, so runs can share one database.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, migrations.Apply(ctx, pool))
	return pool
}

func createUser(t *testing.T, users *UserRepository, name string) *model.User {
	t.Helper()
	u := &model.User{ID: uuid.NewString(), Username: name, DisplayName: name, CreatedAt: time.Now().UTC()}
	require.NoError(t, users.Create(context.Background(), u))
	return u
}

func createGroup(t *testing.T, chats *ChatRepository, owner *model.User, members ...*model.User) *model.Chat {
	t.Helper()
	now := time.Now().UTC()
	c := &model.Chat{ID: uuid.NewString(), ChatType: model.ChatTypeGroup, Name: "group", CreatedBy: owner.ID, CreatedAt: now}
	rows := []model.ChatMember{{UserID: owner.ID, IsOwner: true, IsAdmin: true, JoinedAt: now}}
	for _, m := range members {
		rows = append(rows, model.ChatMember{UserID: m.ID, JoinedAt: now})
	}
	_, err := chats.CreateChat(context.Background(), c, rows)
	require.NoError(t, err)
	return c
}

func TestListMessagesPageNewestFirst(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)
	messages := NewMessageRepository(pool)

	sfx := uuid.NewString()[:8]
	alice := createUser(t, users, "alice-"+sfx)
	chat := createGroup(t, chats, alice)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-m%02d", sfx, i+1)
		_, err := messages.InsertMessage(ctx, &model.Message{
			ID: ids[i], ChatID: chat.ID, SenderID: alice.ID,
			Content: fmt.Sprintf("message %d", i+1), SentAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	// Deleted messages are neither listed nor counted.
	_, err := pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, sent_at, is_deleted) VALUES ($1, $2, $3, 'gone', $4, true)`,
		sfx+"-deleted", chat.ID, alice.ID, base.Add(time.Hour))
	require.NoError(t, err)

	page, total, err := messages.ListMessagesPage(ctx, chat.ID, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, page, 10)
	// Page 2 holds the 11th to 20th newest, which are messages 15..6.
	for i, m := range page {
		assert.Equal(t, ids[14-i], m.ID)
		assert.Equal(t, alice.Username, m.SenderName)
	}

	last, _, err := messages.ListMessagesPage(ctx, chat.ID, 3, 10)
	require.NoError(t, err)
	require.Len(t, last, 5)
	assert.Equal(t, ids[0], last[4].ID)

	beyond, total, err := messages.ListMessagesPage(ctx, chat.ID, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond)
	assert.Equal(t, 25, total)
}

func TestFindMessageWithSender(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	messages := NewMessageRepository(pool)

	sfx := uuid.NewString()[:8]
	bob := createUser(t, users, "bob-"+sfx)
	chat := createGroup(t, NewChatRepository(pool), bob)

	id, err := messages.InsertMessage(ctx, &model.Message{ID: uuid.NewString(), ChatID: chat.ID, SenderID: bob.ID, Content: "hi", SentAt: time.Now().UTC()})
	require.NoError(t, err)

	m, err := messages.FindMessageWithSender(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hi", m.Content)
	assert.Equal(t, bob.Username, m.SenderName)

	_, err = messages.FindMessageWithSender(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveMembersFiltersLeftAndOrdersByName(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)

	sfx := uuid.NewString()[:8]
	zed := createUser(t, users, "zed-"+sfx)
	amy := createUser(t, users, "amy-"+sfx)
	mia := createUser(t, users, "mia-"+sfx)
	chat := createGroup(t, chats, zed, amy, mia)

	require.NoError(t, chats.CloseMembership(ctx, chat.ID, mia.ID, time.Now().UTC()))

	members, err := chats.ListActiveMembers(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, amy.ID, members[0].ID)
	assert.Equal(t, zed.ID, members[1].ID)
	assert.True(t, members[1].IsOwner)

	_, err = chats.FindActiveMembership(ctx, chat.ID, mia.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	closed, err := chats.FindMembership(ctx, chat.ID, mia.ID)
	require.NoError(t, err)
	assert.NotNil(t, closed.LeftAt)

	// A closed membership is not reopened by AddMember.
	require.NoError(t, chats.AddMember(ctx, &model.ChatMember{ChatID: chat.ID, UserID: mia.ID, JoinedAt: time.Now().UTC()}))
	_, err = chats.FindActiveMembership(ctx, chat.ID, mia.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDirectChatDedupesConcurrentCreates(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)

	sfx := uuid.NewString()[:8]
	a := createUser(t, users, "dm-a-"+sfx)
	b := createUser(t, users, "dm-b-"+sfx)
	key := a.ID + ":" + b.ID

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
		dupes   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			k := key
			c := &model.Chat{ID: uuid.NewString(), ChatType: model.ChatTypeDirect, CreatedBy: a.ID, CreatedAt: now, DirectKey: &k}
			_, err := chats.CreateChat(ctx, c, []model.ChatMember{
				{UserID: a.ID, IsOwner: true, IsAdmin: true, JoinedAt: now},
				{UserID: b.ID, JoinedAt: now},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created = append(created, c.ID)
			case errors.Is(err, ErrAlreadyExists):
				dupes++
			default:
				t.Errorf("create direct chat: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, created, 1)
	assert.Equal(t, workers-1, dupes)

	found, err := chats.FindDirectChat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, created[0], found.ID)

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*)::int FROM chats WHERE direct_key = $1`, key).Scan(&n))
	assert.Equal(t, 1, n)
	members, err := chats.ListActiveMembers(ctx, found.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestListUserChatsActiveOnlyLatestFirst(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)
	messages := NewMessageRepository(pool)

	sfx := uuid.NewString()[:8]
	owner := createUser(t, users, "own-"+sfx)
	carol := createUser(t, users, "carol-"+sfx)
	quiet := createGroup(t, chats, owner, carol)
	busy := createGroup(t, chats, owner, carol)
	left := createGroup(t, chats, owner, carol)
	require.NoError(t, chats.CloseMembership(ctx, left.ID, carol.ID, time.Now().UTC()))

	_, err := messages.InsertMessage(ctx, &model.Message{ID: uuid.NewString(), ChatID: busy.ID, SenderID: owner.ID, Content: "latest", SentAt: time.Now().UTC().Add(time.Minute)})
	require.NoError(t, err)

	list, err := chats.ListUserChats(ctx, carol.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, busy.ID, list[0].ID)
	require.NotNil(t, list[0].LastMessagePreview)
	assert.Equal(t, "latest", *list[0].LastMessagePreview)
	assert.Equal(t, quiet.ID, list[1].ID)
	assert.Equal(t, 2, list[1].MemberCount)
}
