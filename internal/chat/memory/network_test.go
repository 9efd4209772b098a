package memory

import (
	"context"
	"testing"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedInClient(t *testing.T, n *Network, phone string) chat.Client {
	t.Helper()
	ctx := context.Background()

	c, err := n.New(ctx, 1, phone)
	require.NoError(t, err)
	hash, err := c.RequestCode(ctx, "+"+phone)
	require.NoError(t, err)
	_, err = c.SignIn(ctx, "+"+phone, DefaultCode, hash)
	require.NoError(t, err)
	return c
}

func TestCodeFlow(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()

	c, err := n.New(ctx, 1, "229900112233")
	require.NoError(t, err)

	authorized, err := c.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.False(t, authorized)

	hash, err := c.RequestCode(ctx, "+229900112233")
	require.NoError(t, err)

	_, err = c.SignIn(ctx, "+229900112233", "00000", hash)
	assert.ErrorIs(t, err, chat.ErrCodeInvalid)

	_, err = c.SignIn(ctx, "+229900112233", DefaultCode, "hash-unknown")
	assert.ErrorIs(t, err, chat.ErrCodeExpired)

	handle, err := c.SignIn(ctx, "+229900112233", DefaultCode, hash)
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	authorized, err = c.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.True(t, authorized)

	restored, err := n.Open(ctx, handle)
	require.NoError(t, err)
	assert.True(t, restored.IsConnected())
}

func TestOpenRejectsUnknownAndRevoked(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()

	_, err := n.Open(ctx, "nope")
	assert.ErrorIs(t, err, chat.ErrUnknownCredentials)

	handle := n.IssueHandle("229900112233")
	n.Revoke(handle)
	_, err = n.Open(ctx, handle)
	assert.ErrorIs(t, err, chat.ErrSessionRevoked)
}

func TestSendEditDelete(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	c := signedInClient(t, n, "229900112233")

	id, err := c.SendText(ctx, 200, "hello")
	require.NoError(t, err)

	res, err := c.EditText(ctx, 200, id, "hello")
	require.NoError(t, err)
	assert.Equal(t, chat.EditUnchanged, res)

	res, err = c.EditText(ctx, 200, id, "hello again")
	require.NoError(t, err)
	assert.Equal(t, chat.EditApplied, res)

	msg, ok := n.Message(200, id)
	require.True(t, ok)
	assert.Equal(t, "hello again", msg.Text)

	require.NoError(t, c.Delete(ctx, 200, id))
	assert.ErrorIs(t, c.Delete(ctx, 200, id), chat.ErrMessageNotFound)

	_, err = c.EditText(ctx, 200, id, "x")
	assert.ErrorIs(t, err, chat.ErrMessageNotFound)
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	c := signedInClient(t, n, "229900112233")

	n.FailNext(OpSendText, chat.ErrFloodWait)

	_, err := c.SendText(ctx, 200, "a")
	assert.ErrorIs(t, err, chat.ErrFloodWait)

	_, err = c.SendText(ctx, 200, "b")
	assert.NoError(t, err)
	assert.Equal(t, 1, n.Count(OpSendText))
}

func TestSubscriptionsAndDisconnect(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	c := signedInClient(t, n, "229900112233")

	var got []chat.Message
	sub, err := c.SubscribeNewMessage(100, func(_ context.Context, m chat.Message) {
		got = append(got, m)
	})
	require.NoError(t, err)
	_, err = c.SubscribeEditedMessage(100, func(_ context.Context, m chat.Message) {
		got = append(got, m)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n.Subscribers(100))

	posted := n.Post(ctx, 100, chat.Message{Text: "one"})
	n.Edit(ctx, 100, posted.ID, "one!", nil)
	require.Len(t, got, 2)
	assert.Equal(t, "one!", got[1].Text)

	sub.Unsubscribe()
	assert.Equal(t, 1, n.Subscribers(100))

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, 1, n.Disconnects())
	assert.Equal(t, 0, n.Subscribers(100))

	_, err = c.SendText(ctx, 200, "x")
	assert.ErrorIs(t, err, chat.ErrDisconnected)
}

func TestListDialogs(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	n.SetDialogs("+229900112233",
		chat.Dialog{ID: 1, Kind: chat.DialogUser, Name: "Alice"},
		chat.Dialog{ID: 2, Kind: chat.DialogChannel, Name: "News"},
	)
	c := signedInClient(t, n, "229900112233")

	dialogs, err := c.ListDialogs(ctx)
	require.NoError(t, err)
	assert.Len(t, dialogs, 2)
}
