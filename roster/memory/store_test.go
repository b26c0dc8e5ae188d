package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrJoinKeepsJoinOrder(t *testing.T) {
	ms := NewMemStore()

	conv, err := ms.CreateOrJoin("c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, conv.Members)

	_, err = ms.CreateOrJoin("c1", "bob")
	require.NoError(t, err)
	_, err = ms.CreateOrJoin("c1", "alice")
	require.NoError(t, err)

	members, err := ms.Members("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestMembersReturnsCopy(t *testing.T) {
	ms := NewMemStore()
	_, err := ms.CreateOrJoin("c1", "alice")
	require.NoError(t, err)

	members, err := ms.Members("c1")
	require.NoError(t, err)
	members[0] = "mallory"

	again, err := ms.Members("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, again)
}

func TestUnknownConversation(t *testing.T) {
	ms := NewMemStore()

	_, err := ms.Get("nope")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = ms.Members("nope")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
