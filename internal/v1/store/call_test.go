package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallMembership(t *testing.T) {
	h, _ := newTestHot(t)
	ctx := context.Background()

	members, err := h.CallMembers(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, h.CallJoin(ctx, "room-1", "user-2"))
	require.NoError(t, h.CallJoin(ctx, "room-1", "user-1"))
	require.NoError(t, h.CallJoin(ctx, "room-1", "user-1"))

	members, err = h.CallMembers(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, members)

	require.NoError(t, h.CallLeave(ctx, "room-1", "user-1"))
	members, err = h.CallMembers(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-2"}, members)
}
