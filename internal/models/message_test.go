package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageStatusTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		ok       bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusSent, false},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, true},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusDelivered, false},
		{StatusFailed, StatusRead, false},
		{StatusSent, StatusSent, true},
		{StatusRead, StatusRead, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestEnumValidation(t *testing.T) {
	assert.True(t, RoleTeacher.Valid())
	assert.False(t, Role("superuser").Valid())

	assert.True(t, MessageTypeText.Valid())
	assert.False(t, MessageType("video").Valid())

	assert.True(t, ConversationGroup.Valid())
	assert.False(t, ConversationType("broadcast").Valid())

	assert.True(t, StatusDelivered.Valid())
	assert.False(t, MessageStatus("queued").Valid())
}

func TestBestEffortFrames(t *testing.T) {
	assert.True(t, (&OutboundFrame{Type: FrameTyping}).BestEffort())
	assert.True(t, (&OutboundFrame{Type: FramePresence}).BestEffort())
	assert.True(t, (&OutboundFrame{Type: FrameReadReceipt}).BestEffort())

	assert.False(t, (&OutboundFrame{Type: FrameMessage}).BestEffort())
	assert.False(t, (&OutboundFrame{Type: FrameError}).BestEffort())
	assert.False(t, (&OutboundFrame{Type: FramePong}).BestEffort())
}
