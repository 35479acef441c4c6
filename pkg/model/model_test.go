package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Priority(t *testing.T) {
	user := &Identity{ID: "u", DisplayName: "User", TenantID: "t", UserIdentityType: "aadUser"}
	app := &Identity{ID: "a", DisplayName: "Bot", ApplicationIdentityType: "bot"}
	device := &Identity{ID: "d", DeviceIdentityType: "phone"}

	tests := []struct {
		name string
		set  *IdentitySet
		want Sender
	}{
		{"nil set", nil, Sender{}},
		{"empty set", &IdentitySet{}, Sender{}},
		{"user wins", &IdentitySet{User: user, Application: app, Device: device},
			Sender{Kind: SenderUser, ID: "u", DisplayName: "User", IdentityType: "aadUser", TenantID: "t"}},
		{"application before device", &IdentitySet{Application: app, Device: device},
			Sender{Kind: SenderApplication, ID: "a", DisplayName: "Bot", IdentityType: "bot"}},
		{"device only", &IdentitySet{Device: device},
			Sender{Kind: SenderDevice, ID: "d", IdentityType: "phone"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.set.Resolve())
		})
	}
}

func TestMessage_UnmarshalKeepsRaw(t *testing.T) {
	data := []byte(`{
		"id": "1616990032035",
		"chatId": "19:abc@thread.v2",
		"createdDateTime": "2024-03-15T22:30:00Z",
		"lastModifiedDateTime": "2024-03-15T23:30:00.123Z",
		"from": {"application": {"id": "app", "applicationIdentityType": "bot"}},
		"reactions": []
	}`)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))

	assert.Equal(t, "19:abc@thread.v2", msg.ChatID)
	assert.Equal(t, SenderApplication, msg.From.Resolve().Kind)
	assert.JSONEq(t, string(data), string(msg.Raw))

	id, err := msg.NumericID()
	require.NoError(t, err)
	assert.Equal(t, int64(1616990032035), id)
}

func TestMessage_NumericIDInvalid(t *testing.T) {
	msg := Message{ID: "abc"}
	_, err := msg.NumericID()
	assert.Error(t, err)
}

func TestMessage_PartitionDate(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	msg := Message{LastModified: time.Date(2024, 3, 16, 1, 30, 0, 0, loc)}

	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), msg.PartitionDate())
}

func TestMailbox_DecodeCaseInsensitive(t *testing.T) {
	var mb Mailbox
	require.NoError(t, json.Unmarshal([]byte(`{"externalDirectoryObjectId":"x","displayName":"X","primarySmtpAddress":"x@example.com"}`), &mb))
	assert.Equal(t, Mailbox{ID: "x", DisplayName: "X", Address: "x@example.com"}, mb)
}
