package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr error
	}{
		{"Valid address", "test@example.com", nil},
		{"Valid numeric local part", "4821930217@temp.mail", nil},
		{"Valid with subdomain", "user@mail.example.com", nil},
		{"Uppercase normalized", "  User@Example.COM ", nil},
		{"Invalid - no @", "testexample.com", ErrInvalidEmail},
		{"Invalid - no domain", "test@", ErrInvalidEmail},
		{"Invalid - no local part", "@example.com", ErrInvalidEmail},
		{"Invalid - multiple @", "test@@example.com", ErrInvalidEmail},
		{"Invalid - empty", "", ErrInvalidEmail},
		{"Invalid - spaces", "test user@example.com", ErrInvalidEmail},
		{"Invalid - bad domain", "test@-example.com", ErrInvalidDomain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateWeeks(t *testing.T) {
	assert.NoError(t, ValidateWeeks(1))
	assert.NoError(t, ValidateWeeks(52))
	assert.ErrorIs(t, ValidateWeeks(0), ErrInvalidWeeks)
	assert.ErrorIs(t, ValidateWeeks(53), ErrInvalidWeeks)
}

func TestPersistedIdentityRecord_Valid(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("完整记录有效", func(t *testing.T) {
		rec := NewIdentityRecord(Identity{Address: "abc@temp.mail", DeviceKey: "1234561234"}, now)
		assert.True(t, rec.Valid())
		assert.Equal(t, OriginAnonymous, rec.Identity().Origin)
	})

	t.Run("版本不符视为无效", func(t *testing.T) {
		rec := NewIdentityRecord(Identity{Address: "abc@temp.mail", DeviceKey: "k"}, now)
		rec.Version = 99
		assert.False(t, rec.Valid())
	})

	t.Run("缺少设备键视为无效", func(t *testing.T) {
		rec := NewIdentityRecord(Identity{Address: "abc@temp.mail"}, now)
		assert.False(t, rec.Valid())
	})
}

func TestAttachments_UnmarshalJSON(t *testing.T) {
	decode := func(t *testing.T, raw string) Attachments {
		var msg struct {
			Attachments Attachments `json:"attachments"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"attachments":`+raw+`}`), &msg))
		return msg.Attachments
	}

	t.Run("数组", func(t *testing.T) {
		got := decode(t, `[{"filename":"a.txt","size":3},{"filename":"b.txt"}]`)
		require.Len(t, got, 2)
		assert.Equal(t, "a.txt", got[0].Filename)
	})

	t.Run("单个对象", func(t *testing.T) {
		got := decode(t, `{"filename":"a.pdf","contentType":"application/pdf"}`)
		require.Len(t, got, 1)
		assert.Equal(t, "application/pdf", got[0].ContentType)
	})

	t.Run("字符串包裹的对象", func(t *testing.T) {
		got := decode(t, `"{\"filename\":\"x.png\"}"`)
		require.Len(t, got, 1)
		assert.Equal(t, "x.png", got[0].Filename)
	})

	t.Run("无法识别的内容按无附件处理", func(t *testing.T) {
		assert.Empty(t, decode(t, `"not json"`))
		assert.Empty(t, decode(t, `42`))
		assert.Empty(t, decode(t, `null`))
	})
}

func TestPurchaseState_OrderStatus(t *testing.T) {
	assert.Equal(t, OrderPending, StateQuoted.OrderStatus())
	assert.Equal(t, OrderAwaitingGateway, StateGatewayOpen.OrderStatus())
	assert.Equal(t, OrderCancelled, StateCancelled.OrderStatus())
	assert.True(t, StateConfirmed.Terminal())
	assert.False(t, StateVerifying.Terminal())
}

func TestMessage_Matches(t *testing.T) {
	msg := Message{Subject: "Your Code", Sender: Sender{Address: "noreply@shop.io", Name: "Shop"}}
	assert.True(t, msg.Matches("code"))
	assert.True(t, msg.Matches("SHOP"))
	assert.True(t, msg.Matches(""))
	assert.False(t, msg.Matches("invoice"))
}
