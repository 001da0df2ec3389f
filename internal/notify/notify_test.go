package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type failingReceiver struct{}

func (failingReceiver) SendNotice(Notice) error { return errors.New("closed") }

func TestNotifier(t *testing.T) {
	t.Run("分发到所有接收器", func(t *testing.T) {
		n := New(zap.NewNop())
		a, b := &Recorder{}, &Recorder{}
		n.AddReceiver(a)
		n.AddReceiver(failingReceiver{})
		n.AddReceiver(b)

		n.Warning(CodeInboxUnreachable, "inbox unreachable")

		assert.Equal(t, []string{CodeInboxUnreachable}, a.Codes())
		assert.Equal(t, []string{CodeInboxUnreachable}, b.Codes())
		assert.Equal(t, LevelWarning, a.Notices()[0].Level)
		assert.False(t, a.Notices()[0].Timestamp.IsZero())
	})

	t.Run("一次性提示只发送一次", func(t *testing.T) {
		n := New(zap.NewNop())
		rec := &Recorder{}
		n.AddReceiver(rec)

		notice := Notice{Level: LevelWarning, Code: CodeExpiryWarning, Key: "expiry-warning:a@temp.mail:1"}
		assert.True(t, n.Notify(notice))
		assert.False(t, n.Notify(notice))
		assert.True(t, n.Sent("expiry-warning:a@temp.mail:1"))
		assert.Len(t, rec.Notices(), 1)
	})

	t.Run("无去重键的提示每次都发送", func(t *testing.T) {
		n := New(zap.NewNop())
		rec := &Recorder{}
		n.AddReceiver(rec)

		n.Info(CodePurchaseCancelled, "cancelled")
		n.Info(CodePurchaseCancelled, "cancelled")
		assert.Len(t, rec.Notices(), 2)
	})

	t.Run("nil 分发器", func(t *testing.T) {
		var n *Notifier
		assert.False(t, n.Notify(Notice{Code: "x"}))
	})
}
