package service

import (
	"context"
	"time"

	"tempmail/client/internal/backend"
	"tempmail/client/internal/domain"
)

// Backend 服务层依赖的后端接口（由 backend.Client 实现）
type Backend interface {
	MintIdentity(ctx context.Context, deviceKey string) (string, error)
	PurchasedIdentities(ctx context.Context, token string) ([]domain.PurchasedIdentity, error)
	Inbox(ctx context.Context, address, deviceKey string) ([]domain.Message, error)
	DeleteInbox(ctx context.Context, address string) error
	Expiry(ctx context.Context, address string) (time.Time, error)
	CreateOrder(ctx context.Context, req backend.OrderRequest, token string) (string, error)
	PaymentStatus(ctx context.Context, orderID, token string) (bool, error)
}
