package domain

import (
	"strings"
	"time"
)

// IdentityOrigin 标识身份来源，决定哪个存储层是权威来源。
type IdentityOrigin string

const (
	// OriginAnonymous 匿名访客身份，保存在共享 Cookie 中
	OriginAnonymous IdentityOrigin = "anonymous"
	// OriginPurchased 登录用户购买的身份，保存在持久存储中
	OriginPurchased IdentityOrigin = "purchased"
)

// Identity 表示当前浏览上下文使用的一次性邮箱身份。
type Identity struct {
	Address   string         `json:"address"`
	DeviceKey string         `json:"-"` // 设备关联键，不对外暴露
	Origin    IdentityOrigin `json:"origin"`
}

// IsZero 判断身份是否为空
func (i Identity) IsZero() bool {
	return i.Address == ""
}

// IdentityRecordVersion 持久化身份记录的结构版本
const IdentityRecordVersion = 1

// PersistedIdentityRecord 是身份在低信任存储层中的持久化形式（封装前的明文结构）。
type PersistedIdentityRecord struct {
	Version   int       `json:"v"`
	Address   string    `json:"address"`
	DeviceKey string    `json:"deviceKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewIdentityRecord 根据身份创建持久化记录
func NewIdentityRecord(id Identity, createdAt time.Time) PersistedIdentityRecord {
	return PersistedIdentityRecord{
		Version:   IdentityRecordVersion,
		Address:   id.Address,
		DeviceKey: id.DeviceKey,
		CreatedAt: createdAt.UTC(),
	}
}

// Valid 检查记录结构是否可用；版本不符或字段缺失一律视为不存在。
func (r PersistedIdentityRecord) Valid() bool {
	if r.Version != IdentityRecordVersion {
		return false
	}
	if strings.TrimSpace(r.DeviceKey) == "" {
		return false
	}
	return ValidateAddress(r.Address) == nil
}

// Identity 还原为匿名身份
func (r PersistedIdentityRecord) Identity() Identity {
	return Identity{
		Address:   NormalizeAddress(r.Address),
		DeviceKey: r.DeviceKey,
		Origin:    OriginAnonymous,
	}
}

// PurchasedIdentity 后端返回的已购身份条目
type PurchasedIdentity struct {
	Address   string `json:"address"`
	DeviceKey string `json:"deviceKey"`
}

// Identity 转换为已购身份
func (p PurchasedIdentity) Identity() Identity {
	return Identity{
		Address:   NormalizeAddress(p.Address),
		DeviceKey: p.DeviceKey,
		Origin:    OriginPurchased,
	}
}
