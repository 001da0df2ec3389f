package domain

import "errors"

// 跨组件错误分类
var (
	// ErrMintFailed 后端生成邮箱失败，需提示用户重试
	ErrMintFailed = errors.New("identity mint failed")
	// ErrNoActiveIdentity 当前没有已解析的身份
	ErrNoActiveIdentity = errors.New("no active identity")
	// ErrNotPurchased 地址不属于当前用户的已购列表
	ErrNotPurchased = errors.New("address not in purchased identities")
	// ErrAuthRequired 需要登录（跳转注册，不作为错误提示）
	ErrAuthRequired = errors.New("authorization required")
	// ErrOrderRejected 后端拒绝创建订单
	ErrOrderRejected = errors.New("order rejected")
	// ErrPurchaseCancelled 用户关闭了支付网关
	ErrPurchaseCancelled = errors.New("purchase cancelled")
	// ErrGatewayFailed 支付网关报告错误
	ErrGatewayFailed = errors.New("payment gateway error")
	// ErrVerificationFailed 网关回调成功但后端未确认支付
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrInvalidWeeks 购买周数无效
	ErrInvalidWeeks = errors.New("weeks must be between 1 and 52")
	// ErrRegeneratePurchased 已购地址不能重新生成，只能切换或删除
	ErrRegeneratePurchased = errors.New("purchased identities cannot be regenerated")
	// ErrOrderNotFound 购买尝试不存在
	ErrOrderNotFound = errors.New("extension order not found")
)
