package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// RFC 5322 邮箱地址长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253

	MinWeeks = 1
	MaxWeeks = 52
)

// 域名验证（支持子域名）
var domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)

// NormalizeAddress 统一地址格式（去空白、小写）
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateAddress 验证一次性邮箱地址
//
// 后端生成的本地部分可能是纯数字或很短，因此只检查整体格式、长度与域名。
func ValidateAddress(address string) error {
	address = NormalizeAddress(address)
	if address == "" {
		return ErrInvalidEmail
	}
	if len(address) > MaxEmailLength {
		return ErrEmailTooLong
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return ErrInvalidEmail
	}

	at := strings.LastIndex(address, "@")
	localPart, domain := address[:at], address[at+1:]
	if localPart == "" || strings.Contains(localPart, "@") {
		return ErrInvalidEmail
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	return ValidateDomain(domain)
}

// ValidateDomain 验证域名
func ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// ValidateWeeks 验证购买周数
func ValidateWeeks(weeks int) error {
	if weeks < MinWeeks || weeks > MaxWeeks {
		return ErrInvalidWeeks
	}
	return nil
}
