package otp

import (
	"fmt"
	"strconv"
	"strings"
)

// NegativePolicy decides how a negative keyword interacts with positive evidence
// found in the same near window.
type NegativePolicy string

const (
	// PolicyStrict rejects a candidate whenever a negative keyword is near it.
	PolicyStrict NegativePolicy = "strict"
	// PolicyStrong rejects unless a strong keyword sits on the candidate's own line.
	PolicyStrong NegativePolicy = "strong"
	// PolicyLenient rejects only when no positive keyword is near the candidate.
	PolicyLenient NegativePolicy = "lenient"
)

// SenderRule forces an exact code length for mail from a matching sender.
// Pattern is a domain ("example.com" also matches subdomains), a glob over
// the domain ("*.example.com") or a full address glob ("no-reply@example.com").
type SenderRule struct {
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	Length  int    `mapstructure:"length" yaml:"length"`
}

// Config holds the tunable extraction parameters.
type Config struct {
	MinLength        int
	MaxLength        int
	NearWindow       int
	LinkWindow       int
	PositiveKeywords []string
	NegativeKeywords []string
	StrongKeywords   []string
	NegativePolicy   NegativePolicy
	AllowDigitsInURL bool
	SenderRules      []SenderRule
	// RelaxedLength enables a last-resort match of any run with exactly this
	// many digits when no keyword-backed candidate exists. Zero disables it.
	RelaxedLength int
}

var defaultPositiveKeywords = []string{
	"验证码", "校验码", "确认码", "动态码", "一次性", "短信码", "安全码", "登录码",
	"登录", "验证", "认证", "绑定", "注册", "激活", "重置", "找回", "支付", "提现", "取款",
	"otp", "2fa", "code", "passcode", "security code", "verification code",
	"verify", "verification", "login", "sign-in", "signin", "one-time code", "two-factor",
	"authentication", "auth code", "确认登录", "安全验证", "动态密码", "一次性密码", "登录确认", "登录验证",
}

var defaultNegativeKeywords = []string{
	"invoice", "order", "receipt", "total", "amount", "subtotal", "price", "tracking number",
	"shipment", "balance", "billing", "账单", "订单", "发票", "金额", "总计", "价格", "运单", "物流单号",
}

var defaultStrongKeywords = []string{
	"verification code", "security code", "one-time code", "one-time password", "otp", "passcode",
	"auth code", "login code", "验证码", "校验码", "动态码", "动态密码", "一次性密码", "确认码", "安全码",
}

// DefaultConfig returns the built-in keyword lists and limits.
func DefaultConfig() Config {
	return Config{
		MinLength:        5,
		MaxLength:        8,
		NearWindow:       180,
		LinkWindow:       200,
		PositiveKeywords: append([]string(nil), defaultPositiveKeywords...),
		NegativeKeywords: append([]string(nil), defaultNegativeKeywords...),
		StrongKeywords:   append([]string(nil), defaultStrongKeywords...),
		NegativePolicy:   PolicyStrong,
	}
}

// Validate reports the first inconsistency in cfg.
func (c Config) Validate() error {
	if c.MinLength < 1 {
		return fmt.Errorf("min length must be positive, got %d", c.MinLength)
	}
	if c.MaxLength < c.MinLength {
		return fmt.Errorf("max length %d is below min length %d", c.MaxLength, c.MinLength)
	}
	if c.NearWindow < 0 || c.LinkWindow < 0 {
		return fmt.Errorf("windows must not be negative")
	}
	switch c.NegativePolicy {
	case PolicyStrict, PolicyStrong, PolicyLenient:
	default:
		return fmt.Errorf("invalid negative policy %q", c.NegativePolicy)
	}
	for _, rule := range c.SenderRules {
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("sender rule with empty pattern")
		}
		if rule.Length < c.MinLength || rule.Length > c.MaxLength {
			return fmt.Errorf("sender rule %q length %d outside [%d,%d]", rule.Pattern, rule.Length, c.MinLength, c.MaxLength)
		}
	}
	if c.RelaxedLength != 0 && (c.RelaxedLength < c.MinLength || c.RelaxedLength > c.MaxLength) {
		return fmt.Errorf("relaxed length %d outside [%d,%d]", c.RelaxedLength, c.MinLength, c.MaxLength)
	}
	return nil
}

// ParseSenderRule parses the "pattern=length" flag form.
func ParseSenderRule(s string) (SenderRule, error) {
	pattern, length, ok := strings.Cut(s, "=")
	if !ok {
		return SenderRule{}, fmt.Errorf("sender rule %q: want pattern=length", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(length))
	if err != nil {
		return SenderRule{}, fmt.Errorf("sender rule %q: %w", s, err)
	}
	return SenderRule{Pattern: strings.TrimSpace(pattern), Length: n}, nil
}
