package otp

import (
	"net/mail"
	"path"
	"strings"
)

// senderAddress extracts the lower-cased address from a From value such as
// `"Bank" <no-reply@bank.example>`.
func senderAddress(sender string) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(sender); err == nil {
		return strings.ToLower(addr.Address)
	}
	for _, tok := range strings.Fields(sender) {
		if strings.Contains(tok, "@") {
			return strings.ToLower(strings.Trim(tok, `<>"',;()`))
		}
	}
	return ""
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return addr
}

func (r SenderRule) matches(addr string) bool {
	if addr == "" {
		return false
	}
	p := strings.ToLower(strings.TrimSpace(r.Pattern))
	if strings.Contains(p, "@") && !strings.HasPrefix(p, "@") {
		ok, _ := path.Match(p, addr)
		return ok
	}
	p = strings.TrimPrefix(p, "@")
	domain := domainOf(addr)
	if strings.ContainsAny(p, "*?[") {
		ok, _ := path.Match(p, domain)
		return ok
	}
	return domain == p || strings.HasSuffix(domain, "."+p)
}

// matchSender returns the first rule matching sender, or nil.
func (e *Extractor) matchSender(sender string) *SenderRule {
	if len(e.cfg.SenderRules) == 0 {
		return nil
	}
	addr := senderAddress(sender)
	for i := range e.cfg.SenderRules {
		if e.cfg.SenderRules[i].matches(addr) {
			rule := e.cfg.SenderRules[i]
			return &rule
		}
	}
	return nil
}
