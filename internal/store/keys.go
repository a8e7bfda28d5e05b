package store

import "strings"

// Key layout shared by every component that talks to the store.
const (
	InboxPattern = "inbox:*"

	SettingsRetention    = "settings:retention"
	SettingsTelegram     = "settings:telegram"
	SettingsBranding     = "settings:branding"
	SettingsDomains      = "settings:domains"
	SettingsHomepageLock = "settings:homepage-lock"
)

// InboxKey returns the list key holding the messages of address.
func InboxKey(address string) string {
	return "inbox:" + NormalizeAddress(address)
}

// AddressSettingsKey returns the scalar key of per-address settings.
func AddressSettingsKey(address string) string {
	return "settings:" + NormalizeAddress(address)
}

// SessionKey returns the scalar key of an admin session token.
func SessionKey(token string) string {
	return "admin:session:" + token
}

// DomainExpirationKey returns the cache key of a domain expiration lookup.
func DomainExpirationKey(domain string) string {
	return "domain:expiration:" + strings.ToLower(strings.TrimSpace(domain))
}

// AttemptsKey counts failed logins of ip within scope.
func AttemptsKey(scope, ip string) string {
	return scope + ":attempts:" + ip
}

// LockoutKey flags ip as locked out of scope.
func LockoutKey(scope, ip string) string {
	return scope + ":lockout:" + ip
}

// AddressFromInboxKey is the inverse of InboxKey.
func AddressFromInboxKey(key string) (string, bool) {
	return strings.CutPrefix(key, "inbox:")
}

// NormalizeAddress trims and lowercases an email address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
