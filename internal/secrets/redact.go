package secrets

import "net/url"

// RedactDSN hides the password of a connection URL so that it can be logged.
// Values that are not URLs are hidden entirely.
func RedactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}

	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***"
	}

	return u.Redacted()
}
