package iflytek

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// signURL returns endpoint with the authorization, date and host query
// parameters the gateway expects. The signature covers the host, the RFC 1123
// GMT date and a fixed GET request line; the gateway rejects it when the date
// drifts too far from its own clock.
func signURL(endpoint, apiKey, apiSecret string, now time.Time) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	date := now.UTC().Format(time.RFC1123)
	// RFC1123 formats UTC as "UTC"; the signature wants "GMT".
	date = date[:len(date)-3] + "GMT"

	signature := sign(apiSecret, canonicalString(u.Host, date, path))
	authorization := fmt.Sprintf(`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		apiKey, signature)

	q := url.Values{}
	q.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	q.Set("date", date)
	q.Set("host", u.Host)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func canonicalString(host, date, path string) string {
	return "host: " + host + "\ndate: " + date + "\nGET " + path + " HTTP/1.1"
}

func sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
