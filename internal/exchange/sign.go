package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// signHex returns the HMAC-SHA256 of payload as lowercase hex
func signHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signBase64 returns the HMAC-SHA256 of payload as standard base64
func signBase64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signHexSHA512 returns the HMAC-SHA512 of payload as lowercase hex
func signHexSHA512(secret, payload string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// sha512Hex hashes payload with plain SHA-512, used for Gate's body hash
func sha512Hex(payload string) string {
	sum := sha512.Sum512([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// timestampMs is the venue-facing millisecond timestamp
func timestampMs() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// timestampSec is the venue-facing second timestamp
func timestampSec() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// isoTimestamp is the OKX-style UTC timestamp with millisecond precision
func isoTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// restClient is the shared HTTP plumbing for hand-signed venue clients. The
// body passed to do is the exact byte sequence that was hashed, so signing
// and sending never diverge.
type restClient struct {
	venue      string
	baseURL    string
	httpClient *http.Client
}

func newRESTClient(venue, baseURL string) *restClient {
	return &restClient{
		venue:      venue,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// do issues a request and returns the raw body. Non-2xx responses become
// VenueHTTPError with the body trimmed.
func (r *restClient) do(ctx context.Context, method, path string, headers map[string]string, body string) ([]byte, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewVenueHTTPError(r.venue, resp.StatusCode, string(raw))
	}
	return raw, nil
}
