package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/httputil"
)

const (
	tokenIssuer   = "https://business.gemini.google"
	tokenAudience = "https://biz-discoveryengine.googleapis.com"
	tokenLifetime = 300 * time.Second
	xssiPrefix    = ")]}'"
)

// MintToken exchanges the account cookies for an xsrf signing key and signs
// a short-lived bearer token with it.
func (c *Client) MintToken(ctx context.Context, acc domain.Account) (string, time.Time, error) {
	creds := acc.Credentials
	if creds.SecureCSes == "" || creds.CSesIdx == "" {
		return "", time.Time{}, fmt.Errorf("account %s has no session cookies", acc.ID)
	}

	u := c.authURL + "/auth/getoxsrf?csesidx=" + url.QueryEscape(creds.CSesIdx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create request: %w", err)
	}

	cookie := "__Secure-C_SES=" + creds.SecureCSes
	if creds.HostCOses != "" {
		cookie += "; __Host-C_OSES=" + creds.HostCOses
	}
	httpReq.Header.Set("Cookie", cookie)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Referer", c.authURL+"/")

	client, err := c.httpClient(httputil.ClassAuth, acc, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %w", domain.ErrTransientNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, readError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read xsrf: %w", err)
	}

	key, keyID, err := parseXSRF(body)
	if err != nil {
		return "", time.Time{}, err
	}

	now := c.now()
	expiry := now.Add(tokenLifetime)
	token, err := signToken(key, keyID, creds.CSesIdx, now, expiry)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiry, nil
}

func parseXSRF(body []byte) ([]byte, string, error) {
	body = bytes.TrimSpace(body)
	body = bytes.TrimPrefix(body, []byte(xssiPrefix))

	xsrf := gjson.GetBytes(body, "xsrfToken").String()
	keyID := gjson.GetBytes(body, "keyId").String()
	if xsrf == "" || keyID == "" {
		return nil, "", fmt.Errorf("xsrf response missing token or key id")
	}

	// The token arrives in either base64 alphabet, padded or not.
	normalized := strings.NewReplacer("+", "-", "/", "_").Replace(strings.TrimRight(xsrf, "="))
	key, err := base64.RawURLEncoding.DecodeString(normalized)
	if err != nil {
		return nil, "", fmt.Errorf("decode xsrf token: %w", err)
	}
	return key, keyID, nil
}

func signToken(key []byte, keyID, csesidx string, now, expiry time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": tokenIssuer,
		"aud": tokenAudience,
		"sub": "csesidx/" + csesidx,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": expiry.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
