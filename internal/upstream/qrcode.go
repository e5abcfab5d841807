package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/strmgate/strmgate/internal/credfile"
)

// QRSession is one device-grant login attempt. The verifier is PKCE-style
// secret material held in process memory only — it is never persisted and
// never leaves via the API surface.
type QRSession struct {
	UID       string
	QRPayload string
	ExpiresAt time.Time
	Verifier  string
}

// QR scan statuses as reported by the upstream.
const (
	QRNotScanned = 0
	QRScanned    = 1
	QRConfirmed  = 2
	QRExpired    = -2
)

// QRStart opens a device-grant session. verifier is generated locally and
// its challenge is sent with the request; the upstream echoes the session
// uid and the payload to render as a QR code.
func (c *Client) QRStart(ctx context.Context) (*QRSession, error) {
	verifier := oauth2.GenerateVerifier()

	form := intForm(
		"code_challenge", oauth2.S256ChallengeFromVerifier(verifier),
		"code_challenge_method", "sha256",
	)

	env, err := c.do(ctx, nil, http.MethodPost, "/open/qrcode/device", form)
	if err != nil {
		return nil, err
	}

	var data struct {
		UID     string  `json:"uid"`
		QRCode  string  `json:"qrcode"`
		Expires flexInt `json:"expires"`
	}
	if err := decodeData(env, &data); err != nil {
		return nil, err
	}

	if data.UID == "" || data.QRCode == "" {
		return nil, transportErr("qrcode device response missing uid or payload")
	}

	sess := &QRSession{
		UID:       data.UID,
		QRPayload: data.QRCode,
		Verifier:  verifier,
	}

	if data.Expires > 0 {
		sess.ExpiresAt = time.Unix(int64(data.Expires), 0).UTC()
	} else {
		sess.ExpiresAt = time.Now().Add(5 * time.Minute).UTC()
	}

	c.logger.Info("opened QR login session",
		slog.String("uid", sess.UID),
		slog.Time("expires_at", sess.ExpiresAt),
	)

	return sess, nil
}

// QRStatus polls the scan state of a session. Expired sessions surface as
// QRExpired rather than an error so the state machine can garbage-collect.
func (c *Client) QRStatus(ctx context.Context, uid string) (int, error) {
	form := intForm("uid", uid)

	env, err := c.do(ctx, nil, http.MethodGet, "/open/qrcode/status", form)
	if err != nil {
		return QRNotScanned, err
	}

	var data struct {
		Status flexInt `json:"status"`
	}
	if err := decodeData(env, &data); err != nil {
		return QRNotScanned, err
	}

	return int(data.Status), nil
}

// QRExchange trades a confirmed session for a credential. The kind selects
// the credential shape: "open" returns a bearer token with refresh handle,
// "web" returns a session cookie.
func (c *Client) QRExchange(ctx context.Context, uid, verifier, kind string) (*credfile.Credential, error) {
	form := intForm("uid", uid, "code_verifier", verifier, "app", kind)

	env, err := c.do(ctx, nil, http.MethodPost, "/open/qrcode/exchange", form)
	if err != nil {
		return nil, err
	}

	var data struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken string  `json:"refresh_token"`
		ExpiresIn    flexInt `json:"expires_in"`
		Cookie       string  `json:"cookie"`
	}
	if err := decodeData(env, &data); err != nil {
		return nil, err
	}

	cred := &credfile.Credential{Kind: kind}

	switch {
	case data.AccessToken != "":
		cred.Token = &oauth2.Token{
			AccessToken:  data.AccessToken,
			RefreshToken: data.RefreshToken,
			TokenType:    "Bearer",
		}
		if data.ExpiresIn > 0 {
			cred.Token.Expiry = time.Now().Add(time.Duration(data.ExpiresIn) * time.Second).UTC()
		}
	case data.Cookie != "":
		cred.Cookie = data.Cookie
	default:
		return nil, transportErr("qrcode exchange returned neither token nor cookie")
	}

	c.logger.Info("exchanged QR session for credential",
		slog.String("uid", uid),
		slog.String("kind", kind),
	)

	return cred, nil
}

// RefreshCredential trades a bearer credential's refresh handle for a new
// token. Cookie credentials are refreshed implicitly by the upstream on
// use and return unchanged.
func (c *Client) RefreshCredential(ctx context.Context, cred *credfile.Credential) (*credfile.Credential, error) {
	if cred.Token == nil || cred.Token.RefreshToken == "" {
		return cred, nil
	}

	form := intForm("refresh_token", cred.Token.RefreshToken)

	env, err := c.do(ctx, nil, http.MethodPost, "/open/token/refresh", form)
	if err != nil {
		return nil, err
	}

	var data struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken string  `json:"refresh_token"`
		ExpiresIn    flexInt `json:"expires_in"`
	}
	if err := decodeData(env, &data); err != nil {
		return nil, err
	}

	if data.AccessToken == "" {
		return nil, &Error{Code: env.Code, Message: "refresh returned no token", Err: ErrUnauthorized}
	}

	next := &credfile.Credential{
		Kind: cred.Kind,
		Token: &oauth2.Token{
			AccessToken:  data.AccessToken,
			RefreshToken: data.RefreshToken,
			TokenType:    "Bearer",
		},
	}

	if next.Token.RefreshToken == "" {
		next.Token.RefreshToken = cred.Token.RefreshToken
	}

	if data.ExpiresIn > 0 {
		next.Token.Expiry = time.Now().Add(time.Duration(data.ExpiresIn) * time.Second).UTC()
	}

	return next, nil
}
