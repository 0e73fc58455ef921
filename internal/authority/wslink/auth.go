package wslink

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

var (
	// ErrNoToken indicates the upgrade request carried no bearer token.
	ErrNoToken = errors.New("missing bearer token")

	// ErrTokenExpired indicates the token's exp claim is in the past.
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the payload of an authority bearer token.
type Claims struct {
	Subject string `json:"sub"`
	Expiry  int64  `json:"exp,omitempty"`
}

// SignToken issues an HS256 compact JWS for subject, valid for ttl. A zero
// ttl issues a token without expiry.
func SignToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	claims := Claims{Subject: subject}
	if ttl > 0 {
		claims.Expiry = time.Now().Add(ttl).Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return obj.CompactSerialize()
}

// VerifyToken checks the signature and expiry of token.
func VerifyToken(secret []byte, token string, now time.Time) (Claims, error) {
	var claims Claims
	obj, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return claims, fmt.Errorf("parse token: %w", err)
	}
	payload, err := obj.Verify(secret)
	if err != nil {
		return claims, fmt.Errorf("verify token: %w", err)
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, fmt.Errorf("decode claims: %w", err)
	}
	if claims.Expiry != 0 && now.Unix() >= claims.Expiry {
		return claims, ErrTokenExpired
	}
	return claims, nil
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter for clients that cannot set headers on a
// WebSocket upgrade.
func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", ErrNoToken
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}
