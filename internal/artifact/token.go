package artifact

import (
	"errors"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/appforge/appforge/internal/apperr"
)

const tokenIssuer = "appforge-artifacts"

// DownloadURL returns a relative URL for downloading a build's output,
// signed with a token valid for ttl (the configured default when ttl <= 0).
func (s *Store) DownloadURL(buildID string, ttl time.Duration) (string, error) {
	tok, err := s.Sign(buildID, ttl)
	if err != nil {
		return "", err
	}
	return "/build/" + url.PathEscape(buildID) + "/download?token=" + url.QueryEscape(tok), nil
}

// Sign issues an HS256 token whose subject is buildID.
func (s *Store) Sign(buildID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   buildID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks that token was issued by this store for buildID and has
// not expired.
func (s *Store) Verify(buildID, token string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(buildID),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return apperr.Wrap(apperr.ErrUnauthenticated, err, "download link expired")
		}
		return apperr.Wrap(apperr.ErrUnauthenticated, err, "invalid download token")
	}
	return nil
}
