package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// Credentials identify the local user to the broker and the REST endpoints.
type Credentials struct {
	Token  string
	UserID int64
}

// BearerHeader renders the Authorization header value.
func (c Credentials) BearerHeader() string {
	if c.Token == "" {
		return ""
	}
	return "Bearer " + c.Token
}

// CredentialProvider hands out the current credentials. It is injected into
// every component that talks to the server instead of being looked up globally.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials always returns the same credentials.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

func (s StaticCredentials) BearerHeader() string {
	return Credentials(s).BearerHeader()
}

// TokenCredentials wraps a bearer token and derives the user id from its
// claims when no explicit id is supplied.
func TokenCredentials(token string, userID int64) (StaticCredentials, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return StaticCredentials{}, errors.New("empty token")
	}
	if userID == 0 {
		id, err := UserIDFromToken(token)
		if err != nil {
			return StaticCredentials{}, err
		}
		userID = id
	}
	return StaticCredentials{Token: token, UserID: userID}, nil
}

// sessionFile is the on-disk login record written by the web client tooling.
type sessionFile struct {
	UserID int64  `json:"user_idx"`
	Token  string `json:"token"`
}

// FileCredentials reads the token file on every call so a refreshed login is
// picked up on the next connect.
type FileCredentials struct {
	Path string
}

func (f FileCredentials) Credentials(context.Context) (Credentials, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Credentials{}, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		// a bare token file is accepted as well
		creds, tokenErr := TokenCredentials(string(data), 0)
		if tokenErr != nil {
			return Credentials{}, fmt.Errorf("read token file: %w", err)
		}
		return Credentials(creds), nil
	}
	creds, err := TokenCredentials(session.Token, session.UserID)
	if err != nil {
		return Credentials{}, fmt.Errorf("token file %s: %w", f.Path, err)
	}
	return Credentials(creds), nil
}

// UserIDFromToken reads the user id claim of a JWT without verifying it. The
// server verifies the token; the client only needs to know who it is.
func UserIDFromToken(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}
	for _, name := range []string{"user_idx", "userIdx", "user_id"} {
		if id, ok := numericClaim(claims[name]); ok {
			return id, nil
		}
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
			return id, nil
		}
	}
	return 0, errors.New("token carries no numeric user id")
}

func numericClaim(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), v > 0
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil && id > 0
	}
	return 0, false
}
