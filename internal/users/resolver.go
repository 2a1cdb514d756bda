package users

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const anonymousIDPrefix = "anon-"

// TokenValidator verifies a session credential.
type TokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ResolverConfig describes the dependencies required for identity resolution.
type ResolverConfig struct {
	Validator TokenValidator
	IDSource  func() (string, error)
	NamePick  func(n int) int
	Logger    *zap.Logger
}

// Resolver maps a connection credential to an Identity. It never fails: a
// missing or unverifiable credential yields an anonymous identity.
type Resolver struct {
	validator TokenValidator
	newID     func() (string, error)
	pickMu    sync.Mutex
	pick      func(n int) int
	logger    *zap.Logger
}

// NewResolver constructs a Resolver. A nil Validator makes every connection anonymous.
func NewResolver(cfg ResolverConfig) *Resolver {
	newID := cfg.IDSource
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	pick := cfg.NamePick
	if pick == nil {
		pick = rand.IntN
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		validator: cfg.Validator,
		newID:     newID,
		pick:      pick,
		logger:    logger,
	}
}

// Resolve returns the identity for token.
func (r *Resolver) Resolve(token string) Identity {
	if normalize(token) != "" && r.validator != nil {
		claims, err := r.validator.ValidateToken(token)
		if err == nil {
			identity, identityErr := identityFromClaims(claims)
			if identityErr == nil {
				return identity
			}
			err = identityErr
		}
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			r.logger.Info("credential rejected, continuing anonymously", zap.Error(err))
		} else {
			r.logger.Warn("credential rejected, continuing anonymously", zap.Error(err))
		}
	}
	return r.Anonymous()
}

// Anonymous returns a fresh connection-scoped identity with a random display name.
func (r *Resolver) Anonymous() Identity {
	id, err := r.newID()
	if err != nil || normalize(id) == "" {
		r.logger.Warn("anonymous id generation failed, using fallback", zap.Error(err))
		id = uuid.NewString()
	}
	r.pickMu.Lock()
	index := r.pick(len(AnonymousNames))
	r.pickMu.Unlock()
	if index < 0 || index >= len(AnonymousNames) {
		index = 0
	}
	return Identity{
		UserID:    anonymousIDPrefix + id,
		Username:  AnonymousNames[index],
		Anonymous: true,
	}
}

func identityFromClaims(claims auth.SessionClaims) (Identity, error) {
	userID := canonicalUserID(claims)
	if userID == "" {
		return Identity{}, ErrInvalidIdentity
	}
	email := normalize(claims.UserEmail)
	username := normalize(claims.UserDisplayName)
	if username == "" && email != "" {
		username = strings.SplitN(email, "@", 2)[0]
	}
	if username == "" {
		username = userID
	}
	return Identity{
		UserID:   userID,
		Username: username,
		Email:    email,
	}, nil
}

// canonicalUserID strips a "provider:" prefix so that the same person keeps one
// id regardless of which provider minted the session.
func canonicalUserID(claims auth.SessionClaims) string {
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				return normalize(segments[1])
			}
		}
		return raw
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return subject
}
