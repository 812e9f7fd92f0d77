// Package auth registers and authenticates users and manages their entitlement tier.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/slyntos/internal/models"
	"github.com/xaenox/slyntos/internal/storage"
	"go.uber.org/zap"
)

// MaxAvatarSize is the largest accepted profile picture, in bytes.
const MaxAvatarSize = 2 * 1024 * 1024

var (
	// ErrInvalidCredentials covers both an unknown user and a wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrInvalidAccessCode  = errors.New("invalid access code")
	ErrTooManyAttempts    = errors.New("too many login attempts, try again later")
)

// ValidationError reports a malformed registration request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

type RegisterInput struct {
	Username string
	Password string
	// ConfirmPassword is checked only when non-empty.
	ConfirmPassword string
	Avatar          *models.Attachment
	AccessCode      string
}

// Gate validates credentials against the user store.
type Gate struct {
	users      storage.UserStore
	accessCode string
	limiter    *Limiter
	logger     *zap.Logger
	now        func() time.Time

	// dummy hash inputs so unknown users cost the same as wrong passwords
	dummySalt []byte
	dummyHash []byte
}

// NewGate builds a Gate. An empty accessCode disables paid upgrades; a nil
// limiter disables login throttling.
func NewGate(users storage.UserStore, accessCode string, limiter *Limiter, logger *zap.Logger) *Gate {
	salt := make([]byte, saltLen)
	return &Gate{
		users:      users,
		accessCode: strings.TrimSpace(accessCode),
		limiter:    limiter,
		logger:     logger,
		now:        time.Now,
		dummySalt:  salt,
		dummyHash:  HashPassword([]byte("slyntos"), salt),
	}
}

func (g *Gate) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, &ValidationError{Msg: "username is required"}
	}
	if in.Password == "" {
		return nil, &ValidationError{Msg: "password is required"}
	}
	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		return nil, &ValidationError{Msg: "passwords do not match"}
	}
	if in.Avatar != nil {
		if err := validateAvatar(in.Avatar); err != nil {
			return nil, err
		}
	}

	salt, err := RandBytes(saltLen)
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	tier := models.TierFree
	if g.codeMatches(in.AccessCode) {
		tier = models.TierPaid
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: HashPassword([]byte(in.Password), salt),
		PasswordSalt: salt,
		Avatar:       in.Avatar,
		Tier:         tier,
		CreatedAt:    g.now().UTC(),
	}

	if err := g.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	g.logger.Info("User registered",
		zap.String("user_id", user.ID),
		zap.String("tier", string(user.Tier)))

	return user, nil
}

func (g *Gate) Login(ctx context.Context, username, password string) (*models.User, error) {
	if g.limiter != nil && !g.limiter.Allow(username) {
		return nil, ErrTooManyAttempts
	}

	user, err := g.users.GetUserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		VerifyPassword([]byte(password), g.dummySalt, g.dummyHash)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !VerifyPassword([]byte(password), user.PasswordSalt, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Upgrade moves the user to the paid tier when code matches the configured access code.
func (g *Gate) Upgrade(ctx context.Context, userID, code string) (*models.User, error) {
	if !g.codeMatches(code) {
		return nil, ErrInvalidAccessCode
	}
	if err := g.users.UpdateUserTier(ctx, userID, models.TierPaid); err != nil {
		return nil, fmt.Errorf("update tier: %w", err)
	}

	g.logger.Info("User upgraded", zap.String("user_id", userID))

	return g.users.GetUserByID(ctx, userID)
}

// User reloads the account by id.
func (g *Gate) User(ctx context.Context, userID string) (*models.User, error) {
	return g.users.GetUserByID(ctx, userID)
}

// codeMatches compares case-sensitively after trimming whitespace.
func (g *Gate) codeMatches(code string) bool {
	code = strings.TrimSpace(code)
	if g.accessCode == "" || code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(g.accessCode)) == 1
}

func validateAvatar(a *models.Attachment) error {
	if !strings.HasPrefix(a.MIMEType, "image/") {
		return &ValidationError{Msg: "profile picture must be an image"}
	}
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return &ValidationError{Msg: "profile picture is not valid base64"}
	}
	if len(data) > MaxAvatarSize {
		return &ValidationError{Msg: "profile picture must be under 2MB"}
	}
	a.Size = int64(len(data))
	return nil
}
