package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/db"
)

// SessionDuration is how long a login session (and its token) stays valid.
const SessionDuration = 24 * time.Hour

// Accounts is the slice of the persistence layer the auth service needs.
type Accounts interface {
	UserByName(ctx context.Context, name string) (*db.User, error)
	RobotByMachineName(ctx context.Context, machineName string) (*db.Robot, error)
	CreateSession(ctx context.Context, login *db.Session) error
	TouchUserLogin(ctx context.Context, userID string, when time.Time) error
	TouchRobotSeen(ctx context.Context, robotID string, when time.Time) error
}

// Service performs name/password login for users and robots, recording a
// session and handing back a signed token referencing it.
type Service struct {
	accounts Accounts
	tokens   *JWTManager
	logger   *zap.Logger
}

// NewService wires an auth service.
func NewService(accounts Accounts, tokens *JWTManager, logger *zap.Logger) *Service {
	return &Service{accounts: accounts, tokens: tokens, logger: logger}
}

// LoginResult is a successful login: the signed token and its expiry.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
}

// LoginUser authenticates an operator by name and password. Lookup failures
// and bad passwords collapse into ErrInvalidCredentials so login responses
// do not reveal which accounts exist.
func (s *Service) LoginUser(ctx context.Context, name, password string) (*LoginResult, error) {
	user, err := s.accounts.UserByName(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: login user: %w", err)
	}
	if !VerifyPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	result, err := s.openSession(ctx, user.ID.String(), false)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.TouchUserLogin(ctx, user.ID.String(), time.Now()); err != nil {
		s.logger.Warn("failed to record login time", zap.String("user", name), zap.Error(err))
	}
	s.logger.Info("user logged in", zap.String("name", name))
	return result, nil
}

// LoginRobot authenticates a robot by machine name and password.
func (s *Service) LoginRobot(ctx context.Context, machineName, password string) (*LoginResult, error) {
	robot, err := s.accounts.RobotByMachineName(ctx, machineName)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: login robot: %w", err)
	}
	if !VerifyPassword(password, robot.Password) {
		return nil, ErrInvalidCredentials
	}

	result, err := s.openSession(ctx, robot.ID.String(), true)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.TouchRobotSeen(ctx, robot.ID.String(), time.Now()); err != nil {
		s.logger.Warn("failed to record robot login time",
			zap.String("machineName", machineName), zap.Error(err))
	}
	s.logger.Info("robot logged in", zap.String("machineName", machineName))
	return result, nil
}

// openSession records a login episode and signs a token referencing it.
func (s *Service) openSession(ctx context.Context, subjectID string, isRobot bool) (*LoginResult, error) {
	subject, err := uuid.Parse(subjectID)
	if err != nil {
		return nil, fmt.Errorf("auth: open session: %w", err)
	}

	expiresAt := time.Now().Add(SessionDuration)
	login := &db.Session{
		SubjectID:   subject,
		IsRobot:     isRobot,
		WhenExpires: expiresAt,
	}
	if err := s.accounts.CreateSession(ctx, login); err != nil {
		return nil, fmt.Errorf("auth: open session: %w", err)
	}

	token, err := s.tokens.GenerateToken(login.ID.String(), expiresAt)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: expiresAt}, nil
}
