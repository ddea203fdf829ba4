package commands

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/johanlelan/entitysource/domain"
)

// KindUser is the aggregate kind for user accounts. It is the only kind with
// a reactivation command.
const KindUser = "user"

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// UniquenessChecker answers whether an indexed field value is already taken.
// Lookups run against the read index, so the check is eventually consistent;
// the log, not the index, stays the system of record.
type UniquenessChecker interface {
	Exists(ctx context.Context, kind, field, value string) (bool, error)
}

// RegisterUserInput is the payload accepted by Register.
type RegisterUserInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Bio      string `json:"bio,omitempty"`
	Image    string `json:"image,omitempty"`
}

type userSnapshot struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Bio          string `json:"bio"`
	Image        string `json:"image"`
	PasswordHash string `json:"passwordHash"`
}

// UserService layers user-specific rules (input validation, uniqueness,
// password hashing) over the generic command service.
type UserService struct {
	core  *Service
	index UniquenessChecker
}

// NewUserService creates a user command service.
func NewUserService(core *Service, index UniquenessChecker) *UserService {
	return &UserService{core: core, index: index}
}

// Register validates the input, rejects duplicate usernames and emails, and
// appends the user's created event. The stored snapshot carries the bcrypt
// hash, never the password.
func (s *UserService) Register(ctx context.Context, author string, in RegisterUserInput) (domain.State, error) {
	if err := validateRegisterInput(in); err != nil {
		return nil, err
	}
	if s.index != nil {
		if taken, err := s.index.Exists(ctx, KindUser, "username", in.Username); err != nil {
			return nil, err
		} else if taken {
			return nil, &domain.ConflictError{Field: "username", Value: in.Username}
		}
		if taken, err := s.index.Exists(ctx, KindUser, "email", in.Email); err != nil {
			return nil, err
		} else if taken {
			return nil, &domain.ConflictError{Field: "email", Value: in.Email}
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	image := in.Image
	if image == "" {
		image = gravatarURL(in.Email)
	}
	payload, err := json.Marshal(userSnapshot{
		Username:     in.Username,
		Email:        in.Email,
		Bio:          in.Bio,
		Image:        image,
		PasswordHash: string(hash),
	})
	if err != nil {
		return nil, err
	}
	return s.core.Create(ctx, KindUser, author, payload)
}

// Patch applies patch operations to a user.
func (s *UserService) Patch(ctx context.Context, id, author string, patches []domain.PatchOp) (domain.State, error) {
	return s.core.Patch(ctx, KindUser, id, author, patches)
}

// Remove tombstones a user account.
func (s *UserService) Remove(ctx context.Context, id, author string) (domain.State, error) {
	return s.core.Remove(ctx, KindUser, id, author)
}

// Activate reverses a removal.
func (s *UserService) Activate(ctx context.Context, id, author string) (domain.State, error) {
	return s.core.Activate(ctx, KindUser, id, author)
}

func validateRegisterInput(in RegisterUserInput) error {
	var fields []domain.FieldError
	if len(in.Username) < 2 {
		fields = append(fields, domain.FieldError{Field: "username", Message: "must be at least 2 characters"})
	} else if !usernamePattern.MatchString(in.Username) {
		fields = append(fields, domain.FieldError{Field: "username", Message: "must contain only letters, digits and dashes"})
	}
	if len(in.Password) < 6 {
		fields = append(fields, domain.FieldError{Field: "password", Message: "must be at least 6 characters"})
	}
	if !strings.Contains(in.Email, "@") {
		fields = append(fields, domain.FieldError{Field: "email", Message: "must be a valid email address"})
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}

func gravatarURL(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "https://www.gravatar.com/avatar/" + hex.EncodeToString(sum[:]) + "?d=identicon"
}

// PublicUser is the safe view of a user state returned by the API. The
// password hash never leaves the service.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Bio      string `json:"bio,omitempty"`
	Image    string `json:"image,omitempty"`
	Active   bool   `json:"active"`
}

// PublicUserView projects a replayed user state to its public view.
func PublicUserView(s domain.State) PublicUser {
	str := func(key string) string {
		v, _ := s[key].(string)
		return v
	}
	return PublicUser{
		ID:       s.ID(),
		Username: str("username"),
		Email:    str("email"),
		Bio:      str("bio"),
		Image:    str("image"),
		Active:   s.Active(),
	}
}
