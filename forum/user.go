package forum

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/xerrors"
)

// PasswordCost is the bcrypt cost for new password hashes.
var PasswordCost = 12

const minPasswordLength = 8

type User struct {
	ID      uuid.UUID `json:"id"`
	Email   string    `json:"email"`
	Handle  string    `json:"handle"`
	Hash    []byte    `json:"-"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	Admin   bool      `json:"admin"`
}

func NewUser(email, handle string, admin bool) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, xerrors.Errorf("invalid email: %w", err)
	}
	handle = strings.TrimSpace(handle)
	if handle == "" || len(handle) > 32 {
		return nil, xerrors.New("handle must be 1 to 32 characters")
	}
	now := time.Now().UTC()
	return &User{
		ID:      uuid.New(),
		Email:   email,
		Handle:  handle,
		Created: now,
		Updated: now,
		Admin:   admin,
	}, nil
}

func (u *User) SetPassword(password string) error {
	if len(password) < minPasswordLength {
		return xerrors.Errorf("password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return err
	}
	u.Hash = hash
	return nil
}

func (u *User) PasswordMatches(input string) (bool, error) {
	err := bcrypt.CompareHashAndPassword(u.Hash, []byte(input))
	if err != nil {
		switch {
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			//invalid password
			return false, nil
		default:
			//unknown error
			return false, err
		}
	}

	return true, nil
}

func (u *User) Sanitize() {
	u.Hash = nil
}
