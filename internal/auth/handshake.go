package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/annel0/charsync/internal/protocol"
)

// ErrVersionMismatch версия протокола клиента не поддерживается
var ErrVersionMismatch = errors.New("protocol version mismatch")

// Identity результат рукопожатия
type Identity struct {
	PlayerName    string
	IsAdmin       bool
	Authenticated bool
}

// Authenticator проверяет Hello при подключении
type Authenticator struct {
	issuer   *Issuer
	required bool
}

// NewAuthenticator создаёт проверяющего; при required токен обязателен
func NewAuthenticator(issuer *Issuer, required bool) *Authenticator {
	return &Authenticator{issuer: issuer, required: required}
}

// Authenticate проверяет версию и токен. Без обязательной аутентификации
// клиент без токена принимается под именем из Hello.
func (a *Authenticator) Authenticate(hello protocol.Hello) (Identity, error) {
	if hello.Version != protocol.ProtocolVersion {
		return Identity{}, fmt.Errorf("клиент %d, сервер %d: %w", hello.Version, protocol.ProtocolVersion, ErrVersionMismatch)
	}

	if hello.Token == "" {
		if a.required {
			return Identity{}, fmt.Errorf("токен не передан: %w", ErrInvalidToken)
		}
		return Identity{PlayerName: sanitizeName(hello.Name)}, nil
	}
	if a.issuer == nil {
		return Identity{}, fmt.Errorf("нет издателя токенов: %w", ErrInvalidToken)
	}

	claims, err := a.issuer.Validate(hello.Token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PlayerName: claims.PlayerName, IsAdmin: claims.IsAdmin, Authenticated: true}, nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > 32 {
		name = name[:32]
	}
	if name == "" {
		return "player"
	}
	return name
}
