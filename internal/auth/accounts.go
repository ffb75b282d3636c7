package auth

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/annel0/charsync/internal/config"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrWrongPassword       = errors.New("wrong password")
	ErrInvalidPasswordHash = errors.New("invalid password hash")
)

// Account учётная запись для входа через REST
type Account struct {
	Name         string
	PasswordHash string
	IsAdmin      bool
}

// HashPassword bcrypt-хэш пароля с DefaultCost
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AccountStore потокобезопасное хранилище учётных записей в памяти.
// Имена регистронезависимы.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewAccountStore заполняет хранилище из конфигурации
func NewAccountStore(entries []config.AccountConfig) (*AccountStore, error) {
	s := &AccountStore{accounts: make(map[string]*Account)}
	for _, e := range entries {
		if _, err := bcrypt.Cost([]byte(e.PasswordHash)); err != nil {
			return nil, errors.Join(ErrInvalidPasswordHash, err)
		}
		if err := s.add(&Account{Name: e.Name, PasswordHash: e.PasswordHash, IsAdmin: e.Admin}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create добавляет учётную запись с паролем в открытом виде
func (s *AccountStore) Create(name, password string, isAdmin bool) (*Account, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	acc := &Account{Name: name, PasswordHash: hash, IsAdmin: isAdmin}
	if err := s.add(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Get учётная запись по имени
func (s *AccountStore) Get(name string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[normalize(name)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

// Login проверяет пароль
func (s *AccountStore) Login(name, password string) (*Account, error) {
	acc, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return nil, ErrWrongPassword
	}
	return acc, nil
}

// Len количество учётных записей
func (s *AccountStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

func (s *AccountStore) add(acc *Account) error {
	key := normalize(acc.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[key]; exists {
		return ErrAccountExists
	}
	s.accounts[key] = acc
	return nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
