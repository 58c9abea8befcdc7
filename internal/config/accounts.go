package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/vdavid/vmail/accountsync/internal/crypto"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"gopkg.in/yaml.v2"
)

// AccountConfig is one mail account declared in the accounts file.
type AccountConfig struct {
	ID          string
	Flavor      string
	Endpoint    models.Endpoint
	Credentials models.Credentials
	MaxConns    int
}

type accountsFile struct {
	Accounts []accountEntry `yaml:"accounts"`
}

type accountEntry struct {
	ID                string `yaml:"id"`
	Flavor            string `yaml:"flavor"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Security          string `yaml:"security"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	EncryptedPassword string `yaml:"encrypted_password"`
	MaxConns          int    `yaml:"max_conns"`
}

// LoadAccounts reads the accounts file at path. encryptor decrypts encrypted_password entries and
// may be nil when none are used. Accounts without an id get a random one.
func LoadAccounts(path string, encryptor *crypto.Encryptor, defaultMaxConns int) ([]AccountConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return ParseAccounts(data, encryptor, defaultMaxConns)
}

// ParseAccounts parses the YAML content of an accounts file.
func ParseAccounts(data []byte, encryptor *crypto.Encryptor, defaultMaxConns int) ([]AccountConfig, error) {
	var file accountsFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	seen := make(map[string]bool, len(file.Accounts))
	out := make([]AccountConfig, 0, len(file.Accounts))
	for i, entry := range file.Accounts {
		acc, err := entry.resolve(encryptor, defaultMaxConns)
		if err != nil {
			return nil, fmt.Errorf("account #%d: %w", i+1, err)
		}
		if seen[acc.ID] {
			return nil, fmt.Errorf("account #%d: duplicate id %q", i+1, acc.ID)
		}
		seen[acc.ID] = true
		out = append(out, acc)
	}
	return out, nil
}

func (e accountEntry) resolve(encryptor *crypto.Encryptor, defaultMaxConns int) (AccountConfig, error) {
	if e.Host == "" {
		return AccountConfig{}, fmt.Errorf("host is required")
	}
	if e.Username == "" {
		return AccountConfig{}, fmt.Errorf("username is required")
	}

	security := models.SecurityMode(e.Security)
	switch security {
	case "":
		security = models.SecurityTLS
	case models.SecurityTLS, models.SecurityStartTLS, models.SecurityPlain:
	default:
		return AccountConfig{}, fmt.Errorf("unknown security mode %q", e.Security)
	}

	password, err := e.password(encryptor)
	if err != nil {
		return AccountConfig{}, err
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxConns := e.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}

	return AccountConfig{
		ID:          id,
		Flavor:      e.Flavor,
		Endpoint:    models.Endpoint{Host: e.Host, Port: e.Port, Security: security},
		Credentials: models.Credentials{Username: e.Username, Password: password},
		MaxConns:    maxConns,
	}, nil
}

func (e accountEntry) password(encryptor *crypto.Encryptor) (string, error) {
	switch {
	case e.Password != "" && e.EncryptedPassword != "":
		return "", fmt.Errorf("password and encrypted_password are mutually exclusive")
	case e.EncryptedPassword != "":
		if encryptor == nil {
			return "", fmt.Errorf("encrypted_password needs an encryption key")
		}
		plaintext, err := encryptor.OpenPassword(e.EncryptedPassword)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt password: %w", err)
		}
		return plaintext, nil
	case e.Password != "":
		return e.Password, nil
	}
	return "", fmt.Errorf("password or encrypted_password is required")
}
