package database

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// UserLister lists accounts for export.
type UserLister interface {
	ListUsers() ([]*User, error)
}

type exportedUser struct {
	ID        string    `yaml:"id"`
	Username  string    `yaml:"username"`
	Email     string    `yaml:"email"`
	Role      string    `yaml:"role"`
	CreatedAt time.Time `yaml:"created_at"`
}

type exportDocument struct {
	ExportedAt time.Time      `yaml:"exported_at"`
	Users      []exportedUser `yaml:"users"`
}

// ExportUsers writes every account as YAML. Password hashes are omitted.
func ExportUsers(w io.Writer, src UserLister) error {
	users, err := src.ListUsers()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	doc := exportDocument{
		ExportedAt: time.Now().UTC(),
		Users:      make([]exportedUser, 0, len(users)),
	}
	for _, u := range users {
		doc.Users = append(doc.Users, exportedUser{
			ID:        u.ID,
			Username:  u.Username,
			Email:     u.Email,
			Role:      u.Role.String(),
			CreatedAt: time.UnixMilli(u.CreatedAt).UTC(),
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	return enc.Close()
}
