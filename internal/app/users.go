package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	yaml "go.yaml.in/yaml/v3"

	"pewnotify/internal/notify"
	"pewnotify/internal/storage"
	logx "pewnotify/pkg/logx"
)

// usersFile is the seed file format:
//
//	users:
//	  - id: 1
//	    username: alice
//	    chat_id: "123456"
//	    phone: "+15550001"
//	    email: alice@example.com
type usersFile struct {
	Users []userEntry `yaml:"users" validate:"dive"`
}

type userEntry struct {
	ID                int64  `yaml:"id" validate:"gt=0"`
	Username          string `yaml:"username"`
	ChatID            string `yaml:"chat_id"`
	Phone             string `yaml:"phone"`
	Email             string `yaml:"email" validate:"omitempty,email"`
	NotificationEmail string `yaml:"notification_email" validate:"omitempty,email"`
	Admin             bool   `yaml:"admin"`
}

func (e userEntry) user() notify.User {
	return notify.User{
		ID:                e.ID,
		Username:          strings.TrimSpace(e.Username),
		ChatID:            strings.TrimSpace(e.ChatID),
		Phone:             strings.TrimSpace(e.Phone),
		Email:             strings.TrimSpace(e.Email),
		NotificationEmail: strings.TrimSpace(e.NotificationEmail),
		IsAdmin:           e.Admin,
	}
}

// parseUsers decodes and checks a seed file. Duplicate ids are rejected.
func parseUsers(b []byte) ([]notify.User, error) {
	var f usersFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("users: decode: %w", err)
	}
	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	seen := make(map[int64]struct{}, len(f.Users))
	out := make([]notify.User, 0, len(f.Users))
	for _, e := range f.Users {
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("users: duplicate id %d", e.ID)
		}
		seen[e.ID] = struct{}{}
		out = append(out, e.user())
	}
	return out, nil
}

// SeedUsers upserts every user of the YAML file at path.
func SeedUsers(ctx context.Context, store storage.UserStore, path string, log logx.Logger) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("users: %w", err)
	}
	users, err := parseUsers(b)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		if err := store.UpsertUser(ctx, u); err != nil {
			return 0, fmt.Errorf("users: upsert %d: %w", u.ID, err)
		}
	}
	log.Info("users seeded", logx.String("path", path), logx.Int("count", len(users)))
	return len(users), nil
}
