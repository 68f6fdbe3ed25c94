// Package idp talks to the identity provider holding the authoritative user
// attributes, including the role attribute.
package idp

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned when writing an attribute of an unknown user.
var ErrUserNotFound = errors.New("idp: user not found")

// Client is the identity provider surface the resolver and the reconciliation
// engine depend on.
type Client interface {
	// GetUserAttribute returns the first value of attr, or "" when the user or
	// the attribute does not exist.
	GetUserAttribute(ctx context.Context, userID, attr string) (string, error)
	// SetUserAttribute replaces attr with a single value.
	SetUserAttribute(ctx context.Context, userID, attr, value string) error
	// ListUsers returns one page of user IDs. An empty pageToken starts from
	// the beginning; an empty NextPageToken marks the last page.
	ListUsers(ctx context.Context, pageSize int, pageToken string) (*Page, error)
}

// Page is one page of ListUsers results.
type Page struct {
	UserIDs       []string
	NextPageToken string
}

// User is the decoded IdP user representation.
type User struct {
	ID         string              `mapstructure:"id"`
	Username   string              `mapstructure:"username"`
	Email      string              `mapstructure:"email"`
	Enabled    bool                `mapstructure:"enabled"`
	Attributes map[string][]string `mapstructure:"attributes"`
}

// Attribute returns the first value of name, or "".
func (u *User) Attribute(name string) string {
	if vals := u.Attributes[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// AllUserIDs walks every page of ListUsers.
func AllUserIDs(ctx context.Context, c Client, pageSize int) ([]string, error) {
	var (
		ids   []string
		token string
	)
	for {
		page, err := c.ListUsers(ctx, pageSize, token)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page.UserIDs...)
		if page.NextPageToken == "" {
			return ids, nil
		}
		token = page.NextPageToken
	}
}
