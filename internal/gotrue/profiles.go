package gotrue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tyemirov/tauthclient/internal/identity"
)

const (
	// DefaultProfilesTable is the PostgREST table holding profile rows.
	DefaultProfilesTable = "profiles"

	profileColumns      = "id,full_name,role"
	uniqueViolationCode = "23505"
)

// RestProfileTable reads and writes profile rows through the backend's PostgREST endpoint, authenticated
// as the current session so row-level security applies.
type RestProfileTable struct {
	client *Client
	table  string
}

// Profiles returns the profile table named table, or DefaultProfilesTable when empty.
func (client *Client) Profiles(table string) *RestProfileTable {
	if strings.TrimSpace(table) == "" {
		table = DefaultProfilesTable
	}
	return &RestProfileTable{client: client, table: table}
}

// GetProfile returns identity.ErrProfileNotFound when no row matches.
func (table *RestProfileTable) GetProfile(ctx context.Context, userID string) (identity.Profile, error) {
	var rows []identity.Profile
	query := url.Values{"id": {"eq." + userID}, "select": {profileColumns}}
	if err := table.client.do(ctx, http.MethodGet, table.path(), query, nil, table.client.accessToken(ctx), nil, &rows); err != nil {
		return identity.Profile{}, fmt.Errorf("gotrue.profiles.get: %w", err)
	}
	if len(rows) == 0 {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	return rows[0], nil
}

// InsertProfile returns identity.ErrProfileExists on a primary key conflict.
func (table *RestProfileTable) InsertProfile(ctx context.Context, profile identity.Profile) (identity.Profile, error) {
	var rows []identity.Profile
	headers := http.Header{"Prefer": {"return=representation"}}
	query := url.Values{"select": {profileColumns}}
	err := table.client.do(ctx, http.MethodPost, table.path(), query, profile, table.client.accessToken(ctx), headers, &rows)
	if err != nil {
		var backendErr *identity.BackendError
		if errors.As(err, &backendErr) && (backendErr.Status == http.StatusConflict || backendErr.Code == uniqueViolationCode) {
			return identity.Profile{}, identity.ErrProfileExists
		}
		return identity.Profile{}, fmt.Errorf("gotrue.profiles.insert: %w", err)
	}
	if len(rows) == 0 {
		return profile, nil
	}
	return rows[0], nil
}

// UpdateProfile patches the supplied columns and returns the updated row.
func (table *RestProfileTable) UpdateProfile(ctx context.Context, userID string, update identity.ProfileUpdate) (identity.Profile, error) {
	if update.Empty() {
		return table.GetProfile(ctx, userID)
	}
	var rows []identity.Profile
	headers := http.Header{"Prefer": {"return=representation"}}
	query := url.Values{"id": {"eq." + userID}, "select": {profileColumns}}
	if err := table.client.do(ctx, http.MethodPatch, table.path(), query, update, table.client.accessToken(ctx), headers, &rows); err != nil {
		return identity.Profile{}, fmt.Errorf("gotrue.profiles.update: %w", err)
	}
	if len(rows) == 0 {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	return rows[0], nil
}

func (table *RestProfileTable) path() string {
	return "rest/v1/" + table.table
}
