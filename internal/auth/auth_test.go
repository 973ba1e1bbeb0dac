package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/op"
)

func TestStaticVerifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewStaticVerifier([]Grant{
		{Token: "t-alice", UserID: "alice", Roles: []string{RoleEditor}},
		{Token: "t-old", UserID: "bob", Roles: []string{RoleOwner}, ExpiresAt: now.Add(-time.Minute)},
	}, func() time.Time { return now })
	ctx := context.Background()

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{name: "valid", token: "t-alice", want: "alice"},
		{name: "unknown", token: "nope", wantErr: ErrInvalidToken},
		{name: "empty", token: "", wantErr: ErrInvalidToken},
		{name: "expired", token: "t-old", wantErr: ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(ctx, tt.token)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, op.ErrAuthRejected)
				assert.True(t, IsRejected(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.UserID)
		})
	}
}

func TestVerifierAdd(t *testing.T) {
	v := NewStaticVerifier(nil, nil)
	_, err := v.Verify(context.Background(), "late")
	require.ErrorIs(t, err, ErrInvalidToken)

	v.Add(Grant{Token: "late", UserID: "carol", Roles: []string{RoleViewer}})
	id, err := v.Verify(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, "carol", id.UserID)
}

func TestIdentityRole(t *testing.T) {
	tests := []struct {
		roles   []string
		role    string
		canEdit bool
	}{
		{roles: []string{RoleViewer, RoleOwner}, role: RoleOwner, canEdit: true},
		{roles: []string{RoleEditor}, role: RoleEditor, canEdit: true},
		{roles: []string{RoleViewer}, role: RoleViewer},
		{roles: []string{"auditor"}, role: ""},
		{roles: nil, role: ""},
	}
	for _, tt := range tests {
		id := Identity{UserID: "u", Roles: tt.roles}
		assert.Equal(t, tt.role, id.Role(), "roles %v", tt.roles)
		assert.Equal(t, tt.canEdit, id.CanEdit(), "roles %v", tt.roles)
	}
}
