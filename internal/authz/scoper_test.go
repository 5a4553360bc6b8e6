package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegatehq/orchestrator/internal/domain"
	store "github.com/delegatehq/orchestrator/internal/repository"
)

func newTestScoper(t *testing.T) (*Scoper, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	policy, err := NewPolicyEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	return NewScoper(st, policy), st
}

func seedOrg(t *testing.T, st *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertDepartment(ctx, &domain.Department{DepartmentID: "d1", Name: "eng", ManagerUserID: "admin-1"}))
	require.NoError(t, st.UpsertDepartment(ctx, &domain.Department{DepartmentID: "d2", Name: "sales", ManagerUserID: "admin-2"}))
	require.NoError(t, st.UpsertEmployee(ctx, &domain.Employee{EmployeeID: "e1", UserID: "u1", DepartmentID: "d1"}))
	require.NoError(t, st.UpsertEmployee(ctx, &domain.Employee{EmployeeID: "e2", UserID: "u2", DepartmentID: "d1"}))
	require.NoError(t, st.UpsertEmployee(ctx, &domain.Employee{EmployeeID: "e3", UserID: "u3", DepartmentID: "d2"}))
}

func TestAccessibleOwnersSuperuser(t *testing.T) {
	s, _ := newTestScoper(t)
	owners, err := s.AccessibleOwners(context.Background(), domain.Caller{UserID: "root", Role: domain.RoleSuperuser})
	require.NoError(t, err)
	assert.Nil(t, owners)
}

func TestAccessibleOwnersOrgAdmin(t *testing.T) {
	s, st := newTestScoper(t)
	seedOrg(t, st)

	owners, err := s.AccessibleOwners(context.Background(), domain.Caller{UserID: "admin-1", Role: domain.RoleOrgAdmin})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2", "admin-1"}, owners)
	assert.NotContains(t, owners, "u3")
}

func TestAccessibleOwnersMember(t *testing.T) {
	s, _ := newTestScoper(t)
	owners, err := s.AccessibleOwners(context.Background(), domain.Caller{UserID: "u1", Role: domain.RoleMember})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, owners)
}

func TestAccessibleOwnersUnknownRole(t *testing.T) {
	s, _ := newTestScoper(t)
	_, err := s.AccessibleOwners(context.Background(), domain.Caller{UserID: "u1", Role: "intern"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCanAccessTask(t *testing.T) {
	s, st := newTestScoper(t)
	seedOrg(t, st)
	ctx := context.Background()
	task := &domain.Task{TaskID: "t1", OwnerID: "u1", Status: domain.TaskStatusRunning, StartedAt: time.Now()}

	ok, err := s.CanAccessTask(ctx, domain.Caller{UserID: "root", Role: domain.RoleSuperuser}, task)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanAccessTask(ctx, domain.Caller{UserID: "admin-1", Role: domain.RoleOrgAdmin}, task)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanAccessTask(ctx, domain.Caller{UserID: "admin-2", Role: domain.RoleOrgAdmin}, task)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CanAccessTask(ctx, domain.Caller{UserID: "u2", Role: domain.RoleMember}, task)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequireCapability(t *testing.T) {
	s, _ := newTestScoper(t)
	ctx := context.Background()

	assert.NoError(t, s.RequireCapability(ctx, domain.Caller{UserID: "root", Role: domain.RoleSuperuser}, CapDeleteTask))
	assert.NoError(t, s.RequireCapability(ctx, domain.Caller{UserID: "a", Role: domain.RoleOrgAdmin}, CapSetBudget))
	assert.NoError(t, s.RequireCapability(ctx, domain.Caller{UserID: "a", Role: domain.RoleOrgAdmin}, CapUnpauseBudget))

	err := s.RequireCapability(ctx, domain.Caller{UserID: "a", Role: domain.RoleOrgAdmin}, CapDeleteTask)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	err = s.RequireCapability(ctx, domain.Caller{UserID: "u1", Role: domain.RoleMember}, CapSetBudget)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
