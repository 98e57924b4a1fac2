package roles

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetOperations(t *testing.T) {
	s := NewSet(Admin, LandRegistrar, Role("Ghost"))
	require.True(t, s.Has(Admin))
	require.True(t, s.Has(LandRegistrar))
	require.False(t, s.Has(User))
	require.False(t, s.Has(Role("Ghost")))
	require.Equal(t, 2, s.Len())
	require.Equal(t, []Role{Admin, LandRegistrar}, s.Roles())
	require.Equal(t, "{Admin,LandRegistrar}", s.String())

	withUser := s.With(User)
	require.True(t, withUser.Has(User))
	require.False(t, s.Has(User), "With must not mutate the receiver")
	require.False(t, withUser.Without(Admin).Has(Admin))

	require.True(t, s.Intersects(NewSet(Admin)))
	require.False(t, s.Intersects(NewSet(Auditor, User)))
	require.False(t, Set(0).Intersects(s))
	require.True(t, Set(0).Empty())
}

func TestParse(t *testing.T) {
	r, err := Parse(" landregistrar ")
	require.NoError(t, err)
	require.Equal(t, LandRegistrar, r)

	_, err = Parse("superuser")
	require.ErrorIs(t, err, ErrUnknownRole)

	for _, r := range All() {
		require.True(t, r.Valid())
	}
	require.False(t, Role("").Valid())
}

func TestSetJSON(t *testing.T) {
	data, err := json.Marshal(NewSet(User, Auditor))
	require.NoError(t, err)
	require.JSONEq(t, `["Auditor","User"]`, string(data))

	var decoded Set
	require.NoError(t, json.Unmarshal([]byte(`["Admin","user"]`), &decoded))
	require.Equal(t, NewSet(Admin, User), decoded)

	require.ErrorIs(t, json.Unmarshal([]byte(`["Root"]`), &decoded), ErrUnknownRole)
}

func TestPermissionTable(t *testing.T) {
	require.True(t, NewSet(Owner).Grants(ManageRegistry))
	require.False(t, NewSet(Admin).Grants(SystemAdmin))
	require.True(t, NewSet(Admin).Grants(AssignRoles))
	require.True(t, NewSet(LandRegistrar).Grants(ApproveLandParcel))
	require.False(t, NewSet(LandRegistrar).Grants(AssignRoles))
	require.True(t, NewSet(Auditor).Grants(ViewAuditLogs))
	require.False(t, NewSet(Auditor).Grants(UpdateLandParcel))
	require.ElementsMatch(t, []Permission{ViewLandParcel, TransferLandParcel}, PermissionsFor(User))
	require.False(t, Set(0).Grants(ViewLandParcel))
}
