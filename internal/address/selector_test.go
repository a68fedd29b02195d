package address

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

type staticResolver []model.ReplicaAddress

func (s staticResolver) Resolve(ctx context.Context, req *model.Request, forceRefresh bool) ([]model.ReplicaAddress, error) {
	return s, nil
}

func addr(uri string, primary, public bool) model.ReplicaAddress {
	return model.ReplicaAddress{PhysicalURI: uri, Protocol: model.ProtocolTCP, IsPrimary: primary, IsPublic: public}
}

func TestUsableAddressesPrefersInternal(t *testing.T) {
	addrs := []model.ReplicaAddress{
		addr("rntbd://pub1:1/", true, true),
		addr("rntbd://int1:1/", false, false),
		addr("https://int2:1/", false, false),
		addr("", false, false),
		addr("rntbd://int3:1/", true, false),
	}

	got := UsableAddresses(addrs, model.ProtocolTCP)
	assert.Equal(t, []string{"rntbd://int1:1/", "rntbd://int3:1/"}, model.PhysicalURIs(got))

	got = UsableAddresses(addrs[:1], model.ProtocolTCP)
	assert.Equal(t, []string{"rntbd://pub1:1/"}, model.PhysicalURIs(got))
}

func TestResolveAllExcludesPrimary(t *testing.T) {
	s := NewSelector(staticResolver{
		addr("rntbd://a:1/", true, true),
		addr("rntbd://b:1/", false, true),
		addr("rntbd://c:1/", false, true),
	}, model.ProtocolTCP)
	req := docRead("")

	all, err := s.ResolveAll(context.Background(), req, true, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	secondaries, err := s.ResolveAll(context.Background(), req, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"rntbd://b:1/", "rntbd://c:1/"}, model.PhysicalURIs(secondaries))
}

func TestPrimaryAddress(t *testing.T) {
	tests := []struct {
		name    string
		addrs   []model.ReplicaAddress
		index   *int
		want    string
		wantErr bool
	}{
		{
			name:  "single primary",
			addrs: []model.ReplicaAddress{addr("rntbd://a:1/", false, true), addr("rntbd://b:1/", true, true)},
			want:  "rntbd://b:1/",
		},
		{
			name:    "no primary",
			addrs:   []model.ReplicaAddress{addr("rntbd://a:1/", false, true)},
			wantErr: true,
		},
		{
			name:    "two primaries",
			addrs:   []model.ReplicaAddress{addr("rntbd://a:1/", true, true), addr("rntbd://b:1/", true, true)},
			wantErr: true,
		},
		{
			name:    "malformed primary uri",
			addrs:   []model.ReplicaAddress{addr("rntbd://[a:1/", true, true)},
			wantErr: true,
		},
		{
			name:  "default replica index",
			addrs: []model.ReplicaAddress{addr("rntbd://a:1/", true, true), addr("rntbd://b:1/", false, true)},
			index: intPtr(1),
			want:  "rntbd://b:1/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := docRead("")
			req.DefaultReplicaIndex = tt.index
			got, err := PrimaryAddress(req, tt.addrs)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dcerrors.IsGone(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.PhysicalURI)
		})
	}
}

func intPtr(i int) *int { return &i }
