package registry_test

import (
	"testing"

	"github.com/prismdns/prism/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHostname(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    registry.Hostname
		wantErr bool
	}{{
		name:    "simple",
		in:      "h1",
		want:    "h1",
		wantErr: false,
	}, {
		name:    "case_folded",
		in:      "MyLaptop.Example.ORG",
		want:    "mylaptop.example.org",
		wantErr: false,
	}, {
		name:    "hyphens",
		in:      "web-01.home",
		want:    "web-01.home",
		wantErr: false,
	}, {
		name:    "empty",
		in:      "",
		want:    "",
		wantErr: true,
	}, {
		name:    "leading_hyphen",
		in:      "-bad..name",
		want:    "",
		wantErr: true,
	}, {
		name:    "empty_label",
		in:      "a..b",
		want:    "",
		wantErr: true,
	}, {
		name:    "bad_rune",
		in:      "host_name!",
		want:    "",
		wantErr: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := registry.NewHostname(tc.in)
			if tc.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, h)
		})
	}
}
