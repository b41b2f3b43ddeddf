package commands

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCredentials(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, PropsFile), `
# defaults
AUTH=file:key
APIHOST=file.example.com
NAMESPACE=team
staging.AUTH=staging:key
staging.APIHOST=staging.example.com
`)

	tests := []struct {
		name     string
		flags    credentialFlags
		env      map[string]string
		wantAuth string
		wantHost string
		wantNS   string
		wantCode int
	}{
		{
			name:     "properties file",
			wantAuth: "file:key", wantHost: "file.example.com", wantNS: "team",
		},
		{
			name:     "environment over file",
			env:      map[string]string{EnvAuth: "env:key"},
			wantAuth: "env:key", wantHost: "file.example.com", wantNS: "team",
		},
		{
			name:     "flags over environment",
			flags:    credentialFlags{auth: "flag:key", apihost: "flag.example.com"},
			env:      map[string]string{EnvAuth: "env:key", EnvAPIHost: "env.example.com"},
			wantAuth: "flag:key", wantHost: "flag.example.com", wantNS: "team",
		},
		{
			name:     "space section over file defaults",
			flags:    credentialFlags{space: "staging"},
			wantAuth: "staging:key", wantHost: "staging.example.com", wantNS: "team",
		},
		{
			name:     "unknown space",
			flags:    credentialFlags{space: "prod"},
			wantCode: ExitMissingSpace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			}
			c, err := resolveCredentials(tt.flags, lookup, home)
			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, ExitCode(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAuth, c.Auth)
			assert.Equal(t, tt.wantHost, c.APIHost)
			assert.Equal(t, tt.wantNS, c.Namespace)
		})
	}
}

func TestResolveCredentials_Missing(t *testing.T) {
	none := func(string) (string, bool) { return "", false }

	_, err := resolveCredentials(credentialFlags{}, none, t.TempDir())
	assert.Equal(t, ExitMissingAPIKey, ExitCode(err), "got %v", err)

	_, err = resolveCredentials(credentialFlags{auth: "a:b"}, none, t.TempDir())
	assert.Equal(t, ExitMissingPlatformTokens, ExitCode(err), "got %v", err)

	_, err = resolveCredentials(credentialFlags{propsFile: filepath.Join(t.TempDir(), "nope.props")}, none, t.TempDir())
	require.Error(t, err, "an explicit props file must exist")
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	inner := errors.New("boom")
	wrapped := &ExitError{Code: ExitMissingManifest, Err: inner}

	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(inner))
	assert.Equal(t, ExitMissingManifest, ExitCode(wrapped))
	assert.ErrorIs(t, wrapped, inner)
}
