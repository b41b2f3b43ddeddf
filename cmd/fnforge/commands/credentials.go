package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/fnforge/pkg/client"
	"github.com/openfroyo/fnforge/pkg/plugins"
)

// PropsFile is the properties file looked up in the home directory.
const PropsFile = ".fnforge.props"

// Environment variables consulted after the flags.
const (
	EnvAuth      = "FNFORGE_AUTH"
	EnvAPIHost   = "FNFORGE_APIHOST"
	EnvNamespace = "FNFORGE_NAMESPACE"
)

type credentialFlags struct {
	apihost   string
	auth      string
	namespace string
	space     string
	propsFile string
}

// resolveCredentials resolves each value from the flags, then the
// environment, then the space section of the properties file (keys
// prefixed "<space>."), then its top-level keys.
func resolveCredentials(flags credentialFlags, lookup func(string) (string, bool), home string) (client.Credentials, error) {
	path := flags.propsFile
	if path == "" {
		path = filepath.Join(home, PropsFile)
	}
	props, err := readProps(path, flags.propsFile != "")
	if err != nil {
		return client.Credentials{}, err
	}

	prefix := ""
	if flags.space != "" {
		prefix = flags.space + "."
		if !hasPrefix(props, prefix) {
			return client.Credentials{}, exitErrorf(ExitMissingSpace, "space %q is not defined in %s", flags.space, path)
		}
	}

	pick := func(flag, env, key string) string {
		if flag != "" {
			return flag
		}
		if v, ok := lookup(env); ok && v != "" {
			return v
		}
		if prefix != "" {
			if v := props[prefix+key]; v != "" {
				return v
			}
		}
		return props[key]
	}

	c := client.Credentials{
		Auth:      pick(flags.auth, EnvAuth, "AUTH"),
		APIHost:   pick(flags.apihost, EnvAPIHost, "APIHOST"),
		Namespace: pick(flags.namespace, EnvNamespace, "NAMESPACE"),
	}
	if c.Auth == "" {
		return c, exitErrorf(ExitMissingAPIKey, "no API key: use --auth, %s or AUTH in %s", EnvAuth, path)
	}
	if c.APIHost == "" {
		return c, exitErrorf(ExitMissingPlatformTokens, "no API host: use --apihost, %s or APIHOST in %s", EnvAPIHost, path)
	}
	return c, nil
}

// readProps reads a properties file. A missing file is empty unless it was
// named explicitly.
func readProps(path string, explicit bool) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read properties file: %w", err)
	}
	props, err := plugins.ParseProperties(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return props, nil
}

func hasPrefix(props map[string]string, prefix string) bool {
	for k := range props {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
