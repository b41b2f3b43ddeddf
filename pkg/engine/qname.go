package engine

import (
	"fmt"
	"strings"
)

// MakeQName builds a fully qualified name /{namespace}/{package?}/{name}.
func MakeQName(namespace, pkg, name string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if pkg == "" {
		return "/" + namespace + "/" + name
	}
	return "/" + namespace + "/" + pkg + "/" + name
}

// ParseQName splits a fully qualified name into its parts.
func ParseQName(qname string) (namespace, pkg, name string, err error) {
	if !strings.HasPrefix(qname, "/") {
		return "", "", "", fmt.Errorf("qualified name %q must start with '/'", qname)
	}
	parts := strings.Split(qname[1:], "/")
	for _, p := range parts {
		if p == "" {
			return "", "", "", fmt.Errorf("qualified name %q has an empty segment", qname)
		}
	}
	switch len(parts) {
	case 2:
		return parts[0], "", parts[1], nil
	case 3:
		return parts[0], parts[1], parts[2], nil
	default:
		return "", "", "", fmt.Errorf("qualified name %q must have 2 or 3 segments", qname)
	}
}

// Qualify resolves a possibly relative action reference against the
// namespace and package of the referring action. Absolute names are kept,
// "ns/pkg/name" is absolute without the leading slash, "pkg/name" is taken
// relative to the namespace and a bare "name" lives in the referring package.
func Qualify(ref, namespace, pkg string) (string, error) {
	if strings.HasPrefix(ref, "/") {
		if _, _, _, err := ParseQName(ref); err != nil {
			return "", err
		}
		return ref, nil
	}
	parts := strings.Split(ref, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return MakeQName(namespace, pkg, parts[0]), nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return MakeQName(namespace, parts[0], parts[1]), nil
	case len(parts) == 3:
		return Qualify("/"+ref, namespace, pkg)
	default:
		return "", fmt.Errorf("invalid action reference %q", ref)
	}
}

// LocalKey returns the namespace-relative key of qname when it lives in
// namespace, or false otherwise.
func LocalKey(qname, namespace string) (string, bool) {
	ns, pkg, name, err := ParseQName(qname)
	if err != nil || ns != namespace {
		return "", false
	}
	return JoinKey(pkg, name), true
}

// JoinKey builds a namespace-relative key.
func JoinKey(pkg, name string) string {
	if pkg == "" {
		return name
	}
	return pkg + "/" + name
}

// SplitKey splits a namespace-relative key into package and name.
func SplitKey(key string) (pkg, name string) {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}
