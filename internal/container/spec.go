package container

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// Mount describes a single bind mount in a derived container spec.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// PortMapping describes a single TCP port mapping; HostPort 0 means "assign
// randomly", resolved later by DiscoverAssignedPort.
type PortMapping struct {
	ContainerPort int
	HostPort      int
	Protocol      string
}

// Spec is the conceptual container spec emitted to the runtime (spec.md §6
// "Container spec emitted").
type Spec struct {
	Name    string
	Image   string
	Command string
	Args    []string
	Env     map[string]string
	Mounts  []Mount
	Ports   []PortMapping

	StdinOpen bool
	Remove    bool
}

// dockerFlagsToSkip are the flags the docker-command parser recognizes and
// discards without semantic effect on the derived spec (spec.md §4.2 step 1).
var dockerFlagsToSkip = map[string]bool{
	"--rm": true, "-i": true, "-t": true, "-it": true,
	"--tty": true, "--interactive": true,
}

// ParseDockerCommand implements the docker-command parser (spec.md §4.2
// step 1, §8 round-trip law, S5). Given a docker/podman CLI invocation's
// argument list (the leading "run" token optional), it returns the image,
// an optional entrypoint command override, the remaining args, and any
// environment variables declared via "-e KEY[=VAL]".
//
// Total on well-formed input: given ["run", ...flags..., IMAGE, ...rest...],
// image = IMAGE; env contains every "-e KEY[=VAL]" pair; args = rest
// (excluding its first element, which becomes command).
func ParseDockerCommand(args []string) (image, command string, rest []string, env map[string]string, err error) {
	env = make(map[string]string)

	i := 0
	if i < len(args) && args[i] == "run" {
		i++
	}

	for i < len(args) {
		arg := args[i]

		if arg == "-e" {
			i++
			if i >= len(args) {
				return "", "", nil, nil, fmt.Errorf("docker command: -e without a following KEY[=VAL]")
			}
			kv := args[i]
			if eq := strings.IndexByte(kv, '='); eq >= 0 {
				env[kv[:eq]] = kv[eq+1:]
			} else {
				env[kv] = ""
			}
			i++
			continue
		}

		if dockerFlagsToSkip[arg] {
			i++
			continue
		}

		// First non-flag token is the image.
		image = arg
		i++
		break
	}

	if image == "" {
		return "", "", nil, nil, fmt.Errorf("docker command: no image token found")
	}

	remainder := args[i:]
	if len(remainder) > 0 {
		command = remainder[0]
		rest = append([]string{}, remainder[1:]...)
	} else {
		rest = []string{}
	}

	return image, command, rest, env, nil
}

var userConfigPlaceholder = regexp.MustCompile(`\$\{user_config\.([A-Za-z0-9_]+)\}`)

// SubstituteTemplate replaces every ${user_config.KEY} occurrence in s with
// the stringified user-config value for KEY; list values are joined with
// commas (spec.md §4.2 step 2). A reference to an unknown key is replaced
// with the empty string.
func SubstituteTemplate(s string, userConfig map[string]any) string {
	return userConfigPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		sub := userConfigPlaceholder.FindStringSubmatch(match)
		key := sub[1]
		return stringifyUserConfigValue(userConfig[key])
	})
}

func stringifyUserConfigValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

// allowedDirectoriesPlaceholder is the exact standalone-arg form that
// triggers per-directory expansion instead of comma-joining (spec.md §4.2
// step 2, "allowed_directories ... expanded into multiple args").
const allowedDirectoriesPlaceholder = "${user_config.allowed_directories}"

// ExpandArgs applies template substitution to each arg, with the special
// case that an arg exactly equal to allowedDirectoriesPlaceholder is
// replaced by one arg per configured allowed directory, mapped to its
// in-container mount path.
func ExpandArgs(args []string, userConfig map[string]any, mountRoot string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == allowedDirectoriesPlaceholder {
			for _, dir := range AllowedDirectories(userConfig) {
				out = append(out, containerMountPath(mountRoot, dir))
			}
			continue
		}
		out = append(out, SubstituteTemplate(arg, userConfig))
	}
	return out
}

// AllowedDirectories reads the "allowed_directories" user-config value as a
// list of host paths, tolerating both []string and []any (JSON-decoded)
// representations.
func AllowedDirectories(userConfig map[string]any) []string {
	raw, ok := userConfig["allowed_directories"]
	if !ok {
		return nil
	}
	switch val := raw.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// ReadOnlyRequested reports whether user-config's "read_only" value is
// truthy.
func ReadOnlyRequested(userConfig map[string]any) bool {
	raw, ok := userConfig["read_only"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}

var basenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeBasename replaces every character other than alphanumerics, dot,
// dash and underscore in the final path element with an underscore
// (spec.md §4.2 step 3).
func sanitizeBasename(path string) string {
	base := filepath.Base(path)
	return basenameSanitizer.ReplaceAllString(base, "_")
}

func containerMountPath(mountRoot, hostPath string) string {
	return filepath.Join(mountRoot, sanitizeBasename(hostPath))
}

// DeriveContainerName maps an MCP display name to its container name:
// lowercase, whitespace runs replaced with hyphens, prefixed with
// "<product>-mcp-"; no suffix is appended. Total and collision-free as long
// as no two installed MCPs
// share a case-insensitive display name (spec.md "Identity & ownership").
func DeriveContainerName(productName, displayName string) string {
	slug := strings.Join(strings.Fields(strings.ToLower(displayName)), "-")
	return fmt.Sprintf("%s-mcp-%s", productName, slug)
}

// BuildOpts carries everything BuildSpec needs beyond the InstalledMCP
// record itself.
type BuildOpts struct {
	ProductName    string
	MountRoot      string
	DefaultImage   string
	ContainerName  string
	AccessToken    string // current OAuth access token, if configured; "" otherwise
	TempDir        string // per-container scratch dir for file injections
}

// BuildSpec derives the full container Spec for an InstalledMCP, implementing
// spec.md §4.2's "Container spec derivation" steps 1-5.
func BuildSpec(mcp model.InstalledMCP, opts BuildOpts) (Spec, error) {
	spec := Spec{
		Name:      opts.ContainerName,
		Env:       map[string]string{},
		StdinOpen: true,
		Remove:    false,
	}

	cmd := mcp.ServerConfig.Command
	args := mcp.ServerConfig.Args

	if cmd == "docker" || cmd == "podman" {
		image, entrypointCmd, entrypointArgs, env, err := ParseDockerCommand(args)
		if err != nil {
			return Spec{}, fmt.Errorf("parse docker-style command: %w", err)
		}
		spec.Image = image
		spec.Command = entrypointCmd
		spec.Args = entrypointArgs
		for k, v := range env {
			spec.Env[k] = v
		}
	} else {
		spec.Image = opts.DefaultImage
		spec.Command = cmd
		spec.Args = append([]string{}, args...)
	}

	spec.Command = SubstituteTemplate(spec.Command, mcp.UserConfig)
	spec.Args = ExpandArgs(spec.Args, mcp.UserConfig, opts.MountRoot)

	for k, v := range mcp.ServerConfig.Env {
		spec.Env[k] = SubstituteTemplate(v, mcp.UserConfig)
	}

	mounts, err := buildMounts(mcp, opts)
	if err != nil {
		return Spec{}, err
	}
	spec.Mounts = mounts

	if mcp.OAuthConfig != nil && mcp.OAuthConfig.StreamableHTTPPort > 0 {
		spec.Ports = append(spec.Ports, PortMapping{
			ContainerPort: mcp.OAuthConfig.StreamableHTTPPort,
			HostPort:      0,
			Protocol:      "tcp",
		})
	}

	return spec, nil
}

func buildMounts(mcp model.InstalledMCP, opts BuildOpts) ([]Mount, error) {
	var mounts []Mount

	for containerPath, content := range mcp.ServerConfig.FileInjections {
		content = strings.ReplaceAll(content, "${access_token}", opts.AccessToken)

		hostPath := filepath.Join(opts.TempDir, sanitizeBasename(containerPath)+"-"+shortHash(containerPath))
		if err := os.MkdirAll(opts.TempDir, 0o700); err != nil {
			return nil, fmt.Errorf("create temp dir for file injection: %w", err)
		}
		if err := os.WriteFile(hostPath, []byte(content), 0o600); err != nil {
			return nil, fmt.Errorf("write file injection %s: %w", containerPath, err)
		}

		dest := containerPath
		if !filepath.IsAbs(dest) {
			dest = filepath.Join("/tmp", filepath.Base(dest))
		}
		mounts = append(mounts, Mount{Source: hostPath, Destination: dest, ReadOnly: true})
	}

	readOnly := ReadOnlyRequested(mcp.UserConfig)
	for _, dir := range AllowedDirectories(mcp.UserConfig) {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("allowed directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("allowed directory %s is not a directory", dir)
		}
		mounts = append(mounts, Mount{
			Source:      dir,
			Destination: containerMountPath(opts.MountRoot, dir),
			ReadOnly:    readOnly,
		})
	}

	return mounts, nil
}

// shortHash produces a short, filesystem-safe, deterministic suffix so two
// file injections with the same basename don't collide on disk.
func shortHash(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}
