// Package config persists named connection profiles so operators can say
// "remotely agent --profile prod" instead of repeating host, port, and TLS
// flags on every invocation.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	kdl "github.com/sblinch/kdl-go"
)

// ProfilesFileName is the name of the profiles file inside the config dir.
const ProfilesFileName = "profiles.kdl"

// Profile holds everything needed to reach one controller.
type Profile struct {
	Host string `kdl:"host"`
	Port int    `kdl:"port"`

	// TLS enables encryption. Insecure additionally skips certificate
	// verification; CAFile pins a PEM trust root instead.
	TLS      bool   `kdl:"tls"`
	Insecure bool   `kdl:"insecure"`
	CAFile   string `kdl:"ca-file"`

	Token   string `kdl:"token"`
	AgentID string `kdl:"agent-id"`

	// ReconnectInterval is a duration string ("5s"); zero values defer to
	// the agent's defaults.
	ReconnectInterval string `kdl:"reconnect-interval"`
	MaxReconnects     int    `kdl:"max-reconnects"`
}

// Address renders the host:port dial target.
func (p *Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// File is the on-disk profile collection.
type File struct {
	Profiles map[string]*Profile `kdl:"profiles"`
}

// DefaultPath returns the profiles file location under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "remotely", ProfilesFileName), nil
}

// Load reads the profiles file. A missing file is not an error; it yields an
// empty collection so first use needs no setup step.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{Profiles: make(map[string]*Profile)}, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	f := &File{}
	if err := kdl.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]*Profile)
	}
	return f, nil
}

// Save writes the collection back, creating the directory as needed. The
// file is written with owner-only permissions since profiles carry tokens.
func Save(path string, f *File) error {
	data, err := kdl.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	return nil
}

// Get looks a profile up by name.
func (f *File) Get(name string) (*Profile, bool) {
	p, ok := f.Profiles[name]
	return p, ok
}

// Set inserts or replaces a profile.
func (f *File) Set(name string, p *Profile) {
	f.Profiles[name] = p
}

// Delete removes a profile, reporting whether it existed.
func (f *File) Delete(name string) bool {
	_, ok := f.Profiles[name]
	delete(f.Profiles, name)
	return ok
}

// Names lists profile names in stable order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

