package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the peersync user config.
	UserConfigPath = "~/.peersync.yaml"

	// InitialUserConfigVersion is the first version of the peersync
	// user config. Config files that do not specify a version
	// will default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the
	// peersync user config of the current binary.
	SupportedUserConfigVersion = "v1alpha1"

	// DefaultPort is the port used to connect to peers when neither the
	// config nor the command line sets one.
	DefaultPort = 47474

	// PassphraseEnvVar overrides the passphrase in the config file.
	PassphraseEnvVar = "PEERSYNC_PASSPHRASE"
)

// User contains the user's sync settings.
type User struct {
	Version string `json:"version,omitempty"`

	// Root is the directory that's synced with the peer.
	Root string `json:"root,omitempty"`

	// Port is the port that peers connect on. Both peers must use the
	// same port.
	Port int `json:"port,omitempty"`

	// Peer is the hostname or IP address of the default peer.
	Peer string `json:"peer,omitempty"`

	// Passphrase is used to encrypt file contents. Both peers must use the
	// same passphrase.
	Passphrase string `json:"passphrase,omitempty"`

	// ListInterval is how often the peer's file listing is requested, as a
	// Go duration string such as "10s".
	ListInterval string `json:"listInterval,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// GetListInterval returns the parsed ListInterval, or zero if it's unset.
func (u User) GetListInterval() (time.Duration, error) {
	if u.ListInterval == "" {
		return 0, nil
	}

	interval, err := time.ParseDuration(u.ListInterval)
	if err != nil {
		return 0, errors.NewFriendlyError(
			"Invalid listInterval %q in the peersync config. "+
				"Use a duration such as \"10s\" or \"1m\".", u.ListInterval)
	}

	if interval <= 0 {
		return 0, errors.NewFriendlyError(
			"The listInterval in the peersync config must be positive, but got %q.",
			u.ListInterval)
	}
	return interval, nil
}

// GetPassphrase returns the passphrase from the environment if it's set, and
// from the config file otherwise.
func (u User) GetPassphrase() string {
	if passphrase := getenv(PassphraseEnvVar); passphrase != "" {
		return passphrase
	}
	return u.Passphrase
}

// GetPort returns the configured port, or DefaultPort.
func (u User) GetPort() int {
	if u.Port == 0 {
		return DefaultPort
	}
	return u.Port
}

// Variables overridden in mock tests.
var (
	homedirExpand = homedir.Expand
	getenv        = os.Getenv
)

// ParseUser attempts to parse the User stored in the default path.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{}, errors.NewFriendlyError("The peersync user config "+
				"file doesn't exist at %q. Please run `peersync config` in the "+
				"directory you want to sync to create the user config file.", path)
		}
		return User{}, errors.WithContext(err, "parse")
	}

	config.Root, err = homedir.Expand(config.Root)
	if err != nil {
		return User{}, errors.WithContext(err, "expand root path")
	}

	// Evaluate relative paths relative to the config path.
	if config.Root != "" && !filepath.IsAbs(config.Root) {
		config.Root = filepath.Join(filepath.Dir(path), config.Root)
	}
	return config, nil
}

// ParseUserOrDefault is like ParseUser, except that a missing config file
// isn't an error. The zero config is returned instead, so that everything
// can be set from the command line.
func ParseUserOrDefault() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	if _, err := fs.Stat(path); os.IsNotExist(err) {
		return User{Version: SupportedUserConfigVersion}, nil
	}
	return ParseUser()
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	// The config may contain the passphrase, so keep it private.
	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the path to the user's peersync configuration.
// This path is expanded, so it can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}

// WithOverrides returns a copy of `u` in which every field that's set in
// `overrides` replaces the corresponding field in `u`.
func (u User) WithOverrides(overrides User) User {
	if overrides.Root != "" {
		u.Root = overrides.Root
	}
	if overrides.Port != 0 {
		u.Port = overrides.Port
	}
	if overrides.Peer != "" {
		u.Peer = overrides.Peer
	}
	if overrides.Passphrase != "" {
		u.Passphrase = overrides.Passphrase
	}
	if overrides.ListInterval != "" {
		u.ListInterval = overrides.ListInterval
	}
	return u
}
