package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

// fs is overridden by afero.NewMemMapFs() in the tests.
var fs = afero.NewOsFs()

// parseErrTemplate is shown when the config can't be decoded. The yaml
// library's errors don't say where in the file the problem is, so the best
// we can do is point at the file and pass the error through.
const parseErrTemplate = "The peersync config at %q could not be parsed.\n" +
	"Check that each field has the right type, and that there are no " +
	"unknown fields.\n\n" +
	"The parser reported:\n" +
	"%s"

type versioned interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The config file %q was written for a different "+
		"version of peersync.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

// parseConfig decodes the yaml file at `path` into `config`. The version is
// checked before unknown fields, so that a config from a newer release
// reports the version mismatch rather than the fields it added.
func parseConfig(path string, config versioned, expVersion string) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return errors.NewFriendlyError(parseErrTemplate, path, err)
	}

	if config.getVersion() != expVersion {
		return incompatibleVersionError{path, expVersion, config.getVersion()}
	}

	err = yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields)
	if err != nil {
		return errors.NewFriendlyError(parseErrTemplate, path, err)
	}
	return nil
}
