package config

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/discovery"
	"github.com/sidkik/peersync/pkg/errors"
)

// discoveryTimeout is how long to look for peers when guessing the default
// peer address.
const discoveryTimeout = 2 * time.Second

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	guessDefaults                 = guessDefaultsImpl
	parseUserConfig               = config.ParseUser
	writeUserConfig               = config.WriteUser
	promptYesOrNo                 = util.PromptYesOrNo
	stat                          = os.Stat
	getWorkingDirectory           = os.Getwd
	browsePeers                   = discovery.Browse
)

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	var force bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the peersync user configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts, force); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.Root, "root", "",
		"Set the directory to sync. "+
			"Optional: If not set, `peersync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Peer, "peer", "",
		"Set the address of the peer. "+
			"Optional: If not set, `peersync config` will interactively prompt.")
	cmd.Flags().IntVar(&cliOpts.Port, "port", 0,
		"Set the port used by both peers. "+
			"Optional: If not set, `peersync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Passphrase, "passphrase", "",
		"Set the passphrase used to encrypt file contents. "+
			"It can also be set with the "+config.PassphraseEnvVar+" environment variable.")
	cmd.Flags().StringVar(&cliOpts.ListInterval, "list-interval", "",
		"Set how often the peer's file listing is requested, such as \"10s\".")
	cmd.Flags().BoolVarP(&force, "yes", "y", false,
		"Overwrite an existing config without asking.")

	// Setup the commands for querying the contents of the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-root",
			short: "Get the currently configured sync directory",
			fn:    func(cfg config.User) string { return cfg.Root },
		},
		{
			use:   "get-peer",
			short: "Get the currently configured peer address",
			fn:    func(cfg config.User) string { return cfg.Peer },
		},
		{
			use:   "get-port",
			short: "Get the port used to connect to peers",
			fn:    func(cfg config.User) string { return strconv.Itoa(cfg.GetPort()) },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig prompts for any settings not in `cliOpts`, and writes the
// result to the user config. Unless `force` is set, the user is asked before
// an existing config is replaced.
func SetupConfig(cliOpts config.User, force bool) error {
	currConfig, currErr := parseUserConfig()
	if currErr != nil {
		log.WithError(currErr).Debug("Failed to read current config")
	}

	cfg, err := generateConfig(cliOpts, currConfig)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	if currErr == nil && !force {
		shouldWrite, err := promptYesOrNo(fmt.Sprintf("Overwrite the existing config at %s?", path))
		if err != nil {
			return errors.WithContext(err, "prompt")
		}
		if !shouldWrite {
			fmt.Fprintln(stdout, "Kept the existing config")
			return nil
		}
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func rootValidationFn(root string) (string, bool) {
	expanded, err := homedir.Expand(root)
	if err != nil {
		return fmt.Sprintf("Failed to expand %q: %s", root, err), false
	}

	info, err := stat(expanded)
	switch {
	case os.IsNotExist(err):
		return fmt.Sprintf("The directory %q doesn't exist. "+
			"Please create it, or pick another directory.", root), false
	case err != nil:
		return fmt.Sprintf("Failed to check %q: %s", root, err), false
	case !info.IsDir():
		return fmt.Sprintf("%q is not a directory. "+
			"Please pick a directory to sync.", root), false
	}
	return "", true
}

func peerValidationFn(peer string) (string, bool) {
	switch {
	case peer == "":
		return "The peer address must not be empty.", false
	case strings.ContainsAny(peer, " \t"):
		return "The peer address must not contain whitespace.", false
	case strings.Contains(peer, "://"):
		return "The peer address should be a hostname or IP address, " +
			"not a URL.", false
	}
	return "", true
}

func portValidationFn(port string) (string, bool) {
	if _, err := parsePort(port); err != nil {
		return "The port must be a number between 1 and 65535.", false
	}
	return "", true
}

func parsePort(port string) (int, error) {
	parsed, err := strconv.Atoi(port)
	if err != nil {
		return 0, err
	}
	if parsed < 1 || parsed > 65535 {
		return 0, errors.New("port out of range")
	}
	return parsed, nil
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// Settings that aren't prompted for, such as the passphrase, are carried over
// from `currConfig` unless they're set in `cliOpts`.
func generateConfig(cliOpts, currConfig config.User) (config.User, error) {
	defaults := guessDefaults()

	cfg := currConfig.WithOverrides(cliOpts)
	var prompts []prompt
	if cliOpts.Root == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory to sync with the peer.\n" +
				"It defaults to the current directory.",
			prompt:        "Sync directory",
			defaultAnswer: defaults.Root,
			currAnswer:    currConfig.Root,
			field:         &cfg.Root,
			validationFn:  rootValidationFn,
		})
	}

	if cliOpts.Peer == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the hostname or IP address of the peer to sync with.\n" +
				"It defaults to the first peer found on the local network.",
			prompt:        "Peer address",
			defaultAnswer: defaults.Peer,
			currAnswer:    currConfig.Peer,
			field:         &cfg.Peer,
			validationFn:  peerValidationFn,
		})
	}

	var port string
	if cliOpts.Port == 0 {
		var currPort string
		if currConfig.Port != 0 {
			currPort = strconv.Itoa(currConfig.Port)
		}
		prompts = append(prompts, prompt{
			helpString: "Enter the port that peers connect on.\n" +
				"Both peers must use the same port.",
			prompt:        "Port",
			defaultAnswer: strconv.Itoa(defaults.GetPort()),
			currAnswer:    currPort,
			field:         &port,
			validationFn:  portValidationFn,
		})
	}

	reader := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		var resp string
		var err error
		for {
			resp, err = promptUser(reader, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.User{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	if port != "" {
		parsed, err := parsePort(port)
		if err != nil {
			return config.User{}, errors.WithContext(err, "parse port")
		}
		cfg.Port = parsed
	}

	if _, err := cfg.GetListInterval(); err != nil {
		return config.User{}, err
	}
	return cfg, nil
}

// guessDefaults tries to guess reasonable defaults for the fields in the user
// config.
func guessDefaultsImpl() (cfg config.User) {
	cfg.Port = config.DefaultPort

	if root, err := getWorkingDirectory(); err == nil {
		cfg.Root = root
	} else {
		log.WithError(err).Info("Failed to get current directory")
	}

	pp := util.NewProgressPrinter(stdout, "Looking for peers on the local network..")
	go pp.Run()
	peer, err := guessPeer()
	pp.StopWithPrint(util.ClearProgress)
	if err == nil {
		cfg.Peer = peer
	} else {
		log.WithError(err).Info("Failed to guess peer")
	}

	return cfg
}

// guessPeer returns the address of the first compatible peer that's announced
// on the local network, or the empty string if there aren't any.
func guessPeer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	peers, err := browsePeers(ctx)
	if err != nil {
		return "", errors.WithContext(err, "browse")
	}

	for _, peer := range peers {
		if peer.Compatible() {
			return peer.Address(), nil
		}
		log.WithField("peer", peer.Instance).Debug("Ignoring incompatible peer")
	}
	return "", nil
}

func promptUser(reader *bufio.Reader, helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Separate the fields with a blank line.
	defer fmt.Fprintln(stdout)

	var options []string
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if len(options) > 0 {
		choice, ok, err := chooseOption(reader, options)
		if err != nil || ok {
			return choice, err
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

// chooseOption asks the user to pick one of `options`. The returned boolean
// is false if the user would rather enter the answer manually.
func chooseOption(reader *bufio.Reader, options []string) (string, bool, error) {
	nChoices := len(options) + 1

	fmt.Fprintln(stdout)
	for i, option := range options {
		if i == 0 {
			option += " (recommended)"
		}
		fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
	}
	fmt.Fprintf(stdout, "\t%d. (Enter manually)\n", nChoices)
	fmt.Fprintln(stdout)

	for {
		fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nChoices)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", false, err
		}

		// An empty response picks the recommended option.
		choice := 1
		if line = strings.TrimSpace(line); line != "" {
			choice, err = strconv.Atoi(line)
			if err != nil || choice < 1 || choice > nChoices {
				continue
			}
		}

		if choice == nChoices {
			return "", false, nil
		}
		return options[choice-1], true, nil
	}
}
