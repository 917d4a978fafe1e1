// Package config assembles the plain configuration record the supervisor
// needs from CLI flags and the environment. Per the design note on
// global-style configuration, there is exactly one record, built once at
// startup and passed explicitly to every downstream component; nothing
// here is read again later.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/picoCTF/cmgr-artifact-server/pkg/backend"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
)

// BackendSelfHosted and BackendS3 are the two recognized --backend values.
// Comparison against these is always done against the lower-cased flag
// value.
const (
	BackendSelfHosted = "selfhosted"
	BackendS3         = "s3"
)

// DefaultEnvFile is the dotenv file loaded (if present) before flags are
// parsed.
const DefaultEnvFile = ".env"

// artifactDirEnvVar names the ArtifactDir, overriding the current working
// directory when set.
const artifactDirEnvVar = "CMGR_ARTIFACT_DIR"

// cacheDirName is the fixed subdirectory of ArtifactDir used as CacheDir.
const cacheDirName = ".artifact_server_cache"

// Config is the fully resolved, immutable configuration for one run.
type Config struct {
	// Backend is one of BackendSelfHosted or BackendS3.
	Backend string
	// BackendOptions holds the parsed --backend-option KEY=VALUE pairs,
	// handed directly to the selected backend's Factory.
	BackendOptions backend.Options
	// LogLevel is the resolved logging level for the run.
	LogLevel logging.Level
	// Salt is the optional BuildId salt. Empty means raw (unsalted) ids.
	Salt string
	// ArtifactDir is the directory watched and mirrored.
	ArtifactDir string
	// CacheDir is "<ArtifactDir>/.artifact_server_cache", created if
	// missing.
	CacheDir string
}

// rawFlags holds the unvalidated flag values before they are resolved
// into a Config.
type rawFlags struct {
	backend        string
	logLevel       string
	backendOptions []string
	salt           string
}

// Parse parses args (typically os.Args[1:]) and the process environment
// into a Config. It loads DefaultEnvFile into the process environment
// first; a missing file is not an error.
func Parse(args []string) (*Config, error) {
	if err := loadDotenv(DefaultEnvFile); err != nil {
		return nil, cmgrerrors.NewConfigError(err)
	}

	flags := pflag.NewFlagSet("cmgr-artifact-server", pflag.ContinueOnError)
	flags.SortFlags = false

	var raw rawFlags
	flags.StringVarP(&raw.backend, "backend", "b", "", "serving backend: selfhosted or s3")
	flags.StringVarP(&raw.logLevel, "log-level", "l", "info", "log level: error, warn, info, debug, trace")
	flags.StringArrayVarP(&raw.backendOptions, "backend-option", "o", nil, "backend-specific KEY=VALUE option (repeatable)")
	flags.StringVarP(&raw.salt, "salt", "s", "", "salt for BuildId derivation")

	if err := flags.Parse(args); err != nil {
		return nil, cmgrerrors.NewConfigError(err)
	}

	return Resolve(raw.backend, raw.logLevel, raw.salt, raw.backendOptions)
}

// Resolve validates already-parsed flag values and fills in environment-
// and filesystem-derived defaults. It is exported separately from Parse so
// that a caller which owns its own flag-parsing (for example a cobra
// command binding these same four flags) can skip constructing a second
// pflag.FlagSet. It loads DefaultEnvFile into the process environment before
// reading it; a missing file is not an error.
func Resolve(backendFlag, logLevelFlag, saltFlag string, backendOptionsFlag []string) (*Config, error) {
	if err := loadDotenv(DefaultEnvFile); err != nil {
		return nil, cmgrerrors.NewConfigError(err)
	}
	return resolve(&rawFlags{
		backend:        backendFlag,
		logLevel:       logLevelFlag,
		salt:           saltFlag,
		backendOptions: backendOptionsFlag,
	})
}

// loadDotenv loads path into the process environment if it exists,
// leaving any already-set variables untouched (godotenv.Load's default
// behavior).
func loadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to load environment file (%s)", path)
	}
	return nil
}

// resolve validates raw and fills in environment- and filesystem-derived
// defaults.
func resolve(raw *rawFlags) (*Config, error) {
	backendName := strings.ToLower(strings.TrimSpace(raw.backend))
	switch backendName {
	case BackendSelfHosted, BackendS3:
	case "":
		return nil, cmgrerrors.NewConfigError(errors.New("--backend is required (selfhosted or s3)"))
	default:
		return nil, cmgrerrors.NewConfigError(errors.Errorf("unrecognized --backend value %q (want selfhosted or s3)", raw.backend))
	}

	level, ok := logging.NameToLevel(strings.ToLower(strings.TrimSpace(raw.logLevel)))
	if !ok {
		return nil, cmgrerrors.NewConfigError(errors.Errorf("unrecognized --log-level value %q", raw.logLevel))
	}

	options, err := parseBackendOptions(raw.backendOptions)
	if err != nil {
		return nil, err
	}

	artifactDir := os.Getenv(artifactDirEnvVar)
	if artifactDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, cmgrerrors.NewConfigError(errors.Wrap(err, "unable to determine working directory"))
		}
		artifactDir = cwd
	}

	cacheDir := filepath.Join(artifactDir, cacheDirName)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, cmgrerrors.NewConfigError(errors.Wrapf(err, "unable to create cache directory (%s)", cacheDir))
	}

	return &Config{
		Backend:        backendName,
		BackendOptions: options,
		LogLevel:       level,
		Salt:           raw.salt,
		ArtifactDir:    artifactDir,
		CacheDir:       cacheDir,
	}, nil
}

// parseBackendOptions splits each "KEY=VALUE" entry on its first "=".
// Entries without an "=" are malformed and return a fatal ConfigError.
func parseBackendOptions(raw []string) (backend.Options, error) {
	options := make(backend.Options, len(raw))
	for _, entry := range raw {
		index := strings.IndexByte(entry, '=')
		if index < 0 {
			return nil, cmgrerrors.NewConfigError(errors.Errorf("malformed --backend-option %q (want KEY=VALUE)", entry))
		}
		key := entry[:index]
		if key == "" {
			return nil, cmgrerrors.NewConfigError(errors.Errorf("malformed --backend-option %q (empty key)", entry))
		}
		options[key] = entry[index+1:]
	}
	return options, nil
}
