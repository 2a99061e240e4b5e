// Package config resolves API credentials for the Cb Defense platform.
//
// Credentials come from profile sections in credentials files, then from
// CBAPI_* environment variables, then from command-line flags. Each later
// source overrides the earlier ones field by field.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cbdlrerrors "cbdlr/internal/errors"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvURL       = "CBAPI_URL"
	EnvToken     = "CBAPI_TOKEN"
	EnvSSLVerify = "CBAPI_SSL_VERIFY"
	EnvProfile   = "CBAPI_PROFILE"
)

// DefaultProfile is the profile used when none is selected.
const DefaultProfile = "default"

// Credentials holds the connection settings for one profile.
type Credentials struct {
	Profile           string `yaml:"-"`
	URL               string `yaml:"url"`
	Token             string `yaml:"token"`
	SSLVerify         bool   `yaml:"ssl_verify"`
	IgnoreSystemProxy bool   `yaml:"ignore_system_proxy"`
	Proxy             string `yaml:"proxy"`
}

// APIKey returns the secret half of an APIKEY/CONNECTORID token.
func (c *Credentials) APIKey() string {
	key, _, _ := strings.Cut(c.Token, "/")
	return key
}

// ConnectorID returns the connector half of an APIKEY/CONNECTORID token.
func (c *Credentials) ConnectorID() string {
	_, id, _ := strings.Cut(c.Token, "/")
	return id
}

// Validate checks the credentials are usable.
func (c *Credentials) Validate() error {
	if c.URL == "" {
		return cbdlrerrors.NewConfigValidationError("url", c.URL, "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cbdlrerrors.NewConfigValidationError("url", c.URL, "must be an http(s) URL")
	}
	if c.Token == "" {
		return cbdlrerrors.NewConfigValidationError("token", "", "token is required")
	}
	if c.APIKey() == "" || c.ConnectorID() == "" || strings.Count(c.Token, "/") != 1 {
		return cbdlrerrors.NewConfigValidationError("token", "<redacted>", "must be APIKEY/CONNECTORID")
	}
	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return cbdlrerrors.NewConfigValidationError("proxy", c.Proxy, "must be a URL")
		}
	}
	return nil
}

// Overrides carries values supplied on the command line. Nil fields are unset.
type Overrides struct {
	URL       *string
	Token     *string
	SSLVerify *bool
}

// LoadOptions controls credential resolution.
type LoadOptions struct {
	// Profile selects the file section; empty means CBAPI_PROFILE or "default".
	Profile string
	// Files replaces the default search path when non-nil.
	Files []string
	// Env looks up environment variables; nil means os.LookupEnv.
	Env func(string) (string, bool)
	// Overrides are applied last.
	Overrides Overrides
}

// DefaultSearchPath returns the credentials files in increasing precedence.
func DefaultSearchPath() []string {
	paths := []string{filepath.Join("/etc", "carbonblack", "credentials.defense")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".carbonblack", "credentials.defense"))
	}
	paths = append(paths, filepath.Join(".carbonblack", "credentials.defense"))
	return paths
}

// Load resolves credentials for the selected profile.
func Load(opts LoadOptions) (*Credentials, error) {
	env := opts.Env
	if env == nil {
		env = os.LookupEnv
	}

	profile := opts.Profile
	if profile == "" {
		if p, ok := env(EnvProfile); ok && p != "" {
			profile = p
		} else {
			profile = DefaultProfile
		}
	}

	files := opts.Files
	explicit := files != nil
	if !explicit {
		files = DefaultSearchPath()
	}

	creds := &Credentials{Profile: profile, SSLVerify: true}
	found := false
	for _, path := range files {
		ok, err := mergeFile(creds, path, profile)
		if err != nil {
			if os.IsNotExist(err) && !explicit {
				continue
			}
			if os.IsNotExist(err) {
				return nil, cbdlrerrors.NewConfigMissingError(path)
			}
			return nil, err
		}
		found = found || ok
	}

	envFound, err := applyEnv(creds, env)
	if err != nil {
		return nil, err
	}
	flagFound := applyOverrides(creds, opts.Overrides)

	if !found && !envFound && !flagFound {
		return nil, cbdlrerrors.NewConfigMissingError(fmt.Sprintf("profile %q", profile))
	}

	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

// mergeFile overlays the profile section of one file onto creds. It reports
// whether the profile was present.
func mergeFile(creds *Credentials, path, profile string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return mergeYAML(creds, path, data, profile)
	default:
		return mergeINI(creds, path, data, profile)
	}
}

type yamlFile struct {
	Profiles map[string]yaml.Node `yaml:"profiles"`
}

func mergeYAML(creds *Credentials, path string, data []byte, profile string) (bool, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return false, cbdlrerrors.NewConfigInvalidError(fmt.Sprintf("failed to parse %s", path), err)
	}
	node, ok := f.Profiles[profile]
	if !ok {
		return false, nil
	}
	// Decoding onto the existing struct keeps fields the section omits.
	if err := node.Decode(creds); err != nil {
		return false, cbdlrerrors.NewConfigInvalidError(fmt.Sprintf("invalid profile %q in %s", profile, path), err)
	}
	return true, nil
}

func mergeINI(creds *Credentials, path string, data []byte, profile string) (bool, error) {
	f, err := ini.Load(data)
	if err != nil {
		return false, cbdlrerrors.NewConfigInvalidError(fmt.Sprintf("failed to parse %s", path), err)
	}
	section, err := f.GetSection(profile)
	if err != nil {
		return false, nil
	}

	if k := section.Key("url"); k.String() != "" {
		creds.URL = k.String()
	}
	if k := section.Key("token"); k.String() != "" {
		creds.Token = k.String()
	}
	if k := section.Key("proxy"); k.String() != "" {
		creds.Proxy = k.String()
	}
	for name, dst := range map[string]*bool{
		"ssl_verify":          &creds.SSLVerify,
		"ignore_system_proxy": &creds.IgnoreSystemProxy,
	} {
		if !section.HasKey(name) {
			continue
		}
		v, err := section.Key(name).Bool()
		if err != nil {
			return false, cbdlrerrors.NewConfigValidationError(name, section.Key(name).String(), "must be a boolean")
		}
		*dst = v
	}
	return true, nil
}

func applyEnv(creds *Credentials, env func(string) (string, bool)) (bool, error) {
	found := false
	if v, ok := env(EnvURL); ok && v != "" {
		creds.URL = v
		found = true
	}
	if v, ok := env(EnvToken); ok && v != "" {
		creds.Token = v
		found = true
	}
	if v, ok := env(EnvSSLVerify); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, cbdlrerrors.NewConfigValidationError(EnvSSLVerify, v, "must be a boolean")
		}
		creds.SSLVerify = b
	}
	return found, nil
}

func applyOverrides(creds *Credentials, o Overrides) bool {
	found := false
	if o.URL != nil && *o.URL != "" {
		creds.URL = *o.URL
		found = true
	}
	if o.Token != nil && *o.Token != "" {
		creds.Token = *o.Token
		found = true
	}
	if o.SSLVerify != nil {
		creds.SSLVerify = *o.SSLVerify
	}
	return found
}
