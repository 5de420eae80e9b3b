// Package config loads the client configuration from a two-section TOML
// file. The [mandatory] section carries the instance, credentials, proxy
// and workspace settings; the [optional] section carries filename
// templates and the export timeout.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// DefaultExportFilename names the snapshot archive; {cdate} is
	// replaced with today's date (YYYY-MM-DD).
	DefaultExportFilename = "leanix_snapshot_{cdate}.xlsx"

	// DefaultSurveyFilename names a survey run result; {id}, {run} and
	// {cdate} are replaced per download.
	DefaultSurveyFilename = "survey_{id}_{run}_{cdate}.xlsx"

	// DefaultTimeout bounds the export poll loop.
	DefaultTimeout = 7200 * time.Second
)

// Config holds everything the client needs for one invocation.
type Config struct {
	Hostname      string // instance base URL, e.g. https://acme.leanix.net
	APIToken      string
	WorkspaceID   string
	HTTPProxy     string
	HTTPSProxy    string
	ProxyRequired bool

	ExportFilename string
	SurveyFilename string
	Timeout        time.Duration
}

// Load reads the configuration file at path.
//
// The API token may also be supplied via the LEANIX_APITOKEN environment
// variable, which takes precedence over the file so the token can be kept
// out of the config on shared hosts.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("optional.export_filename", DefaultExportFilename)
	v.SetDefault("optional.survey_filename", DefaultSurveyFilename)
	v.SetDefault("optional.timeout_seconds", int(DefaultTimeout/time.Second))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		Hostname:       strings.TrimRight(v.GetString("mandatory.hostname"), "/"),
		APIToken:       v.GetString("mandatory.apitoken"),
		WorkspaceID:    v.GetString("mandatory.workspaceid"),
		HTTPProxy:      v.GetString("mandatory.http_proxy"),
		HTTPSProxy:     v.GetString("mandatory.https_proxy"),
		ProxyRequired:  v.GetBool("mandatory.proxy_required"),
		ExportFilename: v.GetString("optional.export_filename"),
		SurveyFilename: v.GetString("optional.survey_filename"),
		Timeout:        time.Duration(v.GetInt("optional.timeout_seconds")) * time.Second,
	}

	if token := os.Getenv("LEANIX_APITOKEN"); token != "" {
		log.Debug().Msg("Using API token from environment variable")
		cfg.APIToken = token
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Hostname == "" {
		missing = append(missing, "mandatory.hostname")
	}
	if c.APIToken == "" {
		missing = append(missing, "mandatory.apitoken")
	}
	if c.WorkspaceID == "" {
		missing = append(missing, "mandatory.workspaceid")
	}
	if c.ProxyRequired {
		if c.HTTPProxy == "" {
			missing = append(missing, "mandatory.http_proxy")
		}
		if c.HTTPSProxy == "" {
			missing = append(missing, "mandatory.https_proxy")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}
	if c.Timeout < 0 {
		return fmt.Errorf("optional.timeout_seconds must not be negative")
	}
	return nil
}
