// File: internal/config/targets.go
package config

import (
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/xkilldash9x/autoread/internal/scope"
)

// Check-in flow names.
const (
	CheckinTuneHub   = "tunehub"
	CheckinAnyRouter = "anyrouter"
	CheckinSignQAQ   = "signqaq"
)

// DefaultCheckins are run for targets on linux.do when none are configured.
var DefaultCheckins = []string{CheckinTuneHub, CheckinAnyRouter, CheckinSignQAQ}

// linuxDoDomain is the identity provider behind the federated check-ins.
const linuxDoDomain = "linux.do"

// IsLinuxDo reports whether rawURL is on linux.do or one of its subdomains.
func IsLinuxDo(rawURL string) bool {
	d, err := scope.New(rawURL)
	if err != nil {
		return false
	}
	return d.Root() == linuxDoDomain
}

// LoadDotEnv loads variables from the given files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

// LegacyTargets maps TARGET_URL, USERNAME, PASSWORD and COOKIE_STRING, plus their _2
// variants, to targets. getenv defaults to os.Getenv.
func LegacyTargets(getenv func(string) string) []TargetConfig {
	if getenv == nil {
		getenv = os.Getenv
	}
	var targets []TargetConfig
	for _, suffix := range []string{"", "_2"} {
		u := strings.TrimSpace(getenv("TARGET_URL" + suffix))
		if u == "" {
			continue
		}
		targets = append(targets, TargetConfig{
			Name:     targetName(u),
			URL:      u,
			Username: getenv("USERNAME" + suffix),
			Password: getenv("PASSWORD" + suffix),
			Cookie:   getenv("COOKIE_STRING" + suffix),
		})
	}
	return targets
}

func targetName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}
