// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Adult content policies. Sources flagged nsfw are skipped under AdultContentNone.
const (
	AdultContentNone = "none"
	AdultContentAll  = "all"
)

type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	// Origin is the base that relative manifest URLs are resolved against.
	Origin string `toml:"origin" mapstructure:"origin"`
	// ProxyPort routes extension fetches through the local header proxy when non-zero.
	ProxyPort int `toml:"proxyPort" mapstructure:"proxyPort"`

	SandboxTimeoutSeconds int `toml:"sandboxTimeout" mapstructure:"sandboxTimeout"`
	ScrapeTimeoutSeconds  int `toml:"scrapeTimeout" mapstructure:"scrapeTimeout"`
	PeerCacheTTLSeconds   int `toml:"peerCacheTTL" mapstructure:"peerCacheTTL"`

	Offline        bool   `toml:"offline" mapstructure:"offline"`
	AdultContent   string `toml:"adultContent" mapstructure:"adultContent"`
	EnableExternal bool   `toml:"enableExternal" mapstructure:"enableExternal"`

	HEVCSupported      bool `toml:"hevcSupported" mapstructure:"hevcSupported"`
	AC3Supported       bool `toml:"ac3Supported" mapstructure:"ac3Supported"`
	DTSSupported       bool `toml:"dtsSupported" mapstructure:"dtsSupported"`
	TrueHDSupported    bool `toml:"trueHdSupported" mapstructure:"trueHdSupported"`
	DualAudioSupported bool `toml:"dualAudioSupported" mapstructure:"dualAudioSupported"`

	ResultFilter string   `toml:"resultFilter" mapstructure:"resultFilter"`
	Trackers     []string `toml:"trackers" mapstructure:"trackers"`

	AniListURL string `toml:"anilistUrl" mapstructure:"anilistUrl"`
	AniZipURL  string `toml:"aniZipUrl" mapstructure:"aniZipUrl"`
	// AniListToken is optional; anonymous queries work with a lower rate limit.
	AniListToken string `toml:"anilistToken" mapstructure:"anilistToken"`
}
