// Package config loads and persists the licence server configuration.
//
// Configuration comes from Config.xml (root element licence_server_config)
// with environment overrides layered on top: any NLS_* variable wins over
// the file value, and defaults fill the rest.
package config

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// Defaults for settings absent from both file and environment.
const (
	DefaultFileName   = "Config.xml"
	DefaultPort       = 3180
	DefaultWebPort    = 8080
	DefaultReloadTime = "02:30:00"
	DefaultHeartBeat  = 300
	DefaultThreads    = 5
	DefaultMaxLogSize = 10000
	DefaultNumberLogs = 10
	LowPort           = 1024
	HighPort          = 65535
)

// Config holds the licence server settings.
type Config struct {
	DataFolder     string
	LicenceFolder  string
	Port           int    // licence server TCP port
	WebPort        int    // dashboard HTTP port
	EnableWeb      bool
	ReloadTime     string // "HH:MM:SS", local wall clock
	HeartBeat      int    // seconds; must match the client refresh period
	Threads        int    // transport worker pool size
	MaxLogFileSize int
	NumberOfLogs   int
	UserName       string // dashboard basic auth
	Password       string
	EPassword      string
	LogLevel       string
	// DoubleValidation re-verifies licence signatures read back from
	// the database. On unless explicitly disabled.
	DoubleValidation bool
}

// xmlConfig mirrors the on-disk Config.xml document. Unknown elements are
// ignored by encoding/xml, matching the recognised-children contract.
type xmlConfig struct {
	XMLName         xml.Name `xml:"licence_server_config"`
	DataFolder      *string  `xml:"datafolder"`
	HeartBeat       *int     `xml:"heartbeat"`
	LicenceFolder   *string  `xml:"licencefolder"`
	MaxLogFileSize  *int     `xml:"maximumlogfilesize"`
	NumberOfLogs    *int     `xml:"numberoflogs"`
	NumberOfThreads *int     `xml:"numberofthreads"`
	Port            *int     `xml:"port"`
	ReloadTime      *string  `xml:"reloadtime"`
	WebServerPort   *int     `xml:"webserverport"`
	EnableWebServer *string  `xml:"enablewebserver"`
	DoubleValidate  *string  `xml:"doublevalidation"`
	EPassword       *string  `xml:"epassword"`
	Password        *string  `xml:"password"`
	UserName        *string  `xml:"username"`
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Port:           DefaultPort,
		WebPort:        DefaultWebPort,
		ReloadTime:     DefaultReloadTime,
		HeartBeat:      DefaultHeartBeat,
		Threads:        DefaultThreads,
		MaxLogFileSize: DefaultMaxLogSize,
		NumberOfLogs:   DefaultNumberLogs,

		DoubleValidation: true,
	}
}

// Load reads the configuration with precedence ENV > file > defaults.
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env + defaults
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := cfg.applyFile(data); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyFile(data []byte) error {
	var doc xmlConfig
	if err := xml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.DataFolder != nil {
		c.DataFolder = strings.TrimSpace(*doc.DataFolder)
	}
	if doc.HeartBeat != nil && *doc.HeartBeat > 0 {
		c.HeartBeat = *doc.HeartBeat
	}
	if doc.LicenceFolder != nil {
		c.LicenceFolder = strings.TrimSpace(*doc.LicenceFolder)
	}
	if doc.MaxLogFileSize != nil {
		c.MaxLogFileSize = *doc.MaxLogFileSize
	}
	if doc.NumberOfLogs != nil {
		c.NumberOfLogs = *doc.NumberOfLogs
	}
	if doc.NumberOfThreads != nil && *doc.NumberOfThreads > 0 {
		c.Threads = *doc.NumberOfThreads
	}
	if doc.Port != nil {
		c.Port = *doc.Port
	}
	if doc.ReloadTime != nil {
		c.ReloadTime = strings.TrimSpace(*doc.ReloadTime)
	}
	if doc.WebServerPort != nil && *doc.WebServerPort >= LowPort && *doc.WebServerPort <= HighPort {
		c.WebPort = *doc.WebServerPort
	}
	if doc.EnableWebServer != nil {
		c.EnableWeb = strings.TrimSpace(*doc.EnableWebServer) == "true"
	}
	if doc.DoubleValidate != nil {
		c.DoubleValidation = strings.TrimSpace(*doc.DoubleValidate) != "false"
	}
	if doc.EPassword != nil {
		c.EPassword = *doc.EPassword
	}
	if doc.Password != nil {
		c.Password = *doc.Password
	}
	if doc.UserName != nil {
		c.UserName = *doc.UserName
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DataFolder = ParseString("NLS_DATA_FOLDER", c.DataFolder)
	c.LicenceFolder = ParseString("NLS_LICENCE_FOLDER", c.LicenceFolder)
	c.Port = ParseInt("NLS_PORT", c.Port)
	c.WebPort = ParseInt("NLS_WEB_PORT", c.WebPort)
	c.EnableWeb = ParseBool("NLS_ENABLE_WEB", c.EnableWeb)
	c.ReloadTime = ParseString("NLS_RELOAD_TIME", c.ReloadTime)
	c.HeartBeat = ParseInt("NLS_HEARTBEAT", c.HeartBeat)
	c.Threads = ParseInt("NLS_THREADS", c.Threads)
	c.DoubleValidation = ParseBool("NLS_DOUBLE_VALIDATION", c.DoubleValidation)
	c.LogLevel = ParseString("NLS_LOG_LEVEL", c.LogLevel)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > HighPort {
		return fmt.Errorf("invalid licence server port %d", c.Port)
	}
	if c.WebPort < LowPort || c.WebPort > HighPort {
		return fmt.Errorf("web server port %d outside %d-%d", c.WebPort, LowPort, HighPort)
	}
	if c.Threads <= 0 {
		return fmt.Errorf("numberofthreads must be positive, got %d", c.Threads)
	}
	if c.HeartBeat <= 0 {
		return fmt.Errorf("heartbeat must be positive, got %d", c.HeartBeat)
	}
	if _, err := parseReloadTime(c.ReloadTime); err != nil {
		return fmt.Errorf("reloadtime: %w", err)
	}
	return nil
}

// Heartbeat returns the client refresh period as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartBeat) * time.Second
}

// IsSecureWeb reports whether the dashboard requires a login.
func (c *Config) IsSecureWeb() bool {
	if strings.TrimSpace(c.EPassword) != "" || strings.TrimSpace(c.Password) != "" {
		return strings.TrimSpace(c.UserName) != ""
	}
	return false
}

// WebPassword returns the dashboard password. An epassword takes
// precedence and is stored base64-obfuscated; a value that does not
// decode is used as-is.
func (c *Config) WebPassword() string {
	ep := strings.TrimSpace(c.EPassword)
	if ep != "" {
		if raw, err := base64.StdEncoding.DecodeString(ep); err == nil {
			return string(raw)
		}
		return ep
	}
	return c.Password
}

func parseReloadTime(v string) (time.Duration, error) {
	t, err := time.Parse("15:04:05", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// NextReload returns the interval from now until the next daily reload.
// If today's trigger has already passed, the reload is scheduled for
// tomorrow.
func (c *Config) NextReload(now time.Time) time.Duration {
	offset, err := parseReloadTime(c.ReloadTime)
	if err != nil {
		offset, _ = parseReloadTime(DefaultReloadTime)
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	next := midnight.Add(offset)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// Save serialises the configuration to path atomically.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty config path")
	}
	enable := "false"
	if c.EnableWeb {
		enable = "true"
	}
	validate := "false"
	if c.DoubleValidation {
		validate = "true"
	}
	doc := xmlConfig{
		DataFolder:      &c.DataFolder,
		HeartBeat:       &c.HeartBeat,
		LicenceFolder:   &c.LicenceFolder,
		MaxLogFileSize:  &c.MaxLogFileSize,
		NumberOfLogs:    &c.NumberOfLogs,
		NumberOfThreads: &c.Threads,
		Port:            &c.Port,
		ReloadTime:      &c.ReloadTime,
		WebServerPort:   &c.WebPort,
		EnableWebServer: &enable,
		DoubleValidate:  &validate,
		EPassword:       &c.EPassword,
		Password:        &c.Password,
		UserName:        &c.UserName,
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
