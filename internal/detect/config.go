package detect

import (
	"errors"
	"time"
)

// Config tunes the stateful and parameterized detectors. The injection
// families have no knobs.
type Config struct {
	CSRF       CSRFConfig       `yaml:"csrf"`
	Upload     UploadConfig     `yaml:"upload"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	BruteForce BruteForceConfig `yaml:"bruteforce"`
	Reputation ReputationConfig `yaml:"reputation"`
}

type CSRFConfig struct {
	ExpectedHosts []string `yaml:"expected_hosts"`
}

type UploadConfig struct {
	MaxContentLength int64    `yaml:"max_content_length"`
	Endpoints        []string `yaml:"endpoints"`
}

type ScannerConfig struct {
	UserAgents     []string `yaml:"user_agents"`
	Methods        []string `yaml:"methods"`
	SensitivePaths []string `yaml:"sensitive_paths"`
}

type BruteForceConfig struct {
	Endpoints     []string      `yaml:"endpoints"`
	Window        time.Duration `yaml:"window"`
	Threshold     int           `yaml:"threshold"`
	MaxSources    int           `yaml:"max_sources"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ReputationConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold int     `yaml:"threshold"`
	ScoreGate float64 `yaml:"score_gate"`
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		CSRF: CSRFConfig{
			ExpectedHosts: []string{"localhost", "127.0.0.1"},
		},
		Upload: UploadConfig{
			MaxContentLength: 50 << 20,
			Endpoints: []string{
				"/upload", "/file/upload", "/media/upload", "/api/upload",
				"/admin/upload", "/upload.php",
			},
		},
		Scanner: ScannerConfig{
			UserAgents: []string{
				"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster",
				"ffuf", "wfuzz", "wpscan", "nuclei", "acunetix", "zgrab",
				"python-requests", "go-http-client", "curl/", "httpclient",
			},
			Methods: []string{"TRACE", "TRACK", "CONNECT", "DEBUG", "PROPFIND", "OPTIONS"},
			SensitivePaths: []string{
				"/admin", "/wp-admin", "/phpmyadmin", "/.git/", "/.svn/",
				"/config", "/backup", "/shell", "/server-status", "/actuator",
				"/cgi-bin/",
			},
		},
		BruteForce: BruteForceConfig{
			Endpoints:     []string{"/login", "/api/auth/login", "/signin", "/wp-login.php"},
			Window:        10 * time.Second,
			Threshold:     5,
			MaxSources:    10000,
			SweepInterval: time.Minute,
		},
		Reputation: ReputationConfig{
			Enabled:   true,
			Threshold: 50,
			ScoreGate: 0.5,
		},
	}
}

// Validate rejects values no detector can run with.
func (c Config) Validate() error {
	if c.Upload.MaxContentLength <= 0 {
		return errors.New("detectors.upload.max_content_length must be > 0")
	}
	if c.BruteForce.Window <= 0 {
		return errors.New("detectors.bruteforce.window must be > 0")
	}
	if c.BruteForce.Threshold < 1 {
		return errors.New("detectors.bruteforce.threshold must be >= 1")
	}
	if c.BruteForce.MaxSources < 1 {
		return errors.New("detectors.bruteforce.max_sources must be >= 1")
	}
	if c.BruteForce.SweepInterval <= 0 {
		return errors.New("detectors.bruteforce.sweep_interval must be > 0")
	}
	if c.Reputation.Threshold < 0 || c.Reputation.Threshold > 100 {
		return errors.New("detectors.reputation.threshold must be within 0..100")
	}
	if c.Reputation.ScoreGate < 0 || c.Reputation.ScoreGate > 1 {
		return errors.New("detectors.reputation.score_gate must be within 0..1")
	}
	return nil
}
