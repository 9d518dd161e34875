package config

import (
	"os"
	"sync"

	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

type Config struct {
	// Port Settings
	ServerAddr  string `json:"serverAddr"`  // The address the server endpoint binds to.
	MetricsAddr string `json:"metricsAddr"` // The address the metric endpoint binds to.

	// SecretKey encrypts service and VPN credentials at rest.
	SecretKey string `json:"secretKey"`

	Postgres struct {
		Host     string   `json:"host"`
		Port     string   `json:"port"`
		DBName   string   `json:"dbname"`
		User     string   `json:"user"`
		Password string   `json:"password"`
		SSLMode  string   `json:"sslmode"`
		TimeZone string   `json:"TimeZone"`
		Replicas []string `json:"replicas"` // optional read replica hosts
	} `json:"postgres"`

	Reconciler struct {
		Workers     int `json:"workers"`     // build-status poll workers
		IntervalSec int `json:"intervalSec"` // base poll interval
		MaxAttempts int `json:"maxAttempts"` // give up and mark create-failed after this
		RescanSec   int `json:"rescanSec"`   // cron rescan period for orphaned tasks
		BatchSize   int `json:"batchSize"`   // tasks claimed per scan
	} `json:"reconciler"`

	Notify struct {
		Enable    bool `json:"enable"`
		AheadDays int  `json:"aheadDays"` // mail users this many days before quota expiration
		SMTP      struct {
			Host     string `json:"host"`
			Port     int    `json:"port"`
			User     string `json:"user"`
			Password string `json:"password"`
			Sender   string `json:"sender"`
		} `json:"smtp"`
	} `json:"notify"`
}

var (
	once     sync.Once
	instance *Config
)

func GetConfig() *Config {
	once.Do(func() {
		instance = initConfig()
	})
	return instance
}

func IsDebugMode() bool {
	return os.Getenv("VMS_DEBUG") != ""
}

// initConfig reads the configuration file. In debug mode it reads the
// debug-config.yaml from the working tree (path overridable by env),
// otherwise the config.yaml mounted from ConfigMap.
func initConfig() *Config {
	config := &Config{}
	var configPath string
	if IsDebugMode() {
		if os.Getenv("VMS_DEBUG_CONFIG_PATH") != "" {
			configPath = os.Getenv("VMS_DEBUG_CONFIG_PATH")
		} else {
			configPath = "./etc/debug-config.yaml"
		}
	} else {
		configPath = "/etc/config/config.yaml"
	}
	klog.Info("config path: ", configPath)

	if err := readConfig(configPath, config); err != nil {
		klog.Error("init config", err)
		panic(err)
	}
	setDefaults(config)
	return config
}

func readConfig(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, config)
}

func setDefaults(c *Config) {
	if c.Reconciler.Workers <= 0 {
		c.Reconciler.Workers = 4
	}
	if c.Reconciler.IntervalSec <= 0 {
		c.Reconciler.IntervalSec = 20
	}
	if c.Reconciler.MaxAttempts <= 0 {
		c.Reconciler.MaxAttempts = 30
	}
	if c.Reconciler.BatchSize <= 0 {
		c.Reconciler.BatchSize = 50
	}
	if c.Notify.AheadDays <= 0 {
		c.Notify.AheadDays = 7
	}
}
