package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
)

type Config struct {
	// Broker is the MQTT server the device connects to.
	Broker struct {
		// URL of the broker: tcp://, ssl://, ws:// or wss://. A bare host gets
		// the scheme and port from TLS being configured or not.
		URL string `json:"url" env:"GOTA_BROKER_URL"`

		// Optional TLS files. CA verifies the broker, Cert and Key are the device identity.
		CA   string `json:"ca" env:"GOTA_BROKER_CA"`
		Cert string `json:"cert" env:"GOTA_BROKER_CERT"`
		Key  string `json:"key" env:"GOTA_BROKER_KEY"`

		// ClientID defaults to the thing name.
		ClientID     string `json:"client_id" env:"GOTA_CLIENT_ID"`
		Username     string `json:"username" env:"GOTA_USERNAME"`
		Password     string `json:"password" env:"GOTA_PASSWORD"`
		CleanSession bool   `json:"clean_session" env:"GOTA_CLEAN_SESSION"`

		// Keep alive in s. Default 60. Set to -1 to disable.
		KeepAlive int64 `json:"keep_alive" env:"GOTA_KEEP_ALIVE"`

		// Connect and PINGRESP timeout in s. Default 10.
		Timeout int64 `json:"timeout" env:"GOTA_TIMEOUT"`

		// AWSIoT applies the AWS IoT service limits.
		AWSIoT bool `json:"aws_iot" env:"GOTA_AWS_IOT"`
	} `json:"broker"`

	// Reconnect backoff after the connection is lost, in s. Default 1 to 128.
	Reconnect struct {
		Min int64 `json:"min" env:"GOTA_RECONNECT_MIN"`
		Max int64 `json:"max" env:"GOTA_RECONNECT_MAX"`
	} `json:"reconnect"`

	// OTA configures the update agent.
	OTA struct {
		// ThingName is the device name in the job and stream topics.
		ThingName string `json:"thing_name" env:"GOTA_THING_NAME"`

		// AppVersion of the running firmware, "major.minor.build".
		AppVersion string `json:"app_version" env:"GOTA_APP_VERSION"`

		// DataDir holds the image, the staged download and the boot state.
		// Default "data". CertDir holds code signing certificates, default DataDir.
		DataDir string `json:"data_dir" env:"GOTA_DATA_DIR"`
		CertDir string `json:"cert_dir" env:"GOTA_CERT_DIR"`

		// Block size as a power of 2. Default 10 (1 KiB).
		BlockSizeLog2 uint `json:"block_size_log2" env:"GOTA_BLOCK_SIZE_LOG2"`

		// Stream request timer and self test window in s. Defaults 10 and 16.
		RequestWait  int64 `json:"request_wait" env:"GOTA_REQUEST_WAIT"`
		SelfTestWait int64 `json:"self_test_wait" env:"GOTA_SELF_TEST_WAIT"`
	} `json:"ota"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file" env:"GOTA_LOG_FILE"`
		Level string `json:"level" env:"GOTA_LOG_LEVEL"`
	} `json:"log"`
}

func (c *Config) LoadFromFile(fPath string) error {
	f, err := os.Open(fPath)
	if err != nil {
		return errors.Wrap(err, "error opening config file")
	}

	defer f.Close()

	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return errors.Wrap(err, "error reading config file")
	}

	return c.Load()
}

// Load applies GOTA_* environment variables over the current values and
// validates the result.
func (c *Config) Load() error {
	if err := envdecode.Decode(c); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return errors.Wrap(err, "error reading environment")
	}
	return c.validate()
}

func (c *Config) validate() error {
	if c.OTA.ThingName == "" {
		return errors.New("thing name required")
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = c.OTA.ThingName
	}

	if (c.Broker.Cert == "") != (c.Broker.Key == "") {
		return errors.New("invalid TLS certificate and/or private key file path setup")
	}
	secure := c.Broker.Cert != "" || c.Broker.CA != ""

	if c.Broker.URL == "" {
		c.Broker.URL = "localhost"
	}
	if !strings.Contains(c.Broker.URL, "://") { // if just ip/host
		if secure {
			c.Broker.URL = "ssl://" + c.Broker.URL
		} else {
			c.Broker.URL = "tcp://" + c.Broker.URL
		}
	}

	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 60
	} else if c.Broker.KeepAlive < 0 {
		c.Broker.KeepAlive = 0
	}
	if c.Broker.KeepAlive > 65535 {
		return errors.New("keep alive longer than 65535s")
	}
	if c.Broker.Timeout <= 0 {
		c.Broker.Timeout = 10
	}

	if c.Reconnect.Min <= 0 {
		c.Reconnect.Min = 1
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = 128
	}
	if c.Reconnect.Max < c.Reconnect.Min {
		c.Reconnect.Max = c.Reconnect.Min
	}

	if c.OTA.AppVersion == "" {
		c.OTA.AppVersion = "0.0.0"
	}
	if c.OTA.DataDir == "" {
		c.OTA.DataDir = "data"
	}
	if c.OTA.CertDir == "" {
		c.OTA.CertDir = c.OTA.DataDir
	}
	if c.OTA.BlockSizeLog2 == 0 {
		c.OTA.BlockSizeLog2 = 10
	}
	if c.OTA.BlockSizeLog2 < 4 || c.OTA.BlockSizeLog2 > 17 {
		return errors.Errorf("block size 2^%d out of range", c.OTA.BlockSizeLog2)
	}
	if c.OTA.RequestWait <= 0 {
		c.OTA.RequestWait = 10
	}
	if c.OTA.SelfTestWait <= 0 {
		c.OTA.SelfTestWait = 16
	}

	return nil
}
