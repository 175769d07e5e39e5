package configs

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	CAURL  string
	CAName string

	Profile          string
	CommonName       string
	CommonNamePrefix string

	KeyFile    string
	CertFile   string
	CACertFile string

	KeyAlg  string `default:"RSA"`
	KeySize int    `default:"4096"`

	Timeout time.Duration `default:"30s"`

	ServerCA  string
	AuthToken string

	ConsulProtocol string
	ConsulHost     string
	ConsulPort     string
	ConsulService  string `default:"ca"`

	OCSPCheck bool
}

func NewConfig(prefix string) (Config, error) {
	var cfg Config
	err := envconfig.Process(prefix, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
