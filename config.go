package cbt

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/lab47/cbt/pkg/nbd"
	"github.com/pkg/errors"
)

type S3Config struct {
	Bucket    string `hcl:"bucket"`
	Region    string `hcl:"region"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	Directory string `hcl:"directory,optional"`
	URL       string `hcl:"host,optional"`
}

type NBDConfig struct {
	Port    int    `hcl:"port,optional"`
	DSCP    int    `hcl:"dscp,optional"`
	Timeout string `hcl:"timeout,optional"`
}

type Config struct {
	CatalogPath string `hcl:"catalog_path,optional"`
	MetricsAddr string `hcl:"metrics_addr,optional"`
	NATSURL     string `hcl:"nats_url,optional"`

	Storage struct {
		FilePath string    `hcl:"file_path,optional"`
		S3       *S3Config `hcl:"s3,block"`
	} `hcl:"storage,block"`

	NBD *NBDConfig `hcl:"nbd,block"`
}

const DefaultCatalogPath = "cbt.db"

func LoadConfig(path string) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.DecodeFile(path, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return cfg.setDefaults()
}

// ParseConfig decodes src as if it were read from filename, whose extension
// selects HCL or JSON syntax.
func ParseConfig(filename string, src []byte) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.Decode(filename, src, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return cfg.setDefaults()
}

func (c *Config) setDefaults() (*Config, error) {
	if c.CatalogPath == "" {
		c.CatalogPath = DefaultCatalogPath
	}

	if c.NBD == nil {
		c.NBD = &NBDConfig{}
	}

	if c.NBD.Port == 0 {
		c.NBD.Port = nbd.NbdDefaultPort
	}

	if c.Storage.FilePath != "" && c.Storage.S3 != nil {
		return nil, errors.New("storage may set file_path or s3, not both")
	}

	if _, err := c.DialOptions(); err != nil {
		return nil, err
	}

	return c, nil
}

// DialOptions returns the network settings for NBD connections.
func (c *Config) DialOptions() (*nbd.DialOptions, error) {
	opts := &nbd.DialOptions{
		DSCP: c.NBD.DSCP,
	}

	if c.NBD.DSCP < 0 || c.NBD.DSCP > 63 {
		return nil, errors.Errorf("nbd dscp %d out of range", c.NBD.DSCP)
	}

	if c.NBD.Timeout != "" {
		dur, err := time.ParseDuration(c.NBD.Timeout)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing nbd timeout")
		}

		opts.Timeout = dur
	}

	return opts, nil
}

// OpenStorage returns the backend named by the storage block.
func (c *Config) OpenStorage(ctx context.Context, log hclog.Logger) (Storage, error) {
	if c.Storage.FilePath != "" {
		return &LocalStorage{Dir: c.Storage.FilePath}, nil
	}

	s3c := c.Storage.S3
	if s3c == nil {
		return nil, errors.New("no storage configured")
	}

	cfg, err := config.LoadDefaultConfig(ctx, func(lo *config.LoadOptions) error {
		lo.Region = s3c.Region
		if s3c.AccessKey != "" {
			lo.Credentials = credentials.NewStaticCredentialsProvider(s3c.AccessKey, s3c.SecretKey, "")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading aws config")
	}

	return NewS3Storage(log, s3c.URL, s3c.Bucket, s3c.Directory, cfg)
}
