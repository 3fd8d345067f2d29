package config

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

type Node struct {
	// Raft node ID, also reported to the cluster on join
	ID string `yaml:"id"`

	GRPCAddr string `yaml:"grpc_addr"`

	// gRPC address of a member to join through, empty when bootstrapping
	Join string `yaml:"join"`
}

type Raft struct {
	BindAddr string `yaml:"bind_addr"`

	// Address other nodes reach this one at
	AdvertiseAddr string `yaml:"advertise_addr"`

	Dir string `yaml:"dir"`

	Bootstrap bool `yaml:"bootstrap"`
}

type Locking struct {
	AcquisitionTimeout time.Duration `yaml:"acquisition_timeout"`

	Stripes int `yaml:"stripes"`
}

type Container struct {
	// Primary store capacity, non-positive means unbounded
	Capacity int64 `yaml:"capacity"`

	L1Capacity int `yaml:"l1_capacity"`
}

type Logger struct {
	Level string `yaml:"level"`

	LogPath string `yaml:"log_path"`
}

// Config represents the configuration of a node
type Config struct {
	Node      Node      `yaml:"node"`
	Raft      Raft      `yaml:"raft"`
	Locking   Locking   `yaml:"locking"`
	Container Container `yaml:"container"`
	Logger    Logger    `yaml:"logger"`
}

func Default() Config {
	return Config{
		Node: Node{
			ID:       "0",
			GRPCAddr: "0.0.0.0:8000",
		},
		Raft: Raft{
			BindAddr:      "0.0.0.0:4000",
			AdvertiseAddr: "localhost:4000",
			Dir:           "./raftdir",
			Bootstrap:     true,
		},
		Locking: Locking{
			AcquisitionTimeout: 10 * time.Second,
			Stripes:            64,
		},
		Container: Container{
			Capacity:   1000,
			L1Capacity: 1024,
		},
		Logger: Logger{
			Level: "info",
		},
	}
}

// Load reads configFile on top of the defaults
func Load(configFile string) (Config, error) {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return Config{}, err
	}

	return FromBuffer(bytes.NewBuffer(b))
}

// FromBuffer reads the configuration in buf on top of the defaults
func FromBuffer(buf *bytes.Buffer) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(buf.Bytes(), &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}

	return cfg, cfg.Validate()
}

func (cfg Config) Validate() error {
	switch {
	case cfg.Node.ID == "":
		return errors.New("node.id must be provided")

	case cfg.Node.GRPCAddr == "":
		return errors.New("node.grpc_addr must be provided")

	case cfg.Raft.BindAddr == "" || cfg.Raft.AdvertiseAddr == "" || cfg.Raft.Dir == "":
		return errors.New("raft.bind_addr, raft.advertise_addr and raft.dir must be provided")

	case !cfg.Raft.Bootstrap && cfg.Node.Join == "":
		return errors.New("node.join must be provided unless raft.bootstrap is set")

	case cfg.Locking.AcquisitionTimeout < 0:
		return errors.Errorf("locking.acquisition_timeout must not be negative, got %s", cfg.Locking.AcquisitionTimeout)

	case cfg.Locking.Stripes < 0:
		return errors.Errorf("locking.stripes must not be negative, got %d", cfg.Locking.Stripes)
	}

	if _, err := cfg.LogLevel(); err != nil {
		return err
	}

	return nil
}

func (cfg Config) LogLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return zapcore.InfoLevel, errors.Wrapf(err, "logger.level")
	}

	return level, nil
}
