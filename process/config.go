package process

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config collects everything needed to initialize a Process, read
// through viper so it can come from flags, environment variables, or
// a config file interchangeably, following the
// ConfigurationFromFlags pattern (network/config.go) generalized from
// a single advertised/bind address+port pair to O2's four sockets
// (discovery UDP, data UDP, handshake TCP, data TCP).
type Config struct {
	Ensemble      string
	PeerID        string
	BindAddress   string
	DiscoveryPort int
	DataPort      int
	TCPPort       int
	DataTCPPort   int
	Pretty        bool
	LogLevel      string
}

// FromViper builds a Config from a pre-populated viper instance,
// applying the same defaulting rules network.ConfigurationFromFlags
// uses for bind/advertised addresses and random port assignment: a
// zero port means "let the kernel pick one", and a missing peer id
// means "generate one".
func FromViper(v *viper.Viper, ensemble string) (Config, error) {
	cfg := Config{
		Ensemble:      ensemble,
		PeerID:        v.GetString("peer-id"),
		BindAddress:   v.GetString("bind-address"),
		DiscoveryPort: v.GetInt("discovery-port"),
		DataPort:      v.GetInt("data-port"),
		TCPPort:       v.GetInt("tcp-port"),
		DataTCPPort:   v.GetInt("data-tcp-port"),
		Pretty:        v.GetBool("pretty-log"),
		LogLevel:      v.GetString("log-level"),
	}
	if cfg.Ensemble == "" {
		return cfg, errors.New("ensemble name must not be empty")
	}
	if cfg.PeerID == "" {
		host, _ := os.Hostname()
		seed := fmt.Sprintf("%s|%s|%d|%d", cfg.Ensemble, host, os.Getpid(), time.Now().UnixNano())
		sum := sha1.Sum([]byte(seed))
		cfg.PeerID = hex.EncodeToString(sum[:])
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}
	if net.ParseIP(cfg.BindAddress) == nil {
		return cfg, errors.Errorf("invalid bind address %q", cfg.BindAddress)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// NewLogger builds the zap.Logger used by a Process, tagged with its
// peer id the way Bootstrap tags every log line with node_id
// (cli/cli.go), and switching to zap.NewDevelopment under the same
// ENABLE_PRETTY_LOG convention.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	level := zap.NewAtomicLevelAt(lvl)
	opts := []zap.Option{
		zap.Fields(
			zap.String("peer_id", cfg.PeerID),
			zap.String("ensemble", cfg.Ensemble),
		),
	}
	var logger *zap.Logger
	var err error
	if cfg.Pretty || os.Getenv("ENABLE_PRETTY_LOG") == "true" {
		devCfg := zap.NewDevelopmentConfig()
		devCfg.Level = level
		logger, err = devCfg.Build(opts...)
	} else {
		prodCfg := zap.NewProductionConfig()
		prodCfg.Level = level
		logger, err = prodCfg.Build(opts...)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	return logger, nil
}

func (c Config) String() string {
	return fmt.Sprintf("ensemble=%s peer_id=%s bind=%s disc=%d data=%d tcp=%d data_tcp=%d",
		c.Ensemble, c.PeerID, c.BindAddress, c.DiscoveryPort, c.DataPort, c.TCPPort, c.DataTCPPort)
}
