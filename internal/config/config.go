// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	PersistenceInMemory = "inmemory"
	PersistenceSqlite   = "sqlite"
)

type Config struct {
	Server      Server      `yaml:"server" json:"server"`                                  // configuration of the operational REST server
	Name        string      `yaml:"name" json:"name" env:"APP_NAME" env-default:"zenflow"` // used for OTEL as an application identifier
	NodeId      string      `yaml:"nodeId" json:"nodeId" env:"NODE_ID"`
	Engine      Engine      `yaml:"engine" json:"engine"`
	Persistence Persistence `yaml:"persistence" json:"persistence"`
	Tracing     Tracing     `yaml:"tracing" json:"tracing"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
	// AllowedOrigins for CORS, empty allows any origin
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins" env:"REST_API_ALLOWED_ORIGINS"`
}

type Engine struct {
	// Node is the snowflake node id used for key generation, unique per running engine
	Node                int64         `yaml:"node" json:"node" env:"ENGINE_NODE" env-default:"1"`
	ConnectorWorkers    int           `yaml:"connectorWorkers" json:"connectorWorkers" env:"ENGINE_CONNECTOR_WORKERS" env-default:"8"`
	ConnectorQueueSize  int           `yaml:"connectorQueueSize" json:"connectorQueueSize" env:"ENGINE_CONNECTOR_QUEUE_SIZE" env-default:"64"`
	ConnectorTimeout    time.Duration `yaml:"connectorTimeout" json:"connectorTimeout" env:"ENGINE_CONNECTOR_TIMEOUT" env-default:"30s"`
	SchedulerWorkers    int           `yaml:"schedulerWorkers" json:"schedulerWorkers" env:"ENGINE_SCHEDULER_WORKERS" env-default:"4"`
	SchedulerPoll       time.Duration `yaml:"schedulerPoll" json:"schedulerPoll" env:"ENGINE_SCHEDULER_POLL" env-default:"1s"`
	DefinitionCacheSize int           `yaml:"definitionCacheSize" json:"definitionCacheSize" env:"ENGINE_DEFINITION_CACHE_SIZE" env-default:"256"`
	DefinitionCacheTtl  time.Duration `yaml:"definitionCacheTtl" json:"definitionCacheTtl" env:"ENGINE_DEFINITION_CACHE_TTL" env-default:"1h"`
	ScriptVmPoolMax     int           `yaml:"scriptVmPoolMax" json:"scriptVmPoolMax" env:"ENGINE_SCRIPT_VM_POOL_MAX" env-default:"8"`
	ScriptVmPoolMin     int           `yaml:"scriptVmPoolMin" json:"scriptVmPoolMin" env:"ENGINE_SCRIPT_VM_POOL_MIN" env-default:"1"`
	// TriggerExpiryInterval is how often expired messages are removed, 0 disables the sweep
	TriggerExpiryInterval time.Duration `yaml:"triggerExpiryInterval" json:"triggerExpiryInterval" env:"ENGINE_TRIGGER_EXPIRY_INTERVAL" env-default:"1m"`
}

type Persistence struct {
	Type string `yaml:"type" json:"type" env:"PERSISTENCE_TYPE" env-default:"inmemory"`
	Path string `yaml:"path" json:"path" env:"PERSISTENCE_PATH"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Name     string `yaml:"-" json:"-"`
	// TransferHeaders are copied from incoming requests into span attributes
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"OTEL_TRANSFER_HEADERS"`
}

func (c Config) defaults() Config {
	if c.NodeId == "" {
		c.NodeId = uuid.NewString()
	}
	if c.Persistence.Type == PersistenceSqlite && c.Persistence.Path == "" {
		c.Persistence.Path = filepath.Join(c.NodeId, "zenflow.db")
	}
	c.Tracing.Name = c.Name
	return c
}

// Validate reports settings the engine cannot start with.
func (c Config) Validate() error {
	var errJoin error
	switch c.Persistence.Type {
	case PersistenceInMemory, PersistenceSqlite:
	default:
		errJoin = errors.Join(errJoin, fmt.Errorf("unknown persistence type %q", c.Persistence.Type))
	}
	if c.Engine.ConnectorWorkers < 1 {
		errJoin = errors.Join(errJoin, fmt.Errorf("connectorWorkers must be positive, got %d", c.Engine.ConnectorWorkers))
	}
	if c.Engine.SchedulerWorkers < 1 {
		errJoin = errors.Join(errJoin, fmt.Errorf("schedulerWorkers must be positive, got %d", c.Engine.SchedulerWorkers))
	}
	if c.Engine.ScriptVmPoolMin > c.Engine.ScriptVmPoolMax {
		errJoin = errors.Join(errJoin, fmt.Errorf("scriptVmPoolMin %d exceeds scriptVmPoolMax %d", c.Engine.ScriptVmPoolMin, c.Engine.ScriptVmPoolMax))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errJoin = errors.Join(errJoin, errors.New("tracing is enabled without an endpoint"))
	}
	return errJoin
}

// Load reads fileName, or the environment alone when fileName does not exist.
func Load(fileName string) (Config, error) {
	c := Config{}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return c, fmt.Errorf("failed to read configuration: %w", err)
	}
	c = c.defaults()
	return c, c.Validate()
}

// InitConfig loads CONFIG_FILE, or conf.yaml of the working directory.
func InitConfig() Config {
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	if _, err := os.Stat(fileName); errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	}
	c, err := Load(fileName)
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
