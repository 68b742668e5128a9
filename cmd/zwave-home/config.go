package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zwave-go-home/internal/light"
	"zwave-go-home/internal/store"
)

type Config struct {
	Gateway struct {
		Broker   string `yaml:"broker"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Topic    string `yaml:"topic"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"gateway"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	MDNS struct {
		Enabled   bool   `yaml:"enabled"`
		Instance  string `yaml:"instance"`
		Interface string `yaml:"interface"`
	} `yaml:"mdns"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	DevicesDir   string       `yaml:"devices_dir"`
	ScriptsDir   string       `yaml:"scripts_dir"`
	RefreshDelay string       `yaml:"refresh_delay"`
	Nodes        []NodeConfig `yaml:"nodes"`
}

// NodeConfig describes one light node of the mesh.
type NodeConfig struct {
	ID             uint8   `yaml:"id"`
	Name           string  `yaml:"name"`
	ManufacturerID string  `yaml:"manufacturer_id"`
	ProductID      string  `yaml:"product_id"`
	CommandClasses []int   `yaml:"command_classes"`
	Refresh        bool    `yaml:"refresh_value"`
	Delay          int     `yaml:"delay"` // seconds
	ColorMin       float64 `yaml:"color_min"`
	ColorMax       float64 `yaml:"color_max"`
}

func (c *Config) validate() error {
	if c.Gateway.Broker == "" {
		return fmt.Errorf("gateway.broker is required")
	}
	if _, err := time.ParseDuration(c.Gateway.Timeout); err != nil {
		return fmt.Errorf("gateway.timeout: %w", err)
	}
	if d, err := time.ParseDuration(c.RefreshDelay); err != nil {
		return fmt.Errorf("refresh_delay: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("refresh_delay must be positive, got %s", d)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	seen := make(map[uint8]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == 0 || n.ID > 232 {
			return fmt.Errorf("nodes[%d]: id must be 1-232, got %d", i, n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("nodes[%d]: duplicate id %d", i, n.ID)
		}
		seen[n.ID] = true
		for _, cc := range n.CommandClasses {
			if cc < 0 || cc > 0xFF {
				return fmt.Errorf("node %d: command class %d out of range", n.ID, cc)
			}
		}
		if n.Delay < 0 {
			return fmt.Errorf("node %d: delay must not be negative", n.ID)
		}
		if n.ColorMin != 0 && n.ColorMax != 0 && n.ColorMin >= n.ColorMax {
			return fmt.Errorf("node %d: color_min must be below color_max", n.ID)
		}
		if n.ManufacturerID != "" {
			if _, ok := light.ParseDeviceID(n.ManufacturerID); !ok {
				return fmt.Errorf("node %d: invalid manufacturer_id %q", n.ID, n.ManufacturerID)
			}
		}
	}
	return nil
}

func (c *Config) gatewayTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Gateway.Timeout)
	return d
}

func (c *Config) refreshDelay() time.Duration {
	d, _ := time.ParseDuration(c.RefreshDelay)
	return d
}

// storeNodes converts the configured nodes for the inventory.
func (c *Config) storeNodes() []store.Node {
	nodes := make([]store.Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		nodes = append(nodes, store.Node{
			ID:             n.ID,
			Name:           strings.TrimSpace(n.Name),
			ManufacturerID: n.ManufacturerID,
			ProductID:      n.ProductID,
			CommandClasses: n.CommandClasses,
			Refresh:        n.Refresh,
			DelaySeconds:   n.Delay,
			ColorMin:       n.ColorMin,
			ColorMax:       n.ColorMax,
		})
	}
	return nodes
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Gateway.Topic == "" {
		cfg.Gateway.Topic = "zwave"
	}
	if cfg.Gateway.Timeout == "" {
		cfg.Gateway.Timeout = "5s"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zwave-home.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.RefreshDelay == "" {
		cfg.RefreshDelay = "5s"
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = cfg.Gateway.Broker
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zwave2mqtt"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}
