package types

import "fmt"

// ServerType distinguishes authentication servers from world servers
type ServerType string

const (
	ServerTypeAuth  ServerType = "auth"
	ServerTypeWorld ServerType = "world"
)

// TunnelConfig is one configured port forward of a server
type TunnelConfig struct {
	LocalPort  int    `json:"localPort" yaml:"localPort" mapstructure:"localPort" validate:"required,min=1,max=65535"`
	RemotePort int    `json:"remotePort" yaml:"remotePort" mapstructure:"remotePort" validate:"required,min=1,max=65535"`
	Name       string `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
}

// ServerConfig is one configured server. Name doubles as the server id.
type ServerConfig struct {
	Name       string         `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Host       string         `json:"host" yaml:"host" mapstructure:"host" validate:"required,hostname|ip_addr"`
	ServerType ServerType     `json:"serverType" yaml:"serverType" mapstructure:"serverType" validate:"required,servertype"`
	Tunnels    []TunnelConfig `json:"tunnels" yaml:"tunnels" mapstructure:"tunnels" validate:"required,min=1,dive"`
}

// CheckPorts reports tunnel ports outside the TCP port range. Local port 0
// is accepted and means an ephemeral port.
func (s ServerConfig) CheckPorts() error {
	for i, t := range s.Tunnels {
		if t.LocalPort < 0 || t.LocalPort > maxPort {
			return fmt.Errorf("tunnel %d: localPort %d is out of range", i, t.LocalPort)
		}
		if t.RemotePort < 1 || t.RemotePort > maxPort {
			return fmt.Errorf("tunnel %d: remotePort %d is out of range", i, t.RemotePort)
		}
	}
	return nil
}

const maxPort = 65535

// AppConfig is the whole configuration file
type AppConfig struct {
	Version     int            `json:"version" yaml:"version" mapstructure:"version"`
	AutoConnect *bool          `json:"autoConnect,omitempty" yaml:"autoConnect,omitempty" mapstructure:"autoConnect"`
	Servers     []ServerConfig `json:"servers" yaml:"servers" mapstructure:"servers"`
}

// AutoConnectEnabled reports the effective auto-connect flag
func (c *AppConfig) AutoConnectEnabled() bool {
	return c.AutoConnect != nil && *c.AutoConnect
}

// Server looks up a server by name
func (c *AppConfig) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}
