package ftpcluster

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Default values applied by Config.Normalize.
const (
	DefaultPort     = 21
	DefaultUser     = "anonymous"
	DefaultPassword = "@anonymous"
)

// Config is the validated connection record handed to a Conn.
type Config struct {
	// Host is the server hostname or IP address. Required.
	Host string

	// Port is the control channel port (default 21).
	Port int

	// User is the login name (default "anonymous").
	User string

	// Pass is the login password (default "@anonymous").
	Pass string
}

// Normalize returns a copy of the config with defaults applied to the
// fields that were left empty.
func (c Config) Normalize() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	// A named user may legitimately have an empty password.
	if c.Pass == "" && c.User == DefaultUser {
		c.Pass = DefaultPassword
	}
	return c
}

// Validate reports whether the config can be used to dial a server.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("ftpcluster: no host specified")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ftpcluster: invalid port %d", c.Port)
	}
	return nil
}

// Addr returns the control channel address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
