package mongo

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

const (
	schemeStandard = "mongodb"
	schemeSRV      = "mongodb+srv"
)

var (
	ErrInvalidScheme        = errors.New("mongo uri scheme must be mongodb or mongodb+srv")
	ErrEmptyHost            = errors.New("mongo uri host is required")
	ErrInvalidPort          = errors.New("mongo uri port is invalid")
	ErrPortNotAllowedForSRV = errors.New("mongodb+srv uri cannot carry a port")
	ErrPasswordWithoutUser  = errors.New("mongo uri password requires a username")
)

// URIConfig holds the discrete parts of a MongoDB connection URI.
type URIConfig struct {
	Scheme   string
	Username string
	Password string
	Host     string
	Port     string
	Database string
	Query    url.Values
}

// BuildURI assembles a connection URI from cfg, escaping credentials and the
// database name. An empty Scheme means mongodb.
func BuildURI(cfg URIConfig) (string, error) {
	scheme := strings.TrimSpace(cfg.Scheme)
	if scheme == "" {
		scheme = schemeStandard
	}

	host := strings.TrimSpace(cfg.Host)
	port := strings.TrimSpace(cfg.Port)

	switch {
	case scheme != schemeStandard && scheme != schemeSRV:
		return "", ErrInvalidScheme
	case host == "":
		return "", ErrEmptyHost
	case cfg.Username == "" && cfg.Password != "":
		return "", ErrPasswordWithoutUser
	case scheme == schemeSRV && port != "":
		return "", ErrPortNotAllowedForSRV
	}

	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return "", ErrInvalidPort
		}

		host += ":" + port
	}

	u := url.URL{Scheme: scheme, Host: host, Path: "/"}

	if database := strings.TrimSpace(cfg.Database); database != "" {
		u.Path += database
	}

	switch {
	case cfg.Username != "" && cfg.Password != "":
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	case cfg.Username != "":
		u.User = url.User(cfg.Username)
	}

	if len(cfg.Query) > 0 {
		u.RawQuery = cfg.Query.Encode()
	}

	return u.String(), nil
}
