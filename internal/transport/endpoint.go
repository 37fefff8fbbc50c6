package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jumpserver/webterm/internal/model"
)

// DefaultPath is the terminal resource path served by the web console.
const DefaultPath = "/terminal"

// EndpointOptions controls how a page URL is mapped to a terminal endpoint.
type EndpointOptions struct {
	// Path is appended to the page origin. Defaults to DefaultPath.
	Path string `mapstructure:"path"`
	// Port, when non-zero, replaces the page's port.
	Port int `mapstructure:"port"`
	// ForwardQuery copies the page's query string onto the endpoint.
	ForwardQuery bool `mapstructure:"forwardQuery"`
}

// ResolveEndpoint derives the WebSocket endpoint for the page at pageURL.
// Secure pages (https) map to wss, plain pages (http) to ws. Pages that are
// already ws/wss URLs keep their scheme. Any other scheme fails with
// model.ErrUnsupportedTransport without any connection attempt.
func ResolveEndpoint(pageURL string, opts EndpointOptions) (string, error) {
	page, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return "", fmt.Errorf("%w: parse page url: %v", model.ErrUnsupportedTransport, err)
	}

	var scheme string
	switch strings.ToLower(page.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("%w: page scheme %q", model.ErrUnsupportedTransport, page.Scheme)
	}

	if page.Hostname() == "" {
		return "", fmt.Errorf("%w: page url %q has no host", model.ErrUnsupportedTransport, pageURL)
	}

	host := page.Host
	if opts.Port != 0 {
		if opts.Port < 0 || opts.Port > 65535 {
			return "", fmt.Errorf("%w: port %d out of range", model.ErrUnsupportedTransport, opts.Port)
		}
		host = net.JoinHostPort(page.Hostname(), strconv.Itoa(opts.Port))
	}

	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	endpoint := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   path,
	}
	if opts.ForwardQuery {
		endpoint.RawQuery = page.RawQuery
	}

	return endpoint.String(), nil
}
