package api

import (
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/pixvault/pixvault/internal/store"
)

var localImagePathRe = regexp.MustCompile(`^/(?:api/)?images/([^/]+)/([^/]+)$`)

// tryServeLocal short-circuits fetch requests whose URL points back at
// this service: instead of dialing ourselves, the stored file is read
// directly. Returns ok=false whenever the URL is not recognizably local
// or the image does not exist.
func (s *Server) tryServeLocal(r *http.Request, rawURL string) ([]byte, string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", false
	}
	if u.Hostname() != "" && !s.isOwnOrigin(r, u) {
		return nil, "", false
	}
	m := localImagePathRe.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, "", false
	}
	namespace, imageID := m[1], m[2]
	if store.ValidateSegment(namespace) != nil || store.ValidateSegment(imageID) != nil {
		return nil, "", false
	}
	path, mediaType, err := s.store.Resolve(namespace, imageID)
	if err != nil {
		return nil, "", false
	}
	data, err := os.ReadFile(path) //nolint:gosec // path built by the store, segments validated
	if err != nil {
		s.logger.Warn("local image unreadable", zap.String("path", path), zap.Error(err))
		return nil, "", false
	}
	return data, mediaType, true
}

// isOwnOrigin reports whether u addresses this service: same hostname,
// compatible scheme, and the same effective port as the incoming request.
func (s *Server) isOwnOrigin(r *http.Request, u *url.URL) bool {
	ownHost, ownPort := splitHostPort(r.Host, requestScheme(r))
	if !strings.EqualFold(u.Hostname(), ownHost) {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "" && scheme != requestScheme(r) {
		return false
	}
	_, urlPort := splitHostPort(u.Host, scheme)
	return urlPort == ownPort
}

// splitHostPort separates host:port, substituting the scheme default when
// no port is present.
func splitHostPort(hostport, scheme string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port
}
