package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"casvault/internal/cas"
)

const (
	apiTokenEnvKey         = "CASVAULT_API_TOKEN"
	allowRemoteEnvKey      = "CASVAULT_ALLOW_REMOTE"
	readHeaderTimeout      = 5 * time.Second
	readTimeout            = 0 // uploads are bounded by size, not time
	writeTimeout           = 0 // downloads stream for as long as they need
	idleTimeout            = 60 * time.Second
	shutdownTimeout        = 10 * time.Second
	uploadConcurrencyLimit = 8
	adminConcurrencyLimit  = 1

	defaultMaxUploadBytes int64 = 1 << 30

	adminAuthMaxFailures = 5
	adminAuthWindow      = time.Minute
	adminAuthBlockedFor  = 5 * time.Minute
)

// Options configures a Server.
type Options struct {
	Logger         *slog.Logger
	MaxUploadBytes int64
	// AdminTokenHash is a bcrypt hash; when set, admin routes require the
	// matching token in X-Admin-Token.
	AdminTokenHash string
	Maintenance    MaintenanceOptions
}

// Server wraps HTTP handlers for the casvault API.
type Server struct {
	addr           string
	cas            *cas.Service
	logger         *slog.Logger
	apiToken       string
	adminTokenHash string
	maxUploadBytes int64
	maintenance    MaintenanceOptions
	authLimiter    *authRateLimiter
	uploadLimiter  chan struct{}
	adminLimiter   chan struct{}
}

// New creates a new server instance.
func New(addr string, svc *cas.Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	return &Server{
		addr:           addr,
		cas:            svc,
		logger:         logger,
		apiToken:       strings.TrimSpace(os.Getenv(apiTokenEnvKey)),
		adminTokenHash: strings.TrimSpace(opts.AdminTokenHash),
		maxUploadBytes: maxUpload,
		maintenance:    opts.Maintenance,
		authLimiter:    newAuthRateLimiter(adminAuthMaxFailures, adminAuthWindow, adminAuthBlockedFor),
		uploadLimiter:  make(chan struct{}, uploadConcurrencyLimit),
		adminLimiter:   make(chan struct{}, adminConcurrencyLimit),
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. The
// periodic maintenance loop runs alongside when configured.
func (s *Server) Run(ctx context.Context) error {
	s.log().Info("starting server", "addr", s.addr, "root", s.cas.Root())
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	maintenanceCtx, stopMaintenance := context.WithCancel(ctx)
	defer stopMaintenance()
	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		runMaintenance(maintenanceCtx, s.cas, s.maintenance, s.log())
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		s.log().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		err = server.Shutdown(shutdownCtx)
		cancel()
	}
	stopMaintenance()
	<-maintenanceDone

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAddr converts a base API URL into a listen address.
func ListenAddr(apiURL string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("api url is required")
	}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(apiURL)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return apiURL, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) acquireLimiter(limiter chan struct{}, w http.ResponseWriter, r *http.Request, name string) bool {
	if limiter == nil {
		return true
	}
	select {
	case limiter <- struct{}{}:
		return true
	default:
		err := apiError{
			status:  http.StatusTooManyRequests,
			code:    "resource_exhausted",
			errCode: ErrCodeResourceExhausted,
			err:     fmt.Errorf("too many concurrent %s requests", name),
		}
		s.writeErrorReq(w, r, http.StatusTooManyRequests, err)
		return false
	}
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) releaseLimiter(limiter chan struct{}) {
	if limiter == nil {
		return
	}
	select {
	case <-limiter:
	default:
	}
}
