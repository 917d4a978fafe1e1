// Package localhttp implements the Local HTTP Backend: a plain download
// server rooted at CacheDir, routed with chi down to the handful of routes
// this backend actually needs.
package localhttp

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/picoCTF/cmgr-artifact-server/pkg/backend"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/extractor"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
	"github.com/picoCTF/cmgr-artifact-server/pkg/watch"
)

// DefaultAddr is used when the "addr" backend option is not supplied.
const DefaultAddr = "0.0.0.0:4201"

// Backend serves CacheDir over plain HTTP.
type Backend struct {
	addr   string
	logger *logging.Logger
}

// New validates options and constructs a Backend. The only recognized
// option is "addr" (host:port); it is optional.
func New(options backend.Options) (backend.Backend, error) {
	addr := options["addr"]
	if addr == "" {
		addr = DefaultAddr
	}
	return &Backend{
		addr:   addr,
		logger: logging.RootLogger.Sublogger("localhttp"),
	}, nil
}

// Run serves cacheDir over HTTP until events closes.
func (b *Backend) Run(cacheDir string, events <-chan watch.BuildEvent) error {
	router := chi.NewRouter()
	router.Get("/health", healthHandler)
	router.Get("/*", b.fileHandler(cacheDir))

	server := &http.Server{
		Addr:    b.addr,
		Handler: loggingMiddleware(b.logger, router),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	// The filesystem content served here is already authoritative after
	// Cache Manager actions, so events are drained but otherwise ignored.
	go func() {
		for range events {
		}
		server.Close()
	}()

	b.logger.Infof("local HTTP backend listening on %s", b.addr)

	if err := <-serveErr; err != nil && err != http.ErrServerClosed {
		return cmgrerrors.NewIOError(errors.Wrap(err, "HTTP server"))
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// fileHandler resolves the request path against cacheDir, rejecting
// sentinel files and annotating successful downloads as attachments.
func (b *Backend) fileHandler(cacheDir string) http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(cacheDir))
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, extractor.SentinelName) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fileServer.ServeHTTP(&attachmentResponseWriter{ResponseWriter: w}, r)
	}
}

// attachmentResponseWriter adds Content-Disposition: attachment only when
// the wrapped handler answers with 200; every other status code is passed
// through untouched.
type attachmentResponseWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *attachmentResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if status == http.StatusOK {
			w.Header().Set("Content-Disposition", "attachment")
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

// Write forces an implicit 200 through WriteHeader before delegating, the
// same way net/http's own response.Write behaves. Without this override,
// http.FileServer's directory-listing path writes its body directly via
// the embedded ResponseWriter without ever calling WriteHeader, bypassing
// the Content-Disposition logic above.
func (w *attachmentResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

// statusCapturingWriter records the status code written by a downstream
// handler, for request logging.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware emits one line per completed request containing the
// request URI and numeric response status, per the spec's request-logging
// requirement. It sees only requests that reach a handler; connection-level
// failures are logged by net/http's server and do not stop it.
func loggingMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		capture := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		logger.Infof("[%s] %s %s -> %s (%s)", requestID, r.Method, r.RequestURI, strconv.Itoa(capture.status), time.Since(start))
	})
}
