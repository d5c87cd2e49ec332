package client

import (
	"net/http"
	"time"

	"kptv-failover/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set probe headers
type HeaderSettingClient struct {
	Client      *http.Client
	userAgent   string
	reqOrigin   string
	reqReferrer string
}

// Doer is the part of an HTTP client the prober needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CustomResponseWriter wraps http.ResponseWriter to track headers and implement Flusher
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

// NewHeaderSettingClient builds the probe client. Probes are short and carry
// their own context deadlines, so only connection setup is bounded here.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // per-request contexts bound each probe
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 10 * time.Second,
		},
		// follow redirects, but never loop forever on a misconfigured CDN
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &HeaderSettingClient{
		Client:      client,
		userAgent:   cfg.UserAgent,
		reqOrigin:   cfg.ReqOrigin,
		reqReferrer: cfg.ReqReferrer,
	}
}

// Wrap puts the header behavior around an existing client (tests use this
// with httptest clients).
func Wrap(c *http.Client, cfg *config.Config) *HeaderSettingClient {
	return &HeaderSettingClient{
		Client:      c,
		userAgent:   cfg.UserAgent,
		reqOrigin:   cfg.ReqOrigin,
		reqReferrer: cfg.ReqReferrer,
	}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if hsc.userAgent != "" {
		req.Header.Set("User-Agent", hsc.userAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.reqOrigin != "" {
		req.Header.Set("Origin", hsc.reqOrigin)
	}
	if hsc.reqReferrer != "" {
		req.Header.Set("Referer", hsc.reqReferrer)
	}
}

// CustomResponseWriter implementation
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	crw.Header().Set("Cache-Control", "no-cache")
	crw.Header().Set("X-Content-Type-Options", "nosniff")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// StatusCode returns the status written so far, 0 if none
func (crw *CustomResponseWriter) StatusCode() int {
	return crw.statusCode
}

// Implement http.Flusher interface
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
