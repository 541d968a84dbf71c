// Package integration provides a reusable test harness for end-to-end
// integration testing of the pmisflow server. It starts a full HTTP server
// with in-memory stores, the autostart consumer and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/pmisflow/internal/autostart"
	"github.com/pitabwire/pmisflow/internal/config"
	"github.com/pitabwire/pmisflow/internal/definition"
	"github.com/pitabwire/pmisflow/internal/idempotency"
	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/internal/openapi"
	"github.com/pitabwire/pmisflow/internal/transport"
	"github.com/pitabwire/pmisflow/internal/workflow"
)

// TestHarness encapsulates a fully wired pmisflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry         *definition.Registry
	APIDoc           *openapi.Index
	WorkflowStore    *workflow.MemoryWorkflowStore
	Engine           *workflow.Engine
	IdempotencyStore *idempotency.MemoryStore
	Source           *autostart.ChannelSource

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs     []string
	idempotencyEnabled bool
	autostartEnabled   bool
	handlerTimeout     time.Duration
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithIdempotency enables idempotency checking with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithAutostart enables the submission endpoint and runs a consumer over an
// in-process channel.
func WithAutostart() HarnessOption {
	return func(c *harnessConfig) {
		c.autostartEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full test instance. The server and
// background consumer are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	h := &TestHarness{t: t}

	// Step 1: Load the API description.
	doc, err := openapi.Load()
	if err != nil {
		t.Fatalf("load API description: %v", err)
	}
	h.APIDoc = doc

	// Step 2: Load and validate definitions.
	defs, err := definition.LoadValidated(definition.NewLoader(), definition.NewValidator(), hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 3: Build in-memory stores and the engine.
	h.WorkflowStore = workflow.NewMemoryWorkflowStore()
	h.IdempotencyStore = idempotency.NewMemoryStore()
	h.Engine = workflow.NewEngine(h.Registry, h.WorkflowStore, workflow.WithLogger(logger))

	// Step 4: Start the autostart consumer.
	var publisher autostart.Publisher
	if hc.autostartEnabled {
		h.Source = autostart.NewChannelSource(16)
		publisher = h.Source

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		consumer := autostart.NewConsumer(h.Source, h.Engine, logger, nil)
		go func() {
			defer close(done)
			_ = consumer.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			h.Source.Close()
			<-done
		})
	}

	// Step 5: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 6: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type",
			"X-Correlation-Id", "X-Idempotency-Key"},
		MaxAge: 86400,
	}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Idempotency.Enabled = hc.idempotencyEnabled
	h.cfg.Observability.Metrics.Enabled = false

	// Step 7: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)
	jwks.SetLogger(logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Idempotency:  h.IdempotencyStore,
		Publisher:    publisher,
		APIDoc:       h.APIDoc,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.TemplateCount() > 0 },
			APIDocLoaded:      func() bool { return len(h.APIDoc.OperationIDs()) > 0 },
		},
		Logger: logger,
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	resp.Body.Close()
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// ClerkClaims returns TestClaims for the clerk who submits bills.
func ClerkClaims() TestClaims {
	return TestClaims{
		SubjectID: "clerk-01",
		Email:     "clerk@pwd.example.gov",
		Role:      "CLERK",
	}
}

// AEClaims returns TestClaims for an Assistant Engineer.
func AEClaims() TestClaims {
	return TestClaims{
		SubjectID: "ae-verma",
		Email:     "ae.verma@pwd.example.gov",
		Role:      "AE",
	}
}

// EEClaims returns TestClaims for an Executive Engineer.
func EEClaims() TestClaims {
	return TestClaims{
		SubjectID: "ee-sharma",
		Email:     "ee.sharma@pwd.example.gov",
		Role:      "EE",
	}
}

// SEClaims returns TestClaims for the Superintending Engineer who holds a
// CE delegation for RA bills.
func SEClaims() TestClaims {
	return TestClaims{
		SubjectID: "se-iyer",
		Email:     "se.iyer@pwd.example.gov",
		Role:      "SE",
	}
}

// CEClaims returns TestClaims for the Chief Engineer.
func CEClaims() TestClaims {
	return TestClaims{
		SubjectID: "ce-rao",
		Email:     "ce.rao@pwd.example.gov",
		Role:      "CE",
	}
}

// AdminClaims returns TestClaims for a superuser without a role.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "admin",
		Email:     "admin@pwd.example.gov",
		Superuser: true,
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// BillFixture returns a submission body for an RA bill of the given amount.
func BillFixture(id string, amount float64) map[string]any {
	return map[string]any{
		"entity_type": "RABill",
		"entity_id":   id,
		"entity": map[string]any{
			"bill_no": "RA-" + id,
			"amount":  amount,
		},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
