package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"testing"

	"github.com/ayush-codes-ar/veloNode/internal/build"
	"github.com/ayush-codes-ar/veloNode/internal/config"
	"github.com/ayush-codes-ar/veloNode/internal/db"
	"github.com/ayush-codes-ar/veloNode/internal/engine"
	"github.com/ayush-codes-ar/veloNode/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// stubRunner stands in for the container build tool.
type stubRunner struct {
	fail bool
}

func (s stubRunner) LookPath(name string) (string, error) { return "/usr/bin/" + name, nil }

func (s stubRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	if s.fail {
		return "boom", errors.New("exit status 1")
	}
	return "ok", nil
}

func newTestServer(t *testing.T, runner build.Runner) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.AllowActorHeader = true
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	pipeline := build.New(cfg)
	pipeline.Workdir = t.TempDir()
	if runner != nil {
		pipeline.Runner = runner
	}
	handler, err := New(Config{
		Engine:   e,
		Build:    pipeline,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:        cfg.Auth.JWTSecret,
			AllowActorHeader: cfg.Auth.AllowActorHeader,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(identity string) map[string]string {
	return map[string]string{"X-Actor-Id": identity}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", string(data), err)
	}
	return env
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("error code %q, want unauthorized", env.Error.Code)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/accounts", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register alice: %d %s", res.StatusCode, string(data))
	}
	var alice AccountResponse
	if err := json.Unmarshal(data, &alice); err != nil {
		t.Fatal(err)
	}
	if alice.Balance != 1000 {
		t.Fatalf("starting balance %d, want 1000", alice.Balance)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/accounts", nil, asActor("bob"))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", CreateJobRequest{
		Image:      "velonode/jobs:abc",
		InputHash:  "in-1",
		VRAM:       8,
		Bounty:     150,
		GoldenHash: "golden",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %s", res.StatusCode, string(data))
	}
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != "OPEN" || !job.Verified {
		t.Fatalf("new job status=%s verified=%v", job.Status, job.Verified)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs?status=OPEN", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs: %d %s", res.StatusCode, string(data))
	}
	var open []JobResponse
	if err := json.Unmarshal(data, &open); err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != job.ID {
		t.Fatalf("open listing = %+v", open)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/claim", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/claim", nil, asActor("carol"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/heartbeat", HeartbeatRequest{GPUUsage: 90, Step: 10}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/result", SubmitResultRequest{ResultHash: "golden"}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var settled JobResponse
	if err := json.Unmarshal(data, &settled); err != nil {
		t.Fatal(err)
	}
	if settled.Status != "COMPLETED" {
		t.Fatalf("settled status %s, want COMPLETED", settled.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/accounts/bob", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get bob: %d %s", res.StatusCode, string(data))
	}
	var bob AccountResponse
	if err := json.Unmarshal(data, &bob); err != nil {
		t.Fatal(err)
	}
	if bob.Balance != 1150 {
		t.Fatalf("worker balance %d, want 1150", bob.Balance)
	}
}

func TestManualApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/accounts", nil, asActor("alice"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/accounts", nil, asActor("bob"))

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", CreateJobRequest{
		Image: "img", Bounty: 100,
	}, asActor("alice"))
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatal(err)
	}
	if job.Verified {
		t.Fatalf("job without expected hash reported verified")
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/claim", nil, asActor("bob"))
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/result", SubmitResultRequest{ResultHash: "res"}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var parked JobResponse
	if err := json.Unmarshal(data, &parked); err != nil {
		t.Fatal(err)
	}
	if parked.Status != "VERIFYING" {
		t.Fatalf("status %s, want VERIFYING", parked.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/approve", nil, asActor("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("approve by worker: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/approve", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved JobResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatal(err)
	}
	if approved.Status != "COMPLETED" {
		t.Fatalf("approved status %s", approved.Status)
	}
}

func TestCreateJobInsufficientFunds(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/accounts", nil, asActor("alice"))
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", CreateJobRequest{
		Image: "img", Bounty: 5000,
	}, asActor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "insufficient_funds" {
		t.Fatalf("error code %q, want insufficient_funds", env.Error.Code)
	}
}

func TestBearerTokenFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/token", TokenRequest{Identity: "carol"}, asActor("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue token: %d %s", res.StatusCode, string(data))
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/accounts", nil, map[string]string{
		"Authorization": "Bearer " + tok.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register via bearer: %d %s", res.StatusCode, string(data))
	}
	var acc AccountResponse
	if err := json.Unmarshal(data, &acc); err != nil {
		t.Fatal(err)
	}
	if acc.Identity != "carol" {
		t.Fatalf("identity %q, want carol", acc.Identity)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}
}

func tarGzBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func doBuildUpload(t *testing.T, srv *testServer, code []byte, fields map[string]string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if code != nil {
		part, err := mw.CreateFormFile("code", "code.tar.gz")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(code); err != nil {
			t.Fatal(err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/builds", &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, data
}

func TestBuildUpload(t *testing.T) {
	srv, cleanup := newTestServer(t, stubRunner{})
	defer cleanup()

	code := tarGzBytes(t, map[string]string{"main.py": "print('hi')"})
	res, data := doBuildUpload(t, srv, code, nil, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("build status %d: %s", res.StatusCode, string(data))
	}
	var out BuildResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.BuildID == "" || out.Image == "" {
		t.Fatalf("incomplete build response: %+v", out)
	}
}

func TestBuildUploadRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, stubRunner{})
	defer cleanup()
	code := tarGzBytes(t, map[string]string{"main.py": "pass"})
	res, data := doBuildUpload(t, srv, code, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
}

func TestBuildUploadRejectsTraversal(t *testing.T) {
	srv, cleanup := newTestServer(t, stubRunner{})
	defer cleanup()
	code := tarGzBytes(t, map[string]string{"../../etc/cron.d/x": "boom"})
	res, data := doBuildUpload(t, srv, code, nil, asActor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "unsafe_archive_entry" {
		t.Fatalf("error code %q, want unsafe_archive_entry", env.Error.Code)
	}
}

func TestBuildUploadMissingCode(t *testing.T) {
	srv, cleanup := newTestServer(t, stubRunner{})
	defer cleanup()
	res, data := doBuildUpload(t, srv, nil, map[string]string{"entry_file": "main.py"}, asActor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", res.StatusCode, string(data))
	}
}

func TestBuildUploadToolFailure(t *testing.T) {
	srv, cleanup := newTestServer(t, stubRunner{fail: true})
	defer cleanup()
	code := tarGzBytes(t, map[string]string{"main.py": "pass"})
	res, data := doBuildUpload(t, srv, code, nil, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "build_failed" {
		t.Fatalf("error code %q, want build_failed", env.Error.Code)
	}
}
