package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"github.com/kursadbilgin/clinic-dispatch/internal/repository"
	"github.com/kursadbilgin/clinic-dispatch/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestNotificationIntegration_CreateNotification(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
			if err := n.Validate(); err != nil {
				return nil, err
			}
			n.ID = "n-created"
			n.Status = domain.StatusPending
			return n, nil
		},
	}

	app := newNotificationTestApp(t, svc)

	validBody := `{"clinicId":"clinic-a","channel":"WhatsApp","recipient":"+905551112233","templateName":"appointment_reminder","variables":{"time":"14:30"}}`
	resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications", validBody)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(body))
	}
	var created map[string]any
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if created["id"] != "n-created" || created["status"] != "pending" || created["channel"] != "whatsapp" {
		t.Fatalf("created = %v", created)
	}
	if vars, _ := created["variables"].(map[string]any); vars["time"] != "14:30" {
		t.Fatalf("variables = %v", created["variables"])
	}

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{`},
		{name: "unknown channel", body: `{"clinicId":"clinic-a","channel":"fax","recipient":"+905551112233","templateName":"t"}`},
		{name: "missing recipient", body: `{"clinicId":"clinic-a","channel":"sms","recipient":"","templateName":"t"}`},
		{name: "missing clinic", body: `{"channel":"sms","recipient":"+905551112233","templateName":"t"}`},
	}
	for _, tt := range tests {
		resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications", tt.body)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400, body=%s", tt.name, resp.StatusCode, string(body))
		}
	}
}

func TestNotificationIntegration_CreateConflict(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
			return nil, domain.ErrConflict
		},
	}
	app := newNotificationTestApp(t, svc)

	body := `{"id":"7d5c3b1e-3c1a-4a59-9a59-1f1f8e1f7a10","clinicId":"clinic-a","channel":"sms","recipient":"+905551112233","templateName":"t"}`
	resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications", body)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestNotificationIntegration_GetNotification(t *testing.T) {
	t.Parallel()

	lastError := "rejected: template not approved"
	svc := &stubNotificationService{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			if id != "n-1" {
				return nil, domain.ErrNotFound
			}
			return &domain.Notification{
				ID:           "n-1",
				ClinicID:     "clinic-a",
				Channel:      domain.ChannelSMS,
				Recipient:    "+905551112233",
				TemplateName: "reminder",
				Status:       domain.StatusPending,
				Attempts:     1,
				LastError:    &lastError,
			}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/n-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["lastError"] != lastError || parsed["attempts"] != float64(1) {
		t.Fatalf("response = %v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationIntegration_ListNotifications(t *testing.T) {
	t.Parallel()

	var captured repository.ListParams
	svc := &stubNotificationService{
		listFn: func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
			captured = params
			return []domain.Notification{{ID: "n-1", Channel: domain.ChannelEmail, Status: domain.StatusFailed}}, 7, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications?clinicId=clinic-a&status=FAILED&channel=email&page=2&pageSize=5", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if captured.ClinicID != "clinic-a" || captured.Page != 2 || captured.PageSize != 5 {
		t.Fatalf("params = %+v", captured)
	}
	if captured.Status == nil || *captured.Status != domain.StatusFailed {
		t.Fatalf("status filter = %v", captured.Status)
	}
	if captured.Channel == nil || *captured.Channel != domain.ChannelEmail {
		t.Fatalf("channel filter = %v", captured.Channel)
	}

	var parsed listNotificationsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Data) != 1 || parsed.Meta.Total != 7 || parsed.Meta.Page != 2 {
		t.Fatalf("response = %+v", parsed)
	}

	for _, query := range []string{"page=0", "pageSize=101", "status=queued", "channel=fax"} {
		resp, _ := performRequest(t, app, http.MethodGet, "/v1/notifications?"+query, "")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", query, resp.StatusCode)
		}
	}
}

func TestNotificationIntegration_ListAttempts(t *testing.T) {
	t.Parallel()

	code := 503
	reason := "provider error: status=503: gateway down"
	svc := &stubNotificationService{
		attemptsFn: func(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
			if id != "n-1" {
				return nil, domain.ErrNotFound
			}
			return []domain.DeliveryAttempt{
				{ID: "a-1", NotificationID: "n-1", AttemptNumber: 1, Outcome: domain.AttemptError, StatusCode: &code, Error: &reason},
			}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/n-1/attempts", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var parsed listAttemptsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.NotificationID != "n-1" || len(parsed.Data) != 1 {
		t.Fatalf("response = %+v", parsed)
	}
	if got := parsed.Data[0]; got.Outcome != "error" || got.StatusCode == nil || *got.StatusCode != 503 {
		t.Fatalf("attempt = %+v", got)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications/other/attempts", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestToHTTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: domain.ErrValidation, want: fiber.StatusBadRequest},
		{err: domain.ErrNotFound, want: fiber.StatusNotFound},
		{err: domain.ErrConflict, want: fiber.StatusConflict},
		{err: domain.ErrStoreUnavailable, want: fiber.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		var fiberErr *fiber.Error
		if !errors.As(toHTTPError(tt.err), &fiberErr) || fiberErr.Code != tt.want {
			t.Fatalf("toHTTPError(%v) = %v, want %d", tt.err, toHTTPError(tt.err), tt.want)
		}
	}

	plain := errors.New("boom")
	if toHTTPError(plain) != plain {
		t.Fatal("unknown errors should pass through")
	}
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app)

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, PostgresCheck(sqlDB), RedisCheck(rdb), RabbitMQCheck(stubPinger{}))

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}

		var parsed struct {
			Checks map[string]string `json:"checks"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		for _, name := range []string{"postgres", "redis", "rabbitmq"} {
			if parsed.Checks[name] != "ok" {
				t.Fatalf("check %s = %q, want ok", name, parsed.Checks[name])
			}
		}
	})

	t.Run("readyz returns 503 when a dependency is down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{pingErr: errors.New("postgres down")})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, PostgresCheck(sqlDB), RedisCheck(rdb), RabbitMQCheck(stubPinger{err: errors.New("closed")}))

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"rabbitmq":"down"`) || !strings.Contains(string(body), `"redis":"ok"`) {
			t.Fatalf("body = %s", string(body))
		}
	})
}

type stubNotificationService struct {
	createFn   func(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	getByIDFn  func(ctx context.Context, id string) (*domain.Notification, error)
	listFn     func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	attemptsFn func(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
}

func (s *stubNotificationService) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	if s.createFn != nil {
		return s.createFn(ctx, n)
	}
	return n, nil
}

func (s *stubNotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationService) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubNotificationService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if s.attemptsFn != nil {
		return s.attemptsFn(ctx, id)
	}
	return nil, nil
}

func newNotificationTestApp(t *testing.T, svc NotificationService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterNotificationRoutes(app, svc); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()
	return performRequestWithHeaders(t, app, method, path, body, nil)
}

func performRequestWithHeaders(t *testing.T, app *fiber.App, method string, path string, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
