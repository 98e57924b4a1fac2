package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/parcels/{id}")
	req := httptest.NewRequest(http.MethodGet, "/parcels/01H", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `landledger_http_requests_total{code="418",route="/parcels/{id}"} 1`)
	require.Contains(t, body, `landledger_http_request_duration_seconds_bucket{route="/parcels/{id}"`)
}

func TestRegistryInterceptorsRecordCodes(t *testing.T) {
	metrics := NewMetrics()

	client := metrics.UnaryClientInterceptor()
	err := client(context.Background(), "/landledger.registry.v1.Registry/GetParcel", nil, nil, nil,
		func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
			return status.Error(codes.NotFound, "missing")
		})
	require.Equal(t, codes.NotFound, status.Code(err))

	server := metrics.UnaryServerInterceptor()
	_, err = server(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/landledger.registry.v1.Registry/ApproveTransfer"},
		func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)

	body := scrape(t, metrics)
	require.Contains(t, body, `landledger_registry_calls_total{code="NotFound",method="GetParcel",side="client"} 1`)
	require.Contains(t, body, `landledger_registry_calls_total{code="OK",method="ApproveTransfer",side="server"} 1`)
}

func TestNilMetricsIsInert(t *testing.T) {
	var metrics *Metrics
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rr := httptest.NewRecorder()
	metrics.Middleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
