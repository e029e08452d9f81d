package services

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediation/internal/api"
	"github.com/miradorstack/mirador-remediation/internal/cache"
	"github.com/miradorstack/mirador-remediation/internal/config"
	"github.com/miradorstack/mirador-remediation/internal/incident"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/store"
)

type proposingDiagnoser struct{}

func (proposingDiagnoser) Diagnose(context.Context, models.Incident) (models.Diagnosis, error) {
	return models.Diagnosis{
		Summary: "connection pool exhausted",
		Action:  &models.ProposedAction{Type: "restart", Target: "checkout"},
	}, nil
}

type okExecutor struct{}

func (okExecutor) Execute(context.Context, models.Incident, models.ProposedAction) (string, error) {
	return "restarted", nil
}

type harness struct {
	client *api.ApprovalGatewayClient
	mgr    *incident.Manager
	store  store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	guard := cache.NewExecutionGuard(cache.NewMemoryProvider(), time.Hour)
	mgr, err := incident.NewManager(st, proposingDiagnoser{}, okExecutor{}, guard, incident.Options{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(mgr.Close)

	lis := bufconn.Listen(1 << 20)
	srv := api.NewServerOnListener(config.ServerConfig{GracefulTimeout: time.Second}, lis, NewGatewayService(nil, mgr))
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{client: api.NewApprovalGatewayClient(conn), mgr: mgr, store: st}
}

func (h *harness) pending(t *testing.T) models.Incident {
	t.Helper()
	now := time.Now().UTC()
	inc, _, err := h.mgr.Trip(context.Background(), models.WindowAggregate{
		Service: "checkout", WindowStart: now.Add(-5 * time.Minute), WindowEnd: now, TotalCount: 10, ErrorCount: 6,
	})
	if err != nil {
		t.Fatalf("trip: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.store.Get(context.Background(), inc.ID)
		if err == nil && got.State == models.StatePendingApproval {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("incident %s never reached PENDING_APPROVAL", inc.ID)
	return models.Incident{}
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("new struct: %v", err)
	}
	return s
}

func TestGatewayServiceApproveOverGRPC(t *testing.T) {
	h := newHarness(t)
	inc := h.pending(t)
	ctx := context.Background()

	resp, err := h.client.Approve(ctx, request(t, map[string]any{
		"incident_id":      inc.ID,
		"actor":            "alice",
		"expected_version": inc.Version,
	}))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, err := api.FromStructIncident(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != models.StateApproved && got.State != models.StateExecuted {
		t.Fatalf("unexpected state %s", got.State)
	}
	if got.Decision == nil || got.Decision.Actor != "alice" {
		t.Fatalf("decision not recorded: %+v", got.Decision)
	}

	_, err = h.client.Reject(ctx, request(t, map[string]any{"incident_id": inc.ID, "actor": "bob"}))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition after decision, got %v", err)
	}
}

func TestGatewayServiceStatusCodes(t *testing.T) {
	h := newHarness(t)
	inc := h.pending(t)
	ctx := context.Background()

	_, err := h.client.Inspect(ctx, request(t, map[string]any{"incident_id": "missing"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	_, err = h.client.Approve(ctx, request(t, map[string]any{"incident_id": inc.ID}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for missing actor, got %v", err)
	}

	_, err = h.client.Approve(ctx, request(t, map[string]any{
		"incident_id":      inc.ID,
		"actor":            "alice",
		"expected_version": inc.Version + 7,
	}))
	if status.Code(err) != codes.Aborted {
		t.Fatalf("expected Aborted for stale version, got %v", err)
	}
}

func TestGatewayServiceInspectAndList(t *testing.T) {
	h := newHarness(t)
	inc := h.pending(t)
	ctx := context.Background()

	resp, err := h.client.Inspect(ctx, request(t, map[string]any{"incident_id": inc.ID}))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if resp.GetFields()["state"].GetStringValue() != string(models.StatePendingApproval) {
		t.Fatalf("unexpected inspect response: %v", resp)
	}

	list, err := h.client.ListSessions(ctx, request(t, map[string]any{"service": "checkout", "open_only": true}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.GetFields()["count"].GetNumberValue() != 1 {
		t.Fatalf("expected one open session, got %v", list)
	}

	_, err = h.client.ListSessions(ctx, request(t, map[string]any{"state": "RESOLVED"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for unknown state, got %v", err)
	}
}

func TestToStatusHidesStoreDetails(t *testing.T) {
	s := NewGatewayService(nil, nil)
	err := s.toStatus("approve", incident.ErrStoreFailure)
	st, _ := status.FromError(err)
	if st.Code() != codes.Internal || st.Message() != "transition not applied: store failure" {
		t.Fatalf("unexpected status: %v", st)
	}
	if code := status.Code(s.toStatus("inspect", context.DeadlineExceeded)); code != codes.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", code)
	}
}
