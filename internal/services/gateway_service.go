package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediation/internal/api"
	"github.com/miradorstack/mirador-remediation/internal/incident"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

// GatewayService implements the gRPC ApprovalGateway service on top of the incident manager.
type GatewayService struct {
	logger    *slog.Logger
	gateway   api.IncidentGateway
	latencies *utils.LatencyTracker
}

var _ api.ApprovalGatewayServer = (*GatewayService)(nil)

// NewGatewayService constructs the gateway service facade.
func NewGatewayService(logger *slog.Logger, gateway api.IncidentGateway) *GatewayService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayService{
		logger:    logger,
		gateway:   gateway,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Approve records an approval decision.
func (s *GatewayService) Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	domainReq, err := api.FromStructApproveRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Debug("Approve called", slog.String("incident_id", domainReq.IncidentID), slog.String("actor", domainReq.Actor))

	start := time.Now()
	inc, err := s.gateway.Approve(ctx, domainReq)
	s.observe(time.Since(start))
	if err != nil {
		return nil, s.toStatus("approve", err)
	}
	return s.incidentResponse(inc)
}

// Reject records a rejection decision.
func (s *GatewayService) Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	domainReq, err := api.FromStructRejectRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Debug("Reject called", slog.String("incident_id", domainReq.IncidentID), slog.String("actor", domainReq.Actor))

	start := time.Now()
	inc, err := s.gateway.Reject(ctx, domainReq)
	s.observe(time.Since(start))
	if err != nil {
		return nil, s.toStatus("reject", err)
	}
	return s.incidentResponse(inc)
}

// Inspect returns the current incident record.
func (s *GatewayService) Inspect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := api.FromStructInspectRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	inc, err := s.gateway.Inspect(ctx, id)
	if err != nil {
		return nil, s.toStatus("inspect", err)
	}
	return s.incidentResponse(inc)
}

// ListSessions lists incidents matching the request filter.
func (s *GatewayService) ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter, err := api.FromStructListRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	incidents, err := s.gateway.List(ctx, filter)
	if err != nil {
		return nil, s.toStatus("list", err)
	}
	out, err := api.ToStructSessions(incidents)
	if err != nil {
		s.logger.Error("encode sessions failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode sessions")
	}
	return out, nil
}

func (s *GatewayService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("decision latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

func (s *GatewayService) incidentResponse(inc models.Incident) (*structpb.Struct, error) {
	out, err := api.ToStructIncident(inc)
	if err != nil {
		s.logger.Error("encode incident failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode incident")
	}
	return out, nil
}

// toStatus maps gateway errors onto gRPC status codes.
func (s *GatewayService) toStatus(op string, err error) error {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, incident.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, incident.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, incident.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	default:
		s.logger.Error("gateway call failed", slog.String("op", op), slog.Any("error", err))
		return status.Error(codes.Internal, "transition not applied: store failure")
	}
}
