package grpcserver

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/scheduling"
)

const ServiceName = "slotengine.scheduling.v1.SchedulingService"

// SchedulingServer is the RPC surface. Messages are google.protobuf.Struct so any gRPC client can call it
// without generated stubs.
type SchedulingServer interface {
	Book(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Reschedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Confirm(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetAppointment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	QueryAvailability(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type Server struct {
	svc    *scheduling.Service
	logger *slog.Logger
}

// Register installs the scheduling service and a health service reporting it as serving.
func Register(srv *grpc.Server, svc *scheduling.Service, logger *slog.Logger) *health.Server {
	srv.RegisterService(&serviceDesc, &Server{svc: svc, logger: logger})
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return hs
}

func (s *Server) Book(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := message{in}
	start, err := m.time("start_time")
	if err != nil {
		return nil, toStatus(err)
	}
	duration, err := m.minutes("duration_minutes")
	if err != nil {
		return nil, toStatus(err)
	}
	appt, err := s.svc.Book(ctx, scheduling.BookRequest{
		BusinessID:     m.tenant(ctx),
		ProviderID:     m.str("provider_id"),
		CustomerID:     m.str("customer_id"),
		Start:          start,
		Duration:       duration,
		Urgency:        model.Urgency(m.str("urgency")),
		IdempotencyKey: m.str("idempotency_key"),
		Actor:          m.str("actor"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return appointmentStruct(appt)
}

func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := message{in}
	appt, err := s.svc.Cancel(ctx, scheduling.CancelRequest{
		BusinessID:    m.tenant(ctx),
		AppointmentID: m.str("appointment_id"),
		Actor:         m.str("actor"),
		Reason:        m.str("reason"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return appointmentStruct(appt)
}

func (s *Server) Reschedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := message{in}
	start, err := m.time("start_time")
	if err != nil {
		return nil, toStatus(err)
	}
	duration, err := m.minutes("duration_minutes")
	if err != nil {
		return nil, toStatus(err)
	}
	appt, err := s.svc.Reschedule(ctx, scheduling.RescheduleRequest{
		BusinessID:    m.tenant(ctx),
		AppointmentID: m.str("appointment_id"),
		NewStart:      start,
		NewDuration:   duration,
		Actor:         m.str("actor"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return appointmentStruct(appt)
}

func (s *Server) Confirm(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := message{in}
	appt, err := s.svc.Confirm(ctx, m.tenant(ctx), m.str("appointment_id"), m.str("actor"))
	if err != nil {
		return nil, toStatus(err)
	}
	return appointmentStruct(appt)
}

func (s *Server) GetAppointment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := message{in}
	appt, err := s.svc.GetAppointment(ctx, m.tenant(ctx), m.str("appointment_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return appointmentStruct(appt)
}

func (s *Server) QueryAvailability(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := message{in}
	date, err := model.ParseDate(m.str("date"))
	if err != nil {
		return nil, toStatus(err)
	}
	urgency, err := model.ParseUrgency(m.str("urgency"))
	if err != nil {
		return nil, toStatus(err)
	}
	slots, err := s.svc.QueryAvailability(ctx, m.tenant(ctx), m.str("provider_id"), date, urgency)
	if err != nil {
		return nil, toStatus(err)
	}
	items := make([]any, 0, len(slots))
	for _, sl := range slots {
		items = append(items, map[string]any{
			"id":               sl.ID,
			"start_time":       sl.StartTime.UTC().Format(time.RFC3339),
			"end_time":         sl.End().UTC().Format(time.RFC3339),
			"duration_minutes": int64(sl.Duration / time.Minute),
			"emergency_only":   sl.EmergencyOnly,
		})
	}
	return structpb.NewStruct(map[string]any{
		"date":    date.Format(model.DateLayout),
		"urgency": string(urgency),
		"slots":   items,
	})
}
