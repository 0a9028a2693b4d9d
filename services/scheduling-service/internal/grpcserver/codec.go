package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/md-rashed-zaman/slotengine/libs/grpcx"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Book", SchedulingServer.Book),
		unary("Cancel", SchedulingServer.Cancel),
		unary("Reschedule", SchedulingServer.Reschedule),
		unary("Confirm", SchedulingServer.Confirm),
		unary("GetAppointment", SchedulingServer.GetAppointment),
		unary("QueryAvailability", SchedulingServer.QueryAvailability),
	},
	Metadata: "slotengine/scheduling/v1/scheduling.proto",
}

type method func(SchedulingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SchedulingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SchedulingServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

type message struct {
	*structpb.Struct
}

func (m message) str(key string) string {
	return strings.TrimSpace(m.GetFields()[key].GetStringValue())
}

// tenant prefers the business_id field and falls back to x-business-id metadata.
func (m message) tenant(ctx context.Context) string {
	if id := m.str("business_id"); id != "" {
		return id
	}
	return grpcx.BusinessIDFromContext(ctx)
}

// minutes reads a whole number of minutes. An absent field is zero.
func (m message) minutes(key string) (time.Duration, error) {
	v, ok := m.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || math.Trunc(n.NumberValue) != n.NumberValue || math.Abs(n.NumberValue) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be a whole number of minutes", model.ErrInvalidArgument, key)
	}
	return time.Duration(n.NumberValue) * time.Minute, nil
}

func (m message) time(key string) (time.Time, error) {
	raw := m.str(key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", model.ErrInvalidArgument, key)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", model.ErrInvalidArgument, key)
	}
	return t, nil
}

func appointmentStruct(a model.Appointment) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":          a.ID,
		"business_id": a.BusinessID,
		"provider_id": a.ProviderID,
		"customer_id": a.CustomerID,
		"slot_id":     a.SlotID,
		"start_time":  a.StartTime.UTC().Format(time.RFC3339),
		"end_time":    a.End().UTC().Format(time.RFC3339),
		"status":      string(a.Status),
		"urgency":     string(a.Urgency),
	}
	if a.PreviousAppointmentID != "" {
		fields["previous_appointment_id"] = a.PreviousAppointmentID
	}
	if a.Status == model.StatusCancelled {
		fields["cancel_reason"] = a.CancelReason
		fields["cancelled_by"] = a.CancelledBy
		fields["late_cancellation"] = a.LateCancellation
	}
	return structpb.NewStruct(fields)
}

func toStatus(err error) error {
	switch {
	case model.IsTimeUnavailable(err):
		return status.Error(codes.AlreadyExists, model.TimeUnavailableMessage)
	case errors.Is(err, model.ErrSlotNotEmergencyEligible),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrProviderInactive),
		errors.Is(err, model.ErrNoRuleConfigured):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, model.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrInvalidDuration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrAtomicityFailure):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
