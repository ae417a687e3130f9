// Package grpc exposes the registration orchestrator over gRPC. Messages are
// google.protobuf.Struct documents whose fields mirror the JSON shape of the
// registration request and result types.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration"
	"memberhub/internal/registration/payment"
	"memberhub/internal/registration/pricing"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "memberhub.registration.v1.RegistrationService"

// RegistrationService is the orchestrator behavior served over gRPC.
type RegistrationService interface {
	Initiate(ctx context.Context, req registration.InitiateRequest) (registration.InitiateResult, error)
	GetStatus(ctx context.Context, id string) (registration.StatusView, error)
	CalculatePricing(ctx context.Context, id string, discountCodes []string) (pricing.Breakdown, error)
	ProcessPayment(ctx context.Context, id string, req registration.PaymentRequest) (registration.PaymentResult, error)
	VerifyPayment(ctx context.Context, id string) (registration.PaymentResult, error)
	HandlePaymentResult(ctx context.Context, id string, result payment.Result) (registration.PaymentResult, error)
	RetryPayment(ctx context.Context, id string) (registration.PaymentResult, error)
	ExecuteEntityCreation(ctx context.Context, id string) (registration.ProgressResult, error)
	RetryEntityCreation(ctx context.Context, id string, entityType string) (registration.ProgressResult, error)
	ProcessAdminApproval(ctx context.Context, id string, req registration.ApprovalRequest) (registration.StatusResult, error)
	ProcessFinancialVerification(ctx context.Context, id string, req registration.VerificationRequest) (registration.StatusResult, error)
	Cancel(ctx context.Context, id string, req registration.CancelRequest) (registration.StatusResult, error)
}

// OfflineSettler records staff-entered payment results.
type OfflineSettler interface {
	SettleOffline(ctx context.Context, sessionID string, result payment.Result) (registration.PaymentResult, error)
}

// RegistrationServer adapts RegistrationService to gRPC.
type RegistrationServer struct {
	service RegistrationService
	settler OfflineSettler
}

// NewRegistrationServer constructs a RegistrationServer.
func NewRegistrationServer(svc RegistrationService) *RegistrationServer {
	return &RegistrationServer{service: svc}
}

// WithSettler enables SettleOfflinePayment.
func (s *RegistrationServer) WithSettler(settler OfflineSettler) *RegistrationServer {
	s.settler = settler
	return s
}

type serviceHolder interface {
	registrationServer() *RegistrationServer
}

func (s *RegistrationServer) registrationServer() *RegistrationServer {
	return s
}

// Register installs the service on s.
func Register(s grpcpkg.ServiceRegistrar, srv *RegistrationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type pricingRequest struct {
	SessionID     string   `json:"sessionId"`
	DiscountCodes []string `json:"discountCodes"`
}

type paymentRequest struct {
	SessionID string `json:"sessionId"`
	registration.PaymentRequest
}

type paymentResultRequest struct {
	SessionID     string               `json:"sessionId"`
	IntentID      string               `json:"intentId"`
	Status        payment.ResultStatus `json:"status"`
	TransactionID string               `json:"transactionId"`
	PaidAt        *time.Time           `json:"paidAt"`
	Reason        string               `json:"reason"`
}

func (r paymentResultRequest) result() payment.Result {
	return payment.Result{
		IntentID:      r.IntentID,
		Status:        r.Status,
		TransactionID: r.TransactionID,
		PaidAt:        r.PaidAt,
		Reason:        r.Reason,
	}
}

type retryEntityRequest struct {
	SessionID  string `json:"sessionId"`
	EntityType string `json:"entityType"`
}

type approvalRequest struct {
	SessionID string `json:"sessionId"`
	registration.ApprovalRequest
}

type verificationRequest struct {
	SessionID string `json:"sessionId"`
	registration.VerificationRequest
}

type cancelRequest struct {
	SessionID string `json:"sessionId"`
	registration.CancelRequest
}

// ServiceDesc describes RegistrationService for grpc.Server.RegisterService.
var ServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*serviceHolder)(nil),
	Methods: []grpcpkg.MethodDesc{
		unary("Initiate", func(ctx context.Context, s *RegistrationServer, req registration.InitiateRequest) (registration.InitiateResult, error) {
			return s.service.Initiate(ctx, req)
		}),
		unary("GetStatus", func(ctx context.Context, s *RegistrationServer, req sessionRequest) (registration.StatusView, error) {
			return s.service.GetStatus(ctx, req.SessionID)
		}),
		unary("CalculatePricing", func(ctx context.Context, s *RegistrationServer, req pricingRequest) (pricing.Breakdown, error) {
			return s.service.CalculatePricing(ctx, req.SessionID, req.DiscountCodes)
		}),
		unary("ProcessPayment", func(ctx context.Context, s *RegistrationServer, req paymentRequest) (registration.PaymentResult, error) {
			return s.service.ProcessPayment(ctx, req.SessionID, req.PaymentRequest)
		}),
		unary("VerifyPayment", func(ctx context.Context, s *RegistrationServer, req sessionRequest) (registration.PaymentResult, error) {
			return s.service.VerifyPayment(ctx, req.SessionID)
		}),
		unary("HandlePaymentResult", func(ctx context.Context, s *RegistrationServer, req paymentResultRequest) (registration.PaymentResult, error) {
			return s.service.HandlePaymentResult(ctx, req.SessionID, req.result())
		}),
		unary("SettleOfflinePayment", func(ctx context.Context, s *RegistrationServer, req paymentResultRequest) (registration.PaymentResult, error) {
			if s.settler == nil {
				return registration.PaymentResult{}, status.Error(codes.Unimplemented, "offline settlement is not enabled")
			}
			return s.settler.SettleOffline(ctx, req.SessionID, req.result())
		}),
		unary("RetryPayment", func(ctx context.Context, s *RegistrationServer, req sessionRequest) (registration.PaymentResult, error) {
			return s.service.RetryPayment(ctx, req.SessionID)
		}),
		unary("ExecuteEntityCreation", func(ctx context.Context, s *RegistrationServer, req sessionRequest) (registration.ProgressResult, error) {
			return s.service.ExecuteEntityCreation(ctx, req.SessionID)
		}),
		unary("RetryEntityCreation", func(ctx context.Context, s *RegistrationServer, req retryEntityRequest) (registration.ProgressResult, error) {
			return s.service.RetryEntityCreation(ctx, req.SessionID, req.EntityType)
		}),
		unary("ProcessAdminApproval", func(ctx context.Context, s *RegistrationServer, req approvalRequest) (registration.StatusResult, error) {
			return s.service.ProcessAdminApproval(ctx, req.SessionID, req.ApprovalRequest)
		}),
		unary("ProcessFinancialVerification", func(ctx context.Context, s *RegistrationServer, req verificationRequest) (registration.StatusResult, error) {
			return s.service.ProcessFinancialVerification(ctx, req.SessionID, req.VerificationRequest)
		}),
		unary("Cancel", func(ctx context.Context, s *RegistrationServer, req cancelRequest) (registration.StatusResult, error) {
			return s.service.Cancel(ctx, req.SessionID, req.CancelRequest)
		}),
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "memberhub/registration/v1/registration.proto",
}

func unary[Req, Res any](name string, call func(context.Context, *RegistrationServer, Req) (Res, error)) grpcpkg.MethodDesc {
	return grpcpkg.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, raw any) (any, error) {
				var req Req
				if err := fromStruct(raw.(*structpb.Struct), &req); err != nil {
					return nil, apperrors.Wrap(apperrors.CodeValidation, "malformed request", err).ToGRPCStatus()
				}
				res, err := call(ctx, srv.(serviceHolder).registrationServer(), req)
				if err != nil {
					return nil, mapError(err)
				}
				out, err := toStruct(res)
				if err != nil {
					return nil, status.Errorf(codes.Internal, "encode response: %v", err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return out, nil
}

func mapError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) && apperrors.GetCode(err) == apperrors.CodeUnknown {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return apperrors.HandleError(err)
}

// Client calls RegistrationService with JSON-shaped requests and results.
type Client struct {
	cc grpcpkg.ClientConnInterface
}

// NewClient constructs a Client over cc.
func NewClient(cc grpcpkg.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method, encoding req and decoding the result into resp.
func (c *Client) Call(ctx context.Context, method string, req, resp any, opts ...grpcpkg.CallOption) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}
