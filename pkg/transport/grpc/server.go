package grpc

import (
    "context"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// wire types used over the JSON codec
type deliverAck struct{}

type watchReq struct {
    From transport.ProcID `json:"from"`
}

// watchMsg is a heartbeat; Closing is the last message of a process that is
// shutting down on purpose.
type watchMsg struct {
    Proc    transport.ProcID `json:"proc"`
    Closing bool             `json:"closing,omitempty"`
}

// fabricServer defines the methods a fabric endpoint exposes.
type fabricServer interface {
    Deliver(ctx context.Context, in *transport.Envelope) (*deliverAck, error)
    Watch(in *watchReq, stream Fabric_WatchServer) error
}

type Fabric_WatchServer interface {
    Send(*watchMsg) error
    grpc.ServerStream
}

type fabricImpl struct{ ep *Endpoint }

func (f *fabricImpl) Deliver(ctx context.Context, in *transport.Envelope) (*deliverAck, error) {
    _, end := tracing.StartSpan(ctx, "grpc.deliver", "cid", in.CID, "kind", in.Kind.String())
    defer end()
    if in.To != f.ep.id { return nil, status.Errorf(codes.NotFound, "process %v is not served here", in.To) }
    if !f.ep.box.Put(transport.Delivery{Env: in}) {
        return nil, status.Error(codes.Unavailable, "endpoint closed")
    }
    return &deliverAck{}, nil
}

func (f *fabricImpl) Watch(in *watchReq, stream Fabric_WatchServer) error {
    t := time.NewTicker(f.ep.opts.Heartbeat)
    defer t.Stop()
    hb := &watchMsg{Proc: f.ep.id}
    if err := stream.Send(hb); err != nil { return err }
    for {
        select {
        case <-stream.Context().Done():
            return nil
        case <-f.ep.closing:
            _ = stream.Send(&watchMsg{Proc: f.ep.id, Closing: true})
            return nil
        case <-t.C:
            if err := stream.Send(hb); err != nil { return err }
        }
    }
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Fabric_serviceDesc = grpc.ServiceDesc{
    ServiceName: "ftcomm.v1.Fabric",
    HandlerType: (*fabricServer)(nil),
    Methods: []grpc.MethodDesc{
        { MethodName: "Deliver", Handler: _Fabric_Deliver_Handler },
    },
    Streams: []grpc.StreamDesc{{
        StreamName:    "Watch",
        ServerStreams: true,
        Handler:       _Fabric_Watch_Handler,
    }},
}

const (
    methodDeliver = "/ftcomm.v1.Fabric/Deliver"
    methodWatch   = "/ftcomm.v1.Fabric/Watch"
)

func _Fabric_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.Envelope)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(fabricServer).Deliver(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDeliver}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(fabricServer).Deliver(ctx, req.(*transport.Envelope))
    }
    return interceptor(ctx, in, info, handler)
}

func _Fabric_Watch_Handler(srv interface{}, stream grpc.ServerStream) error {
    m := new(watchReq)
    if err := stream.RecvMsg(m); err != nil { return err }
    return srv.(fabricServer).Watch(m, &fabricWatchServer{stream})
}

type fabricWatchServer struct{ grpc.ServerStream }

func (x *fabricWatchServer) Send(m *watchMsg) error { return x.ServerStream.SendMsg(m) }
