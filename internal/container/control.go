package container

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// controlServiceName is the gRPC service a ControlServer registers and a
// ControlClient dials, mirroring the localhost control channel the host
// process exposes to a privileged helper running inside the container
// (compare the host-side server that a container-side prep_client connects
// back to over localhost).
const controlServiceName = "alloy.container.Control"

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*controlHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Notify",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(structpb.Struct)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(controlHandler).Notify(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + controlServiceName + "/Notify"}
				return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(controlHandler).Notify(ctx, req.(*structpb.Struct))
				})
			},
		},
	},
}

// controlHandler is implemented by ControlServer; it exists separately so
// grpc.ServiceDesc's HandlerType reflection has a concrete interface to
// point at.
type controlHandler interface {
	Notify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// NotifyFunc handles one control-channel call from inside the container,
// returning an acknowledgement payload.
type NotifyFunc func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// ControlServer is the host-side endpoint of the container control
// channel: a gRPC server listening on localhost that a helper process
// running inside the container connects back to (spec 4.I,
// "PreparedContainer::command" hands the helper this channel alongside
// the JSON config).
type ControlServer struct {
	listener net.Listener
	server   *grpc.Server
	notify   NotifyFunc
}

// StartControlServer binds a localhost listener and starts serving the
// control channel in the background.
func StartControlServer(notify NotifyFunc) (*ControlServer, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := grpc.NewServer()
	cs := &ControlServer{listener: lis, server: s, notify: notify}
	s.RegisterService(&controlServiceDesc, controlHandlerImpl{cs})
	go s.Serve(lis)
	return cs, nil
}

// Addr returns the "host:port" address the container-side client should
// dial.
func (s *ControlServer) Addr() string { return s.listener.Addr().String() }

// Close stops serving and releases the listener.
func (s *ControlServer) Close() error {
	s.server.GracefulStop()
	return nil
}

type controlHandlerImpl struct{ s *ControlServer }

func (h controlHandlerImpl) Notify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if h.s.notify == nil {
		return structpb.NewStruct(nil)
	}
	resp, err := h.s.notify(ctx, req.AsMap())
	if err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(resp)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ControlClient is the container-side endpoint: dials back out to the
// host's ControlServer over the loopback address baked into Config's
// ControlChannelAddr field.
type ControlClient struct {
	conn *grpc.ClientConn
}

// DialControlServer connects to a ControlServer at addr.
func DialControlServer(ctx context.Context, addr string) (*ControlClient, error) {
	conn, err := grpc.DialContext(ctx, addr, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("dialing container control channel at %s: %w", addr, err)
	}
	return &ControlClient{conn: conn}, nil
}

// Notify sends payload to the host and returns its acknowledgement.
func (c *ControlClient) Notify(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+controlServiceName+"/Notify", req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// Close releases the client connection.
func (c *ControlClient) Close() error { return c.conn.Close() }

// LoginPhase names the point in a command's lifecycle at which the
// in-container helper asks the host whether to drop into an interactive
// shell (spec 4.I's before-build / after-build / after-failure login
// points).
type LoginPhase string

const (
	LoginPhaseBefore       LoginPhase = "before"
	LoginPhaseAfterSuccess LoginPhase = "after_success"
	LoginPhaseAfterFailure LoginPhase = "after_failure"
)

// loginNotifier builds the NotifyFunc a ControlServer answers the
// container-side helper's login prompt with: {"action": "login"} when mode
// calls for an interactive shell at the given phase, {"action": "continue"}
// otherwise.
func loginNotifier(mode LoginMode) NotifyFunc {
	return func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		phase, _ := payload["phase"].(string)
		login := false
		switch LoginPhase(phase) {
		case LoginPhaseBefore:
			login = mode == LoginBeforeBuild
		case LoginPhaseAfterSuccess:
			login = mode == LoginAfterBuild
		case LoginPhaseAfterFailure:
			login = mode == LoginAfterFailure
		}
		action := "continue"
		if login {
			action = "login"
		}
		return map[string]interface{}{"action": action}, nil
	}
}
