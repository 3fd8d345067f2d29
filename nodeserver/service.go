package nodeserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "ke0lock.Node"

// NodeServer is the server API of the node service. Requests and responses are free form structs,
// the fields each method reads and writes are documented on the implementation.
type NodeServer interface {
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Put(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Remove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Invalidate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Clear(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Batch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Join(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(NodeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(NodeServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(NodeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc is the grpc.ServiceDesc of the node service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: unaryHandler("Get", NodeServer.Get)},
		{MethodName: "Put", Handler: unaryHandler("Put", NodeServer.Put)},
		{MethodName: "Remove", Handler: unaryHandler("Remove", NodeServer.Remove)},
		{MethodName: "Invalidate", Handler: unaryHandler("Invalidate", NodeServer.Invalidate)},
		{MethodName: "Clear", Handler: unaryHandler("Clear", NodeServer.Clear)},
		{MethodName: "Batch", Handler: unaryHandler("Batch", NodeServer.Batch)},
		{MethodName: "Join", Handler: unaryHandler("Join", NodeServer.Join)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ke0lock/node",
}

func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the node service of a remote node
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with the given request fields
func (c *Client) Call(ctx context.Context, method string, fields map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *Client) Join(ctx context.Context, addr, id string, opts ...grpc.CallOption) error {
	_, err := c.Call(ctx, "Join", map[string]interface{}{"addr": addr, "id": id}, opts...)
	return err
}
