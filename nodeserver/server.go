package nodeserver

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/telemetry"
	"github.com/phonghmnguyen/ke0lock/tx"
)

var _ NodeServer = (*nodeServer)(nil)

// Joiner adds a node to the cluster, implemented by the raft instance
type Joiner interface {
	Join(addr, nodeID string) error
}

type Option func(*nodeServer)

func WithJoiner(joiner Joiner) Option {
	return func(s *nodeServer) {
		s.joiner = joiner
	}
}

func WithLogger(logger telemetry.Logger) Option {
	return func(s *nodeServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type nodeServer struct {
	chain *pipeline.Chain

	txs *tx.Manager

	joiner Joiner

	grpc *grpc.Server

	logger telemetry.Logger
}

// NewNodeServer serves the node service by running every request through chain
func NewNodeServer(chain *pipeline.Chain, txs *tx.Manager, grpc *grpc.Server, options ...Option) *nodeServer {
	s := &nodeServer{
		chain:  chain,
		txs:    txs,
		grpc:   grpc,
		logger: telemetry.Log(),
	}

	for _, opt := range options {
		opt(s)
	}

	RegisterNodeServer(grpc, s)
	return s
}

func (s *nodeServer) ListenAndServe(addr string) error {
	s.logger.Infof("Starting node service on %s", addr)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(lis)
}

func (s *nodeServer) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

func (s *nodeServer) GracefulStop() {
	s.grpc.GracefulStop()
}

// Get reads {key} and responds {found, value}
func (s *nodeServer) Get(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	key, err := stringField(request, "key")
	if err != nil {
		return nil, err
	}
	s.logf(ctx, "GET", key)

	ret := s.invoke(ctx, command.Read{Key: key, Flag: flagsOf(request)})
	if ret.Err != nil {
		return nil, toStatus(ret.Err)
	}

	return valueResponse(ret.Value)
}

// Put writes {key, value, ttl?, replace?, zero_lock_timeout?} and responds {found, value} with the
// previous value, or {replaced} for replace
func (s *nodeServer) Put(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	write, err := writeOf(request)
	if err != nil {
		return nil, err
	}
	s.logf(ctx, "PUT", write.Key)

	ret := s.invoke(ctx, write)
	if ret.Err != nil {
		return nil, toStatus(ret.Err)
	}

	return valueResponse(ret.Value)
}

// Remove deletes {key} and responds {found, value} with the removed value
func (s *nodeServer) Remove(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	key, err := stringField(request, "key")
	if err != nil {
		return nil, err
	}
	s.logf(ctx, "REMOVE", key)

	ret := s.invoke(ctx, command.Write{Op: command.OpRemove, Key: key, Flag: flagsOf(request)})
	if ret.Err != nil {
		return nil, toStatus(ret.Err)
	}

	return valueResponse(ret.Value)
}

// Invalidate removes {keys} atomically and responds {removed}
func (s *nodeServer) Invalidate(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	keys, err := stringsField(request, "keys")
	if err != nil {
		return nil, err
	}
	s.logf(ctx, "INVALIDATE", keys...)

	ret := s.invoke(ctx, command.NewInvalidate(keys, flagsOf(request)))
	if ret.Err != nil {
		return nil, toStatus(ret.Err)
	}

	removed, _ := ret.Value.(int)
	return structpb.NewStruct(map[string]interface{}{"removed": removed})
}

func (s *nodeServer) Clear(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	s.logf(ctx, "CLEAR")

	ret := s.invoke(ctx, command.Clear{Flag: flagsOf(request)})
	if ret.Err != nil {
		return nil, toStatus(ret.Err)
	}

	return &structpb.Struct{}, nil
}

// Batch applies {writes: [{key, value, ttl?, replace?, remove?}]} in one transaction, every key stays
// locked until the last write settled. It responds {results: [{found, value} | {replaced}]}.
// A batch is atomic with respect to locking only, when a write fails the writes before it stay
// applied and the ones after it are skipped.
func (s *nodeServer) Batch(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	list := request.GetFields()["writes"].GetListValue()
	if list == nil {
		return nil, status.Error(codes.InvalidArgument, "writes must be a list")
	}

	cmds := make([]command.Command, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue()
		if fields == nil {
			return nil, status.Errorf(codes.InvalidArgument, "write %d must be a struct", i)
		}

		write, err := writeOf(fields)
		if err != nil {
			return nil, err
		}
		if boolField(fields, "remove") {
			write = command.Write{Op: command.OpRemove, Key: write.Key, Flag: write.Flag}
		}
		cmds = append(cmds, write)
	}
	s.logf(ctx, "BATCH")

	results, err := s.txs.Run(ctx, s.chain, cmds...)
	if err != nil {
		return nil, toStatus(err)
	}

	values := make([]interface{}, 0, len(results))
	for _, ret := range results {
		values = append(values, valueFields(ret.Value))
	}

	return structpb.NewStruct(map[string]interface{}{"results": values})
}

// Join adds {addr, id} to the cluster
func (s *nodeServer) Join(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	if s.joiner == nil {
		return nil, status.Error(codes.Unimplemented, "node is not clustered")
	}

	addr, err := stringField(request, "addr")
	if err != nil {
		return nil, err
	}
	id, err := stringField(request, "id")
	if err != nil {
		return nil, err
	}
	s.logf(ctx, "JOIN", addr, id)

	if err := s.joiner.Join(addr, id); err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{}, nil
}

func (s *nodeServer) invoke(ctx context.Context, cmd command.Command) pipeline.Return {
	ret := s.chain.Invoke(ctx, pipeline.NewContext(), cmd)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("req.kind", cmd.Kind().String()),
		attribute.StringSlice("req.keys", command.Keys(cmd)),
		attribute.String("req.code", status.Code(toStatus(ret.Err)).String()),
	)

	return ret
}

func (s *nodeServer) logf(ctx context.Context, method string, keys ...string) {
	from := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		from = p.Addr.String()
	}

	s.logger.Infof("[%s] keys: %v, from: %s", method, keys, from)
}

func writeOf(request *structpb.Struct) (command.Write, error) {
	key, err := stringField(request, "key")
	if err != nil {
		return command.Write{}, err
	}

	write := command.Write{
		Op:    command.OpPut,
		Key:   key,
		Value: []byte(request.GetFields()["value"].GetStringValue()),
		Flag:  flagsOf(request),
	}

	if boolField(request, "replace") {
		write.Op = command.OpReplace
	}

	if ttl := request.GetFields()["ttl"].GetStringValue(); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return command.Write{}, status.Errorf(codes.InvalidArgument, "ttl: %v", err)
		}
		write.TTL = d
	}

	return write, nil
}

func flagsOf(request *structpb.Struct) command.Flag {
	var flags command.Flag
	if boolField(request, "zero_lock_timeout") {
		flags |= command.ZeroLockTimeout
	}

	return flags
}

func stringField(request *structpb.Struct, name string) (string, error) {
	v := request.GetFields()[name].GetStringValue()
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s must be a non empty string", name)
	}

	return v, nil
}

func stringsField(request *structpb.Struct, name string) ([]string, error) {
	list := request.GetFields()[name].GetListValue()
	if list == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a list of strings", name)
	}

	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "%s must be a list of strings", name)
		}
		out = append(out, s.StringValue)
	}

	return out, nil
}

func boolField(request *structpb.Struct, name string) bool {
	return request.GetFields()[name].GetBoolValue()
}

func valueFields(v any) map[string]interface{} {
	switch value := v.(type) {
	case []byte:
		if value == nil {
			return map[string]interface{}{"found": false}
		}
		return map[string]interface{}{"found": true, "value": string(value)}

	case bool:
		return map[string]interface{}{"replaced": value}

	default:
		return map[string]interface{}{"found": false}
	}
}

func valueResponse(v any) (*structpb.Struct, error) {
	return structpb.NewStruct(valueFields(v))
}
