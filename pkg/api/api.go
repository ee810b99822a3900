// ABOUTME: gRPC service description for tagstore.v1.TagService shared by server and client
// ABOUTME: Messages travel as google.protobuf.Struct holding the JSON shape of the Go types

package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/tagstore/pkg/tag"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "tagstore.v1.TagService"

// Method names
const (
	MethodGetTag    = "GetTag"
	MethodListTags  = "ListTags"
	MethodCreateTag = "CreateTag"
	MethodPutTag    = "PutTag"
	MethodDeleteTag = "DeleteTag"
	MethodCloneTag  = "CloneTag"
	MethodHealth    = "Health"
)

// FullMethod returns the path a client invokes for method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// GetTagRequest names the tag to fetch
type GetTagRequest struct {
	Name string `json:"name"`
}

// ListTagsRequest filters by "key:value" attribute pairs and criterion
// expressions
type ListTagsRequest struct {
	Attributes []string `json:"attribute,omitempty"`
	Components []string `json:"associatedComponent,omitempty"`
}

// ListTagsResponse holds matching tags, most recently updated first
type ListTagsResponse struct {
	Tags []*tag.Tag `json:"tags"`
}

// PutTagRequest stores Tag under Name. The names must agree.
type PutTagRequest struct {
	Name string          `json:"name"`
	Tag  *tag.Definition `json:"tag"`
}

// DeleteTagRequest names the tag to delete
type DeleteTagRequest struct {
	Name string `json:"name"`
}

// CloneTagRequest copies SourceName into Name
type CloneTagRequest struct {
	Name                string            `json:"name"`
	SourceName          string            `json:"sourceName"`
	AppendingAttributes map[string]string `json:"appendingAttributes"`
}

// HealthResponse reports serving state and the live tag count
type HealthResponse struct {
	Status string `json:"status"`
	Tags   int    `json:"tags"`
}

// Encode converts v to a Struct through its JSON form
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// Decode fills v from the JSON form of s
func Decode(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// TagServiceServer is the server side of TagService
type TagServiceServer interface {
	GetTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListTags(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CreateTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	PutTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DeleteTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CloneTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Health(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterTagServiceServer registers srv with s
func RegisterTagServiceServer(s grpc.ServiceRegistrar, srv TagServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type call func(srv TagServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(TagServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(TagServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes TagService for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TagServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetTag, TagServiceServer.GetTag),
		unary(MethodListTags, TagServiceServer.ListTags),
		unary(MethodCreateTag, TagServiceServer.CreateTag),
		unary(MethodPutTag, TagServiceServer.PutTag),
		unary(MethodDeleteTag, TagServiceServer.DeleteTag),
		unary(MethodCloneTag, TagServiceServer.CloneTag),
		unary(MethodHealth, TagServiceServer.Health),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tagstore/v1/tag_service.proto",
}
