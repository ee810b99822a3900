// Package server implements the gRPC tagstore.v1.TagService
package server

import (
	"context"
	"errors"
	"unicode"
	"unicode/utf8"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/tagstore/internal/logger"
	"github.com/nainya/tagstore/pkg/api"
	"github.com/nainya/tagstore/pkg/tag"
	"github.com/nainya/tagstore/pkg/tagstore"
)

// Server implements api.TagServiceServer over a tag store
type Server struct {
	store *tagstore.Store
	log   *logger.Logger
}

var _ api.TagServiceServer = (*Server)(nil)

// NewServer creates a gRPC service over store
func NewServer(store *tagstore.Store, log *logger.Logger) *Server {
	return &Server{store: store, log: log}
}

// ========== Tag Operations ==========

func (s *Server) GetTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.GetTagRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	t, err := s.store.GetByName(ctx, req.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(t)
}

func (s *Server) ListTags(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.ListTagsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	tags, err := s.store.Query(ctx, req.Attributes, req.Components)
	if err != nil {
		return nil, toStatus(err)
	}

	s.log.Info().
		Strs("attributes", req.Attributes).
		Strs("associated_components", req.Components).
		Int("results", len(tags)).
		Msg("Tag search")
	return encode(api.ListTagsResponse{Tags: tags})
}

func (s *Server) CreateTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var def tag.Definition
	if err := decode(in, &def); err != nil {
		return nil, err
	}

	t, err := s.store.AddOrUpdate(ctx, &def)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(t)
}

func (s *Server) PutTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.PutTagRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Tag == nil {
		return nil, toStatus(&tag.ValidationError{Violations: []tag.Violation{{Field: "tag", Message: "Tag can't be null."}}})
	}

	// Structural problems are reported before a rename is rejected
	if err := tag.Validate(ctx, req.Tag, nil); err != nil {
		return nil, toStatus(err)
	}
	if req.Name != req.Tag.Name {
		return nil, badRequest("Cannot change name.", []tag.Violation{{Field: "name", Message: "Cannot change name."}})
	}

	t, err := s.store.AddOrUpdate(ctx, req.Tag)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(t)
}

func (s *Server) DeleteTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.DeleteTagRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, req.Name); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
}

func (s *Server) CloneTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.CloneTagRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	t, err := s.store.CloneExisting(ctx, req.SourceName, req.Name, req.AppendingAttributes)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(t)
}

// ========== Health ==========

func (s *Server) Health(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.store.Index().Ping(ctx); err != nil {
		return nil, status.Errorf(codes.Unavailable, "index unavailable: %v", err)
	}
	n, err := s.store.Count(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to count tags: %v", err)
	}
	return encode(api.HealthResponse{Status: "SERVING", Tags: n})
}

// ========== Conversion ==========

func decode(in *structpb.Struct, v any) error {
	if err := api.Decode(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := api.Encode(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toStatus maps store errors onto gRPC status codes
func toStatus(err error) error {
	var verr *tag.ValidationError
	var exprErr *tag.ExpressionError

	switch {
	case errors.As(err, &verr):
		return badRequest("Invalid tag.", verr.Violations)
	case errors.As(err, &exprErr):
		return status.Error(codes.InvalidArgument, capitalize(exprErr.Error()))
	case errors.Is(err, tag.ErrNotFound):
		return status.Error(codes.NotFound, "Tag not found")
	case errors.Is(err, tag.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "Tag already exists")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "internal error: %v", err)
	}
}

// badRequest is an InvalidArgument status carrying one field violation per problem
func badRequest(msg string, violations []tag.Violation) error {
	br := &errdetails.BadRequest{}
	for _, v := range violations {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       v.Field,
			Description: v.Message,
		})
	}
	st, err := status.New(codes.InvalidArgument, msg).WithDetails(br)
	if err != nil {
		return status.Error(codes.InvalidArgument, msg)
	}
	return st.Err()
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
