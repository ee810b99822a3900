// ABOUTME: gRPC client for tagstore.v1.TagService
// ABOUTME: Maps status codes back onto the tag package's error taxonomy

package client

import (
	"context"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/tagstore/pkg/api"
	"github.com/nainya/tagstore/pkg/tag"
)

// Client calls a remote tag service
type Client struct {
	conn grpc.ClientConnInterface
}

// New wraps an established connection
func New(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := api.Encode(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return api.Decode(out, resp)
}

// GetTag fetches a tag by name
func (c *Client) GetTag(ctx context.Context, name string) (*tag.Tag, error) {
	var t tag.Tag
	if err := c.invoke(ctx, api.MethodGetTag, api.GetTagRequest{Name: name}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTags searches by "key:value" attribute filters and criterion expressions
func (c *Client) ListTags(ctx context.Context, attributes, components []string) ([]*tag.Tag, error) {
	var resp api.ListTagsResponse
	req := api.ListTagsRequest{Attributes: attributes, Components: components}
	if err := c.invoke(ctx, api.MethodListTags, req, &resp); err != nil {
		return nil, err
	}
	return resp.Tags, nil
}

// CreateTag creates the tag or replaces its content
func (c *Client) CreateTag(ctx context.Context, def *tag.Definition) (*tag.Tag, error) {
	var t tag.Tag
	if err := c.invoke(ctx, api.MethodCreateTag, def, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutTag stores def under name
func (c *Client) PutTag(ctx context.Context, name string, def *tag.Definition) (*tag.Tag, error) {
	var t tag.Tag
	if err := c.invoke(ctx, api.MethodPutTag, api.PutTagRequest{Name: name, Tag: def}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTag removes a tag
func (c *Client) DeleteTag(ctx context.Context, name string) error {
	return c.invoke(ctx, api.MethodDeleteTag, api.DeleteTagRequest{Name: name}, nil)
}

// CloneTag copies sourceName into name, overlaying appending
func (c *Client) CloneTag(ctx context.Context, sourceName, name string, appending map[string]string) (*tag.Tag, error) {
	var t tag.Tag
	req := api.CloneTagRequest{Name: name, SourceName: sourceName, AppendingAttributes: appending}
	if err := c.invoke(ctx, api.MethodCloneTag, req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Health reports the serving state
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.invoke(ctx, api.MethodHealth, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// fromStatus turns status errors back into errors matching the tag sentinels
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), tag.ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", st.Message(), tag.ErrAlreadyExists)
	case codes.InvalidArgument:
		for _, d := range st.Details() {
			br, ok := d.(*errdetails.BadRequest)
			if !ok {
				continue
			}
			verr := &tag.ValidationError{}
			for _, fv := range br.GetFieldViolations() {
				verr.Violations = append(verr.Violations, tag.Violation{Field: fv.GetField(), Message: fv.GetDescription()})
			}
			return verr
		}
		return fmt.Errorf("%s: %w", st.Message(), tag.ErrInvalidExpression)
	}
	return err
}
