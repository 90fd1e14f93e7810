package controlserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// Claim long-polls for a pending job the calling runner can run.
func (s *Server) Claim(ctx context.Context, req *connect.Request[runnerapi.ClaimRequest]) (*connect.Response[runnerapi.ClaimResponse], error) {
	runner, err := s.authenticate(ctx, req.Header())
	if err != nil {
		return nil, toConnectError(err)
	}
	job, err := s.service.Claim(ctx, runner, req.Msg.PollTimeout)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&runnerapi.ClaimResponse{Job: job}), nil
}

// Channel carries running/heartbeat/terminal reports from the runner and
// cancel/ack messages back to it for the job named in the request header.
func (s *Server) Channel(ctx context.Context, stream *connect.BidiStream[runnerapi.ChannelMessage, runnerapi.ServerMessage]) error {
	runner, err := s.authenticate(ctx, stream.RequestHeader())
	if err != nil {
		return toConnectError(err)
	}
	raw := strings.TrimSpace(stream.RequestHeader().Get(runnerapi.JobHeader))
	id, err := uuid.Parse(raw)
	if err != nil {
		return toConnectError(fmt.Errorf("%w: missing or invalid %s header %q", errdefs.ErrInvalidArgument, runnerapi.JobHeader, raw))
	}
	return toConnectError(s.service.ServeChannel(ctx, runner, id, bidiConn{stream}))
}

func (s *Server) authenticate(ctx context.Context, header http.Header) (jobs.Runner, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header.Get("Authorization")), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return jobs.Runner{}, fmt.Errorf("%w: missing runner bearer token", errdefs.ErrUnauthenticated)
	}
	return s.service.AuthenticateRunner(ctx, token)
}

// bidiConn adapts a connect stream to the platform's channel transport.
type bidiConn struct {
	*connect.BidiStream[runnerapi.ChannelMessage, runnerapi.ServerMessage]
}

func (c bidiConn) Receive() (runnerapi.ChannelMessage, error) {
	msg, err := c.BidiStream.Receive()
	if err != nil {
		return runnerapi.ChannelMessage{}, err
	}
	return *msg, nil
}

func (c bidiConn) Send(msg runnerapi.ServerMessage) error {
	return c.BidiStream.Send(&msg)
}

// connectCodes is checked in order; the first match wins.
var connectCodes = []struct {
	is   func(error) bool
	code connect.Code
}{
	{func(err error) bool { return errors.Is(err, context.Canceled) }, connect.CodeCanceled},
	{func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }, connect.CodeDeadlineExceeded},
	{errdefs.IsInvalidArgument, connect.CodeInvalidArgument},
	{errdefs.IsNotFound, connect.CodeNotFound},
	{errdefs.IsConflict, connect.CodeAlreadyExists},
	{errdefs.IsAlreadyExists, connect.CodeAlreadyExists},
	{errdefs.IsFailedPrecondition, connect.CodeFailedPrecondition},
	{errdefs.IsUnauthorized, connect.CodeUnauthenticated},
	{errdefs.IsPermissionDenied, connect.CodePermissionDenied},
	{errdefs.IsUnavailable, connect.CodeUnavailable},
	{errdefs.IsResourceExhausted, connect.CodeResourceExhausted},
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}
	for _, c := range connectCodes {
		if c.is(err) {
			return connect.NewError(c.code, err)
		}
	}
	return connect.NewError(connect.CodeInternal, err)
}
