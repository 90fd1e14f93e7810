package controlclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/benchroom/internal/endpoint"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/buildkite/benchroom/internal/tlsconfig"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	claim      *connect.Client[runnerapi.ClaimRequest, runnerapi.ClaimResponse]
	channel    *connect.Client[runnerapi.ChannelMessage, runnerapi.ServerMessage]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
	token   string
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

// WithRunnerToken sets the bearer token sent on runner API calls.
func WithRunnerToken(token string) Option {
	return func(o *options) {
		o.token = strings.TrimSpace(token)
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep, baseURL, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Transport: transport}
	codec := connect.WithCodec(runnerapi.Codec{})
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      o.token,
		claim:      connect.NewClient[runnerapi.ClaimRequest, runnerapi.ClaimResponse](httpClient, baseURL+runnerapi.ClaimProcedure, codec),
		channel:    connect.NewClient[runnerapi.ChannelMessage, runnerapi.ServerMessage](httpClient, baseURL+runnerapi.ChannelProcedure, codec),
	}, nil
}

func buildTransport(ep endpoint.Endpoint, baseURL string, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid endpoint base url %q", baseURL)
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// Claim long-polls for a job. It returns nil when the poll window closed
// without one.
func (c *Client) Claim(ctx context.Context, pollTimeout uint32) (*jobs.ClaimedJob, error) {
	req := connect.NewRequest(&runnerapi.ClaimRequest{PollTimeout: pollTimeout})
	c.authorize(req.Header())
	resp, err := c.claim.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg.Job, nil
}

// Channel is the runner end of a job channel.
type Channel struct {
	stream *connect.BidiStreamForClient[runnerapi.ChannelMessage, runnerapi.ServerMessage]
}

// OpenChannel starts the job channel for id. Nothing is sent until the first
// Send.
func (c *Client) OpenChannel(ctx context.Context, id uuid.UUID) *Channel {
	stream := c.channel.CallBidiStream(ctx)
	c.authorize(stream.RequestHeader())
	stream.RequestHeader().Set(runnerapi.JobHeader, id.String())
	return &Channel{stream: stream}
}

func (ch *Channel) Send(msg runnerapi.ChannelMessage) error {
	return ch.stream.Send(&msg)
}

func (ch *Channel) Receive() (runnerapi.ServerMessage, error) {
	msg, err := ch.stream.Receive()
	if err != nil {
		return runnerapi.ServerMessage{}, err
	}
	return *msg, nil
}

func (ch *Channel) Close() error {
	reqErr := ch.stream.CloseRequest()
	respErr := ch.stream.CloseResponse()
	if reqErr != nil {
		return reqErr
	}
	return respErr
}

func (c *Client) SubmitRun(ctx context.Context, req runnerapi.RunRequest) (runnerapi.RunResponse, error) {
	var resp runnerapi.RunResponse
	err := c.do(ctx, http.MethodPost, "/v0/run", req, &resp)
	return resp, err
}

func (c *Client) ListJobs(ctx context.Context, project string, status jobs.Status) ([]jobs.Job, error) {
	path := "/v0/projects/" + url.PathEscape(project) + "/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var list []jobs.Job
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	return list, err
}

func (c *Client) GetJob(ctx context.Context, project string, id uuid.UUID) (jobs.Job, error) {
	var job jobs.Job
	err := c.do(ctx, http.MethodGet, "/v0/projects/"+url.PathEscape(project)+"/jobs/"+id.String(), nil, &job)
	return job, err
}

func (c *Client) CancelJob(ctx context.Context, project string, id uuid.UUID) (runnerapi.CancelResponse, error) {
	var resp runnerapi.CancelResponse
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+url.PathEscape(project)+"/jobs/"+id.String()+"/cancel", nil, &resp)
	return resp, err
}

func (c *Client) ListSpecs(ctx context.Context, project string) ([]jobs.Spec, error) {
	var specs []jobs.Spec
	err := c.do(ctx, http.MethodGet, "/v0/projects/"+url.PathEscape(project)+"/specs", nil, &specs)
	return specs, err
}

func (c *Client) CreateSpec(ctx context.Context, project string, spec jobs.Spec) (jobs.Spec, error) {
	var created jobs.Spec
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+url.PathEscape(project)+"/specs", spec, &created)
	return created, err
}

func (c *Client) ArchiveSpec(ctx context.Context, project, spec string) error {
	return c.do(ctx, http.MethodDelete, "/v0/projects/"+url.PathEscape(project)+"/specs/"+url.PathEscape(spec), nil, nil)
}

// do performs a REST call. Error responses come back as errdefs classes
// wrapping the server's message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr runnerapi.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%w: %s", errhttp.ToNative(resp.StatusCode), apiErr.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
