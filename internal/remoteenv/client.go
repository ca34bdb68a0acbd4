package remoteenv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultCallTimeout bounds every remote call.
const DefaultCallTimeout = 5 * time.Second

// Client is an env.Environment backed by a remote Environment service. The
// last reset/step result is cached so the getters need no round trip. A
// failed call is reported through Err until the next call.
type Client struct {
	conn    *grpc.ClientConn
	owned   bool
	timeout time.Duration
	logger  zerolog.Logger

	obsDim   int
	actDim   int
	maxSteps int

	mu          sync.Mutex
	observation []float64
	reward      float64
	terminated  bool
	truncated   bool
	err         error
}

// Dial connects to addr and fetches the environment description.
func Dial(ctx context.Context, addr string, logger zerolog.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to environment at %s: %w", addr, err)
	}
	client, err := NewClient(ctx, conn, DefaultCallTimeout, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	client.owned = true
	return client, nil
}

// NewClient wraps an existing connection. The connection stays owned by the
// caller.
func NewClient(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &Client{
		conn:    conn,
		timeout: timeout,
		logger:  logger.With().Str("component", "remoteenv").Logger(),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	desc := new(structpb.Struct)
	if err := conn.Invoke(ctx, describeMethod, &emptypb.Empty{}, desc); err != nil {
		return nil, fmt.Errorf("failed to describe environment: %w", err)
	}
	c.obsDim = intField(desc, fieldObservationDim)
	c.actDim = intField(desc, fieldActionDim)
	c.maxSteps = intField(desc, fieldMaxEpisodeSteps)
	if c.obsDim <= 0 || c.actDim <= 0 {
		return nil, fmt.Errorf("environment reported invalid dimensions %dx%d", c.obsDim, c.actDim)
	}
	c.observation = make([]float64, c.obsDim)

	c.logger.Info().
		Int("observation_dim", c.obsDim).
		Int("action_dim", c.actDim).
		Int("max_episode_steps", c.maxSteps).
		Msg("Connected to remote environment")
	return c, nil
}

// Close closes the connection if Dial created it.
func (c *Client) Close() error {
	if c.owned && c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Reset implements env.Environment.
func (c *Client) Reset() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.call(resetMethod, &emptypb.Empty{})
	if err != nil {
		return append([]float64(nil), c.observation...)
	}
	obs, err := floatsField(resp, fieldObservation)
	if err != nil {
		c.err = err
		return append([]float64(nil), c.observation...)
	}
	c.observation = obs
	c.reward = 0
	c.terminated = false
	c.truncated = false
	return append([]float64(nil), obs...)
}

// Step implements env.Environment.
func (c *Client) Step(action []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := &structpb.Struct{Fields: map[string]*structpb.Value{fieldAction: floatList(action)}}
	resp, err := c.call(stepMethod, req)
	if err != nil {
		return
	}
	obs, err := floatsField(resp, fieldObservation)
	if err != nil {
		c.err = err
		return
	}
	c.observation = obs
	c.reward = resp.GetFields()[fieldReward].GetNumberValue()
	c.terminated = boolField(resp, fieldTerminated)
	c.truncated = boolField(resp, fieldTruncated)
}

// Observation implements env.Environment.
func (c *Client) Observation() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.observation...)
}

// Reward implements env.Environment.
func (c *Client) Reward() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reward
}

// IsDone implements env.Environment.
func (c *Client) IsDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// IsTruncated implements env.Truncator.
func (c *Client) IsTruncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// ObservationDim implements env.Environment.
func (c *Client) ObservationDim() int { return c.obsDim }

// ActionDim implements env.Environment.
func (c *Client) ActionDim() int { return c.actDim }

// MaxEpisodeSteps implements env.EpisodeLimiter.
func (c *Client) MaxEpisodeSteps() int { return c.maxSteps }

// Err implements env.Faulter.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) call(method string, req interface{}) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	err := c.conn.Invoke(ctx, method, req, resp)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s timed out after %s: %w", method, c.timeout, err)
		}
		c.logger.Error().Err(err).Str("method", method).Msg("remote environment call failed")
		c.err = err
		return nil, err
	}
	c.err = nil
	return resp, nil
}
