package remoteenv

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cartridge/learner/internal/env"
)

// Server exposes a local Environment over gRPC. Calls are serialized since
// an environment holds a single episode.
type Server struct {
	mu     sync.Mutex
	env    env.Environment
	logger zerolog.Logger
}

// NewServer wraps environment.
func NewServer(environment env.Environment, logger zerolog.Logger) *Server {
	return &Server{
		env:    environment,
		logger: logger.With().Str("component", "envserver").Logger(),
	}
}

// Describe reports the environment's dimensions and episode cap.
func (s *Server) Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxSteps := 0
	if limiter, ok := s.env.(env.EpisodeLimiter); ok {
		maxSteps = limiter.MaxEpisodeSteps()
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldObservationDim:  structpb.NewNumberValue(float64(s.env.ObservationDim())),
		fieldActionDim:       structpb.NewNumberValue(float64(s.env.ActionDim())),
		fieldMaxEpisodeSteps: structpb.NewNumberValue(float64(maxSteps)),
	}}, nil
}

// Reset starts a new episode.
func (s *Server) Reset(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs := s.env.Reset()
	s.logger.Debug().Int("observation_len", len(obs)).Msg("episode reset")
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldObservation: floatList(obs),
	}}, nil
}

// Step applies the requested action and returns the full step result.
func (s *Server) Step(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	action, err := floatsField(req, fieldAction)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(action) != s.env.ActionDim() {
		return nil, status.Errorf(codes.InvalidArgument, "action has %d elements, want %d", len(action), s.env.ActionDim())
	}
	s.env.Step(action)

	truncated := false
	if truncator, ok := s.env.(env.Truncator); ok {
		truncated = truncator.IsTruncated()
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldObservation: floatList(s.env.Observation()),
		fieldReward:      structpb.NewNumberValue(s.env.Reward()),
		fieldTerminated:  structpb.NewBoolValue(s.env.IsDone()),
		fieldTruncated:   structpb.NewBoolValue(truncated),
	}}, nil
}
