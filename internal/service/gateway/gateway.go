// Package gateway turns inbound surface envelopes into conversation store
// operations around a single Responder call.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/cache/redis"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

const (
	// DefaultMode is used when a request carries no mode hint.
	DefaultMode = "advisor"
	// Version is reported in every envelope.
	Version = "2.0.0"

	idempotencyKeyPrefix = "maestra:envelope:"

	defaultTimeout       = 60 * time.Second
	defaultHistoryWindow = 20
	defaultReplayTTL     = 24 * time.Hour
)

// ReplayCache stores finished envelopes so a retried request is answered
// without appending the turn twice. *redis.Client implements it.
type ReplayCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Options configures a Service.
type Options struct {
	// Source is reported in envelopes: "local" or "cloud".
	Source string
	// Timeout bounds one Responder call.
	Timeout time.Duration
	// HistoryWindow is the number of recent messages handed to the Responder.
	HistoryWindow int
	// Replay enables idempotent replay when set.
	Replay    ReplayCache
	ReplayTTL time.Duration
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Service is the gateway adapter. It holds no locks of its own: the store
// serializes each mutation and the Responder runs outside of them.
type Service struct {
	store     storage.Store
	responder Responder
	replay    ReplayCache
	replayTTL time.Duration
	logger    logrus.FieldLogger
	now       func() time.Time
	source    string
	timeout   time.Duration
	history   int
}

// NewService creates a new gateway Service.
func NewService(store storage.Store, responder Responder, opts Options) *Service {
	s := &Service{
		store:     store,
		responder: responder,
		replay:    opts.Replay,
		replayTTL: opts.ReplayTTL,
		logger:    opts.Logger,
		now:       opts.Now,
		source:    opts.Source,
		timeout:   opts.Timeout,
		history:   opts.HistoryWindow,
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.source == "" {
		s.source = "local"
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.history <= 0 {
		s.history = defaultHistoryWindow
	}
	if s.replayTTL <= 0 {
		s.replayTTL = defaultReplayTTL
	}
	return s
}

// Store returns the conversation store the service writes to.
func (s *Service) Store() storage.Store {
	return s.store
}

// Handle runs one turn: record the user message, ask the Responder, record
// its reply and build the envelope. idempotencyKey may be empty.
func (s *Service) Handle(ctx context.Context, req *Request, idempotencyKey string) (*Envelope, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		idempotencyKey = req.RequestID
	}
	replayKey := s.replayKey(req, idempotencyKey)
	if env := s.lookupReplay(ctx, replayKey); env != nil {
		return env, nil
	}

	start := s.now()
	mode := req.ModeHint
	if mode == "" {
		mode = DefaultMode
	}
	logger := s.logger.WithFields(logrus.Fields{
		"conversation_id": req.ConversationID,
		"surface":         req.SurfaceID,
		"user_id":         req.UserID,
		"mode":            mode,
	})

	conv, err := s.store.GetOrCreate(ctx, req.ConversationID, req.UserID, req.SurfaceID, req.Message)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	if req.AuthenticatedUser != "" && conv.Owner != req.AuthenticatedUser {
		logger.WithField("owner", conv.Owner).Warn("caller does not own conversation")
		return nil, fmt.Errorf("open conversation %s: %w", req.ConversationID, storage.ErrNotFound)
	}
	if conv.MessageCount == 0 {
		logger.Info("starting conversation")
	} else {
		logger.WithField("message_count", conv.MessageCount).Info("resuming conversation")
	}

	if _, err := s.store.AppendMessage(ctx, req.ConversationID, types.MessageInput{
		Role:    types.RoleUser,
		Content: req.Message,
		Surface: req.SurfaceID,
		Mode:    req.ModeHint,
		Meta:    userMeta(req.SurfaceContext),
	}); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	history, err := s.store.GetMessages(ctx, req.ConversationID, s.history)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	reply, err := s.respond(ctx, ResponderInput{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		SurfaceID:      req.SurfaceID,
		Mode:           mode,
		Message:        req.Message,
		History:        history,
		SurfaceContext: req.SurfaceContext,
	})
	if err != nil {
		logger.WithError(err).Error("responder failed; user message kept")
		return nil, &ResponderError{ConversationID: req.ConversationID, Err: err}
	}

	latencyMS := s.now().Sub(start).Milliseconds()
	meta := map[string]any{
		"latency_ms": latencyMS,
		"model":      reply.Model,
		"tokens":     reply.Tokens(),
		"cost_usd":   reply.CostUSD,
	}
	if _, err := s.store.AppendMessage(ctx, req.ConversationID, types.MessageInput{
		Role:    types.RoleAssistant,
		Content: reply.Text,
		Surface: req.SurfaceID,
		Mode:    mode,
		Meta:    meta,
	}); err != nil {
		return nil, fmt.Errorf("record assistant message: %w", err)
	}

	artifacts := make([]ArtifactReference, 0, len(reply.Artifacts))
	for _, in := range reply.Artifacts {
		link, err := s.store.LinkArtifact(ctx, req.ConversationID, in)
		if err != nil {
			return nil, fmt.Errorf("link artifact %s/%s: %w", in.Type, in.ID, err)
		}
		artifacts = append(artifacts, ArtifactReference{
			Type:       link.Type,
			ID:         link.ID,
			Title:      link.Title,
			Confidence: link.Confidence,
		})
	}
	actions := reply.Actions
	if actions == nil {
		actions = []ActionReference{}
	}

	env := &Envelope{
		Reply:          reply.Text,
		Mode:           mode,
		ConversationID: req.ConversationID,
		Source:         s.source,
		Version:        Version,
		Artifacts:      artifacts,
		Actions:        actions,
		Meta:           meta,
	}
	logger.WithFields(logrus.Fields{
		"latency_ms": latencyMS,
		"model":      reply.Model,
	}).Info("turn completed")

	s.storeReplay(ctx, replayKey, env)
	return env, nil
}

func (s *Service) respond(ctx context.Context, in ResponderInput) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.responder.Respond(ctx, in)
	if err != nil {
		return nil, err
	}
	if reply == nil || strings.TrimSpace(reply.Text) == "" {
		return nil, errors.New("empty reply")
	}
	return reply, nil
}

func (s *Service) replayKey(req *Request, key string) string {
	if s.replay == nil || key == "" {
		return ""
	}
	return idempotencyKeyPrefix + req.UserID + ":" + req.ConversationID + ":" + key
}

// lookupReplay returns a stored envelope for key. Cache failures only cost
// the replay, never the request.
func (s *Service) lookupReplay(ctx context.Context, key string) *Envelope {
	if key == "" {
		return nil
	}
	data, err := s.replay.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrMiss) {
			s.logger.WithError(err).Warn("replay lookup failed")
		}
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.WithError(err).Warn("discarding unreadable replay entry")
		return nil
	}
	if env.Meta == nil {
		env.Meta = map[string]any{}
	}
	env.Meta["replayed"] = true
	return &env
}

func (s *Service) storeReplay(ctx context.Context, key string, env *Envelope) {
	if key == "" {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode envelope for replay")
		return
	}
	if _, err := s.replay.SetIfAbsent(ctx, key, data, s.replayTTL); err != nil {
		s.logger.WithError(err).Warn("failed to store envelope for replay")
	}
}

func validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", storage.ErrInvalidInput)
	}
	var missing []string
	if req.UserID == "" {
		missing = append(missing, "user_id")
	}
	if req.SurfaceID == "" {
		missing = append(missing, "surface_id")
	}
	if req.ConversationID == "" {
		missing = append(missing, "conversation_id")
	}
	if req.Message == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", storage.ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

// userMeta records where on the surface the message came from.
func userMeta(sc *SurfaceContext) map[string]any {
	meta := map[string]any{"file_path": nil, "workspace": nil}
	if sc == nil {
		return meta
	}
	if sc.FilePath != "" {
		meta["file_path"] = sc.FilePath
	}
	if sc.Workspace != "" {
		meta["workspace"] = sc.Workspace
	}
	return meta
}
