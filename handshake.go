package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
)

// HandshakeOption represents the options for the HandshakeService.
type HandshakeOption func(*HandshakeService)

// HandshakeService implements the initialize/initialized negotiation.
//
// By default it holds no state: Initialize ignores every request field and returns the same
// static response, and Initialized always succeeds. With WithStrictHandshake the service checks
// the requested protocol version, intersects capabilities, and tracks each session from
// initialize to initialized in the given SessionStore.
type HandshakeService struct {
	info Info

	store             SessionStore
	supportedVersions []string
	capabilities      CapabilitySet

	logger *slog.Logger
}

// NewHandshakeService creates a handshake service advertising the given server info.
func NewHandshakeService(info Info, options ...HandshakeOption) HandshakeService {
	s := HandshakeService{
		info:              info,
		supportedVersions: []string{ProtocolVersion},
		capabilities:      CapabilitySet{},
		logger:            slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStrictHandshake enables protocol version checks, capability intersection and session
// tracking through the given store.
func WithStrictHandshake(store SessionStore) HandshakeOption {
	return func(s *HandshakeService) {
		s.store = store
	}
}

// WithSupportedProtocolVersions sets the protocol versions accepted in strict mode.
func WithSupportedProtocolVersions(versions ...string) HandshakeOption {
	return func(s *HandshakeService) {
		s.supportedVersions = versions
	}
}

// WithServerCapabilities sets the capabilities the server supports. They are only offered in
// strict mode, and only when the client requests them.
func WithServerCapabilities(capabilities CapabilitySet) HandshakeOption {
	return func(s *HandshakeService) {
		s.capabilities = capabilities
	}
}

// WithHandshakeLogger sets the logger for the handshake service.
func WithHandshakeLogger(logger *slog.Logger) HandshakeOption {
	return func(s *HandshakeService) {
		s.logger = logger.With(
			slog.String("package", "mcp-handshake"),
			slog.String("component", "handshake"),
		)
	}
}

// Info returns the server info sent in every initialize response.
func (s HandshakeService) Info() Info { return s.info }

// Strict reports whether the service runs with session tracking.
func (s HandshakeService) Strict() bool { return s.store != nil }

// Initialize implements Handshaker.
func (s HandshakeService) Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error) {
	if s.store == nil {
		s.logger.Debug("client initializing",
			slog.String("clientName", params.ClientInfo.Name),
			slog.String("clientVersion", params.ClientInfo.Version),
			slog.String("protocolVersion", params.ProtocolVersion))
		return s.defaultResult(), nil
	}

	if !slices.Contains(s.supportedVersions, params.ProtocolVersion) {
		return InitializeResult{}, newInvalidParamsError(
			fmt.Sprintf("protocol version mismatch: %s not in %v", params.ProtocolVersion, s.supportedVersions))
	}

	sess := Session{
		ID:              uuid.New().String(),
		State:           SessionInitializing,
		ProtocolVersion: params.ProtocolVersion,
		ClientInfo:      params.ClientInfo,
		Capabilities:    params.Capabilities.Intersect(s.capabilities),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("session initializing",
		slog.String("sessionID", sess.ID),
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))

	return InitializeResult{
		ProtocolVersion: sess.ProtocolVersion,
		Capabilities:    sess.Capabilities,
		SessionID:       &sess.ID,
		ServerInfo:      s.info,
	}, nil
}

// Initialized implements Handshaker. Without strict mode it is a no-op. In strict mode the
// session must have been created by Initialize; calling it again on a ready session succeeds.
func (s HandshakeService) Initialized(ctx context.Context, params InitializedParams) error {
	if s.store == nil {
		return nil
	}

	if params.SessionID == "" {
		return newInvalidRequestError("session not initialized: missing sessionId")
	}

	sess, err := s.store.Load(ctx, params.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
			return newInvalidRequestError(fmt.Sprintf("session not initialized: %s", err))
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	switch sess.State {
	case SessionReady:
		return nil
	case SessionInitializing:
	default:
		return newInvalidRequestError(fmt.Sprintf("session not initialized: state %s", sess.State))
	}

	sess.State = SessionReady
	if err := s.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("session ready", slog.String("sessionID", sess.ID))

	return nil
}

// defaultResult builds the static response. It is rebuilt on each call so callers never share
// the capability map.
func (s HandshakeService) defaultResult() InitializeResult {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    CapabilitySet{},
		ServerInfo:      s.info,
	}
}
