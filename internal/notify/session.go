// Package notify streams wallet changes to connected service providers over
// the binary protocol in internal/wire.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridcredit/accounting/internal/accounting"
	"github.com/gridcredit/accounting/internal/auth"
	"github.com/gridcredit/accounting/internal/bufpool"
	"github.com/gridcredit/accounting/internal/config"
	"github.com/gridcredit/accounting/internal/directory"
	"github.com/gridcredit/accounting/internal/metrics"
	"github.com/gridcredit/accounting/internal/wire"
)

var (
	ErrBadHandshake = errors.New("notify: bad handshake")
	ErrUnauthorized = errors.New("notify: not a provider")
)

// FrameConn carries whole binary frames in both directions. A read past the
// deadline fails; the zero time means no deadline.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Ledger is the read-only part of the ledger a session consumes.
type Ledger interface {
	ForEachUpdatedWallet(ctx context.Context, actor accounting.Actor, providerID string, since int64, fn func(accounting.Wallet)) error
	IsRelevant(ctx context.Context, actor accounting.Actor, ownerID string, useProject bool, provider string) (bool, error)
}

// Projects resolves project metadata for info frames.
type Projects interface {
	Projects(ctx context.Context, ids []string) (map[string]directory.Project, error)
}

type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Service owns the dependencies shared by all sessions.
type Service struct {
	ledger      Ledger
	projects    Projects
	tokens      TokenValidator
	pool        *bufpool.Pool
	broadcaster *Broadcaster
	registry    *Registry
	cfg         config.NotifyConfig
}

func NewService(
	ledger Ledger,
	projects Projects,
	tokens TokenValidator,
	pool *bufpool.Pool,
	broadcaster *Broadcaster,
	registry *Registry,
	cfg config.NotifyConfig,
) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Service{
		ledger:      ledger,
		projects:    projects,
		tokens:      tokens,
		pool:        pool,
		broadcaster: broadcaster,
		registry:    registry,
		cfg:         cfg,
	}
}

func (svc *Service) Registry() *Registry {
	return svc.registry
}

// IdleTimeout is how long an authenticated connection may stay silent. The
// transport answers keepalives within it.
func (svc *Service) IdleTimeout() time.Duration {
	return 3 * svc.cfg.Interval
}

// Serve runs one provider session until the connection fails or ctx ends.
// The connection is closed on return.
func (svc *Service) Serve(ctx context.Context, conn FrameConn, remoteAddr string) error {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(svc.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}
	s, err := svc.handshake(conn)
	if err != nil {
		return err
	}
	if err := conn.SetReadDeadline(time.Now().Add(svc.IdleTimeout())); err != nil {
		return fmt.Errorf("setting idle deadline: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := svc.broadcaster.Subscribe()
	defer sub.Close()
	s.sub = sub

	svc.registry.Register(&ConnectedSession{
		ID:          s.id,
		ProviderID:  s.providerID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	})
	defer svc.registry.Unregister(s.id)

	slog.Info("notify: provider connected", "session_id", s.id, "provider", s.providerID, "replay_from", s.cursor)

	// Clients send nothing after the handshake; reading only detects the close.
	go func() {
		defer cancel()
		for {
			if _, err := conn.ReadFrame(); err != nil {
				return
			}
		}
	}()

	err = s.run(ctx)
	slog.Info("notify: provider disconnected", "session_id", s.id, "provider", s.providerID, "cursor", s.cursor)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (svc *Service) handshake(conn FrameConn) (*session, error) {
	frame, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	h, err := wire.DecodeHandshake(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}
	if h.Flags != 0 {
		return nil, fmt.Errorf("%w: unsupported flags %d", ErrBadHandshake, h.Flags)
	}
	claims, err := svc.tokens.ValidateToken(h.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Role != auth.RoleProvider {
		return nil, fmt.Errorf("%w: role %s", ErrUnauthorized, claims.Role)
	}
	providerID, ok := strings.CutPrefix(claims.Username, svc.cfg.ProviderPrefix)
	if !ok || providerID == "" {
		return nil, fmt.Errorf("%w: %q is not a provider identity", ErrUnauthorized, claims.Username)
	}

	return &session{
		svc:        svc,
		conn:       conn,
		id:         uuid.New(),
		actor:      accounting.Actor{Username: claims.Username, Role: claims.Role},
		providerID: providerID,
		cursor:     h.ReplayFrom,
		projects:   newInterner[string](),
		users:      newInterner[string](),
		categories: newInterner[accounting.CategoryID](),
		projectMod: make(map[string]int64),
		relevant:   make(map[string]bool),
	}, nil
}

// session is the state of one connection. It is only touched by the
// goroutine running Serve.
type session struct {
	svc        *Service
	conn       FrameConn
	sub        *Subscription
	id         uuid.UUID
	actor      accounting.Actor
	providerID string
	cursor     int64

	projects   *interner[string]
	users      *interner[string]
	categories *interner[accounting.CategoryID]
	// projectMod is the modifiedAt last sent per project.
	projectMod map[string]int64
	relevant   map[string]bool
}

func (s *session) run(ctx context.Context) error {
	ticker := time.NewTicker(s.svc.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.iterate(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.sub.C():
		}
	}
}

// pendingInfo collects the entities an info frame must describe.
type pendingInfo struct {
	users      []string
	projects   []string
	categories []accounting.ProductCategory
}

func (s *session) iterate(ctx context.Context) (err error) {
	bufs, err := s.svc.pool.Borrow(ctx, 2)
	if err != nil {
		return err
	}
	info := wire.NewEncoder(bufs[0])
	deltas := wire.NewEncoder(bufs[1])
	defer func() { s.svc.pool.Recycle(info.Bytes(), deltas.Bytes()) }()

	var pending pendingInfo
	queued := make(map[string]bool)

	for _, id := range s.sub.Drain() {
		ok := s.relevant[id]
		if !ok {
			if ok, err = s.svc.ledger.IsRelevant(ctx, s.actor, id, true, s.providerID); err != nil {
				return fmt.Errorf("checking relevance of %s: %w", id, err)
			}
			s.relevant[id] = ok
		}
		if ok && !queued[id] {
			queued[id] = true
			pending.projects = append(pending.projects, id)
		}
	}

	cursor := s.cursor
	err = s.svc.ledger.ForEachUpdatedWallet(ctx, s.actor, s.providerID, s.cursor, func(w accounting.Wallet) {
		catRef, newCat := s.categories.intern(w.Category.ID())
		if newCat {
			pending.categories = append(pending.categories, w.Category)
		}

		var ownerRef int32
		if w.Owner.IsProject() {
			var isNew bool
			ownerRef, isNew = s.projects.intern(w.Owner.ID)
			s.relevant[w.Owner.ID] = true
			if isNew && !queued[w.Owner.ID] {
				queued[w.Owner.ID] = true
				pending.projects = append(pending.projects, w.Owner.ID)
			}
		} else {
			var isNew bool
			ownerRef, isNew = s.users.intern(w.Owner.ID)
			if isNew {
				pending.users = append(pending.users, w.Owner.ID)
			}
		}

		deltas.Wallet(wire.WalletRecord{
			WorkspaceRef:     ownerRef,
			CategoryRef:      catRef,
			TotalActiveQuota: w.Allocated,
			Locked:           w.Locked,
			OwnerIsProject:   w.Owner.IsProject(),
			LastUpdate:       w.LastSignificantUpdateAt,
		})
		cursor = max(cursor, w.LastSignificantUpdateAt)
	})
	if err != nil {
		return fmt.Errorf("collecting wallet updates: %w", err)
	}

	if err := s.encodeInfo(ctx, info, &pending); err != nil {
		return err
	}
	if info.Len() > 0 {
		if err := s.send(info.Bytes(), "info"); err != nil {
			return err
		}
	}
	if err := s.send(deltas.Bytes(), "wallets"); err != nil {
		return err
	}
	s.cursor = cursor
	return nil
}

func (s *session) encodeInfo(ctx context.Context, e *wire.Encoder, p *pendingInfo) error {
	for _, username := range p.users {
		ref, _ := s.users.intern(username)
		e.UserInfo(wire.UserInfo{Ref: ref, Username: username})
	}

	if len(p.projects) > 0 {
		meta, err := s.svc.projects.Projects(ctx, p.projects)
		if err != nil {
			return fmt.Errorf("loading project metadata: %w", err)
		}
		for _, id := range p.projects {
			ref, isNew := s.projects.intern(id)
			project, found := meta[id]
			if !found {
				project = directory.Project{ID: id}
			}
			modifiedAt := project.ModifiedAt.UnixMilli()
			if project.ModifiedAt.IsZero() {
				modifiedAt = 0
			}
			if last, sent := s.projectMod[id]; sent && !isNew && last == modifiedAt {
				continue
			}
			payload, err := json.Marshal(project)
			if err != nil {
				return fmt.Errorf("encoding project %s: %w", id, err)
			}
			e.ProjectInfo(wire.ProjectInfo{Ref: ref, ModifiedAt: modifiedAt, JSON: string(payload)})
			s.projectMod[id] = modifiedAt
		}
	}

	for _, c := range p.categories {
		ref, _ := s.categories.intern(c.ID())
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding category %s: %w", c.ID(), err)
		}
		e.CategoryInfo(wire.CategoryInfo{Ref: ref, JSON: string(payload)})
	}
	return nil
}

func (s *session) send(frame []byte, kind string) error {
	if err := s.conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("sending %s frame: %w", kind, err)
	}
	metrics.NotifyFramesSentTotal.WithLabelValues(kind).Inc()
	metrics.NotifyBytesSentTotal.Add(float64(len(frame)))
	return nil
}
