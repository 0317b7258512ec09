package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	mrand "math/rand"

	"github.com/estimatex/api/internal/cache"
	"github.com/estimatex/api/internal/model"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// codeAttempts bounds the retry loop when a generated code collides with an
// existing session's unique index.
const codeAttempts = 5

// Cache is the subset of the Redis client the service reads and writes
// sessions through. Lookups fail open: any cache error falls back to the
// store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Service implements the estimation session business rules on top of the
// GORM store. The Redis cache is optional; a nil cache disables caching.
type Service struct {
	db    *gorm.DB
	cache Cache
	// codeFn draws candidate session codes; injectable so collision
	// handling can be exercised deterministically.
	codeFn func() string
}

func NewService(db *gorm.DB, redisCache *cache.RedisCache) *Service {
	s := &Service{db: db, codeFn: newCode}
	if redisCache != nil {
		s.cache = redisCache
	}
	return s
}

type CreateInput struct {
	Title       string
	Description *string
	Deck        []float64
	RoleDecks   map[string][]float64
}

type JoinResult struct {
	SessionID string     `json:"sessionId"`
	User      model.User `json:"user"`
}

type RoleStats struct {
	Count  int       `json:"count"`
	Avg    float64   `json:"avg"`
	Values []float64 `json:"values"`
}

type Stats struct {
	ByRole map[model.Role]RoleStats `json:"byRole"`
}

type VotesResult struct {
	Session model.Session `json:"session"`
	Votes   []model.Vote  `json:"votes"`
	Stats   Stats         `json:"stats"`
}

// Create persists a new session with a generated code and facilitator secret.
// The returned record is the only response that ever carries the secret.
// Codes are random 6-digit draws; the unique index on code catches collisions
// and the draw is retried a bounded number of times.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.Session, error) {
	sess := model.Session{
		ID:                uuid.NewString(),
		Title:             in.Title,
		Description:       in.Description,
		FacilitatorSecret: newSecret(),
	}
	if in.Deck != nil {
		raw, err := json.Marshal(in.Deck)
		if err != nil {
			return model.Session{}, err
		}
		sess.Deck = datatypes.JSON(raw)
	}
	if in.RoleDecks != nil {
		raw, err := json.Marshal(in.RoleDecks)
		if err != nil {
			return model.Session{}, err
		}
		sess.RoleDecks = datatypes.JSON(raw)
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		sess.Code = s.codeFn()
		err := s.db.WithContext(ctx).Create(&sess).Error
		if err == nil {
			s.cacheSession(ctx, sess)
			return sess, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.Session{}, fmt.Errorf("create session: %w", err)
		}
	}
	return model.Session{}, ErrCodeExhausted
}

// GetByCode returns the session with the facilitator secret stripped.
func (s *Service) GetByCode(ctx context.Context, code string) (model.Session, error) {
	sess, err := s.getFullByCode(ctx, code)
	if err != nil {
		return model.Session{}, err
	}
	return sess.Redacted(), nil
}

// getFullByCode returns the session including the stored secret. Internal
// only; used to validate facilitator actions.
func (s *Service) getFullByCode(ctx context.Context, code string) (model.Session, error) {
	if cached, ok := s.cachedSession(ctx, code); ok {
		return cached, nil
	}

	var sess model.Session
	err := s.db.WithContext(ctx).First(&sess, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("find session: %w", err)
	}

	s.cacheSession(ctx, sess)
	return sess, nil
}

// Join creates a fresh user for the session. Joins are deliberately not
// deduplicated by name: two joins with the same name are two identities.
func (s *Service) Join(ctx context.Context, code, name string, role model.Role) (JoinResult, error) {
	sess, err := s.getFullByCode(ctx, code)
	if err != nil {
		return JoinResult{}, err
	}

	user := model.User{
		ID:   uuid.NewString(),
		Name: name,
		Role: role,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return JoinResult{}, fmt.Errorf("create user: %w", err)
	}
	return JoinResult{SessionID: sess.ID, User: user}, nil
}

// Vote upserts the user's estimate for one dimension. A revote updates the
// existing row in place, resets hidden to true, and refreshes the timestamp.
// The find-then-write pair is not atomic; concurrent revotes by the same
// user resolve last-write-wins, and different users touch different rows.
func (s *Service) Vote(ctx context.Context, code, userID string, value float64, dimension string) (model.Vote, error) {
	sess, err := s.getFullByCode(ctx, code)
	if err != nil {
		return model.Vote{}, err
	}
	if dimension == "" {
		dimension = model.DefaultDimension
	}

	var existing model.Vote
	err = s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ? AND dimension = ?", sess.ID, userID, dimension).
		Order("created_at DESC").
		First(&existing).Error

	switch {
	case err == nil:
		existing.Value = value
		existing.Hidden = true
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return model.Vote{}, fmt.Errorf("update vote: %w", err)
		}
		return existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		vote := model.Vote{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			UserID:    userID,
			Value:     value,
			Hidden:    true,
			Dimension: dimension,
		}
		if err := s.db.WithContext(ctx).Create(&vote).Error; err != nil {
			return model.Vote{}, fmt.Errorf("create vote: %w", err)
		}
		return vote, nil
	default:
		return model.Vote{}, fmt.Errorf("find vote: %w", err)
	}
}

// Votes returns the current votes for a session with per-role statistics.
// Hidden votes are excluded unless includeHidden is set. Votes are
// deduplicated by user identity keeping the most recent record, a defensive
// measure against duplicate rows from store races.
func (s *Service) Votes(ctx context.Context, code string, includeHidden bool, dimension string) (VotesResult, error) {
	sess, err := s.getFullByCode(ctx, code)
	if err != nil {
		return VotesResult{}, err
	}

	q := s.db.WithContext(ctx).
		Preload("User").
		Where("session_id = ?", sess.ID).
		Order("created_at DESC")
	if !includeHidden {
		q = q.Where("hidden = ?", false)
	}
	if dimension != "" {
		q = q.Where("dimension = ?", dimension)
	}

	var raw []model.Vote
	if err := q.Find(&raw).Error; err != nil {
		return VotesResult{}, fmt.Errorf("list votes: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	votes := make([]model.Vote, 0, len(raw))
	for _, v := range raw {
		if seen[v.UserID] {
			continue
		}
		seen[v.UserID] = true
		votes = append(votes, v)
	}

	return VotesResult{
		Session: sess.Redacted(),
		Votes:   votes,
		Stats:   computeStats(votes),
	}, nil
}

func computeStats(votes []model.Vote) Stats {
	byRole := make(map[model.Role]RoleStats)
	for _, v := range votes {
		rs := byRole[v.User.Role]
		rs.Count++
		rs.Values = append(rs.Values, v.Value)
		byRole[v.User.Role] = rs
	}
	for role, rs := range byRole {
		var sum float64
		for _, value := range rs.Values {
			sum += value
		}
		rs.Avg = sum / float64(len(rs.Values))
		byRole[role] = rs
	}
	return Stats{ByRole: byRole}
}

// Reveal flips every vote of the session visible in one bulk update, so
// readers observe either all-hidden or all-visible.
func (s *Service) Reveal(ctx context.Context, code string) error {
	sess, err := s.getFullByCode(ctx, code)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Model(&model.Vote{}).
		Where("session_id = ?", sess.ID).
		Update("hidden", false).Error
	if err != nil {
		return fmt.Errorf("reveal votes: %w", err)
	}
	return nil
}

// Clear deletes every vote of the session. The next vote per user starts a
// fresh row.
func (s *Service) Clear(ctx context.Context, code string) error {
	sess, err := s.getFullByCode(ctx, code)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Where("session_id = ?", sess.ID).
		Delete(&model.Vote{}).Error
	if err != nil {
		return fmt.Errorf("clear votes: %w", err)
	}
	return nil
}

// Authorize validates a facilitator action on the session identified by
// code. Sessions created before the facilitator feature have no stored
// secret and pass unconditionally.
func (s *Service) Authorize(ctx context.Context, code, secret string) error {
	sess, err := s.getFullByCode(ctx, code)
	if err != nil {
		return err
	}
	return ValidateFacilitator(&sess, secret)
}

// ValidateFacilitator checks a supplied secret against the session's stored
// one. A single shared string grants facilitator rights; there is no
// per-user auth.
func ValidateFacilitator(sess *model.Session, secret string) error {
	if sess == nil {
		return ErrNotFound
	}
	if sess.FacilitatorSecret == "" {
		// Backward compatibility: sessions created before the facilitator
		// feature are open to everyone.
		return nil
	}
	if secret != sess.FacilitatorSecret {
		return ErrForbidden
	}
	return nil
}

func (s *Service) cacheSession(ctx context.Context, sess model.Session) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.SessionKey(sess.Code), raw); err != nil {
		log.Printf("Warning: failed to cache session %s: %v", sess.Code, err)
	}
}

func (s *Service) cachedSession(ctx context.Context, code string) (model.Session, bool) {
	if s.cache == nil {
		return model.Session{}, false
	}
	raw, err := s.cache.Get(ctx, cache.SessionKey(code))
	if err != nil {
		return model.Session{}, false
	}
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return model.Session{}, false
	}
	return sess, true
}

// newCode draws a random 6-digit session code. Uniqueness is enforced by the
// store's index, not here.
func newCode() string {
	return fmt.Sprintf("%d", 100000+mrand.Intn(900000))
}

// newSecret returns the 16-character facilitator capability token.
func newSecret() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// uuid so creation still succeeds.
		return uuid.NewString()[:16]
	}
	return hex.EncodeToString(buf)
}
