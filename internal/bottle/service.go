package bottle

import (
	"context"
	"strings"
	"unicode/utf8"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxMessageRunes = 500
)

type Service struct {
	repo             *Repo
	foreverThreshold int
}

func NewService(repo *Repo, foreverThreshold int) *Service {
	return &Service{repo: repo, foreverThreshold: foreverThreshold}
}

func (s *Service) Repo() *Repo { return s.repo }

type Page struct {
	Bottles []Bottle `json:"bottles"`
	Total   int64    `json:"total"`
	HasMore bool     `json:"hasMore"`
}

// ClampPage normalizes paging input the way every list endpoint expects it.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) ListConfirmed(ctx context.Context, limit, offset int) (*Page, error) {
	limit, offset = ClampPage(limit, offset)
	bottles, total, err := s.repo.ListBottles(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if bottles == nil {
		bottles = []Bottle{}
	}
	return &Page{
		Bottles: bottles,
		Total:   total,
		HasMore: int64(offset+len(bottles)) < total,
	}, nil
}

// NormalizeMessage trims the message and reports whether it is postable.
func NormalizeMessage(msg string) (string, bool) {
	msg = strings.TrimSpace(msg)
	n := utf8.RuneCountInString(msg)
	return msg, n > 0 && n <= MaxMessageRunes
}

func (s *Service) Like(ctx context.Context, bottleID uint64, userID string) (*Bottle, error) {
	if _, err := s.repo.GetBottle(ctx, bottleID); err != nil {
		return nil, err
	}
	if _, err := s.repo.AddLike(ctx, bottleID, userID); err != nil {
		return nil, err
	}
	return s.repo.RefreshEngagement(ctx, bottleID, s.foreverThreshold)
}

func (s *Service) Unlike(ctx context.Context, bottleID uint64, userID string) (*Bottle, error) {
	if _, err := s.repo.GetBottle(ctx, bottleID); err != nil {
		return nil, err
	}
	if _, err := s.repo.RemoveLike(ctx, bottleID, userID); err != nil {
		return nil, err
	}
	return s.repo.RefreshEngagement(ctx, bottleID, s.foreverThreshold)
}

// RefreshEngagement is used by the sync job after it caches new bottles.
func (s *Service) RefreshEngagement(ctx context.Context, bottleID uint64) (*Bottle, error) {
	return s.repo.RefreshEngagement(ctx, bottleID, s.foreverThreshold)
}
