// Package items is the lifecycle controller for reported items. It decides
// the initial status of a report and performs the guarded Pending ->
// Approved -> Claimed transitions on top of the item repository.
package items

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/erazemk/najdeno/internal/identity"
	"github.com/erazemk/najdeno/internal/media"
	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/store"
)

// Repository is the storage the controller runs on. *store.Items satisfies it.
type Repository interface {
	Create(ctx context.Context, item model.Item, actorID string) (*model.Item, error)
	Find(ctx context.Context, filter store.ItemFilter, order store.SortOrder) ([]model.Item, error)
	Get(ctx context.Context, id int64) (*model.Item, error)
	UpdateStatus(ctx context.Context, id int64, expected, next model.ItemStatus, actorID string) (*model.Item, error)
	History(ctx context.Context, id int64) ([]model.Transition, error)
}

// MediaStore keeps uploaded images. *media.Library satisfies it.
type MediaStore interface {
	Put(ctx context.Context, r io.Reader) (string, error)
	Delete(ctx context.Context, ref string) error
}

// ReportInput is a new item report.
type ReportInput struct {
	Name        string         `json:"itemName"`
	Category    string         `json:"category"`
	Location    string         `json:"location"`
	Description string         `json:"description"`
	Type        model.ItemType `json:"itemType"`

	// Image is the raw upload, nil when the report has no picture.
	Image io.Reader `json:"-"`
}

// Validate checks the report fields.
func (in ReportInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.RuneLength(1, 200)),
		validation.Field(&in.Category, validation.RuneLength(0, 100)),
		validation.Field(&in.Location, validation.RuneLength(0, 200)),
		validation.Field(&in.Description, validation.RuneLength(0, 2000)),
		validation.Field(&in.Type, validation.Required, validation.In(model.ItemTypeLost, model.ItemTypeFound)),
	)
}

func (in ReportInput) trimmed() ReportInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	in.Location = strings.TrimSpace(in.Location)
	in.Description = strings.TrimSpace(in.Description)
	in.Type = model.ItemType(strings.TrimSpace(string(in.Type)))
	return in
}

// Service runs the item lifecycle.
type Service struct {
	repo      Repository
	directory identity.Directory
	media     MediaStore
	now       func() time.Time
	logger    *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithDirectory enables reporter enrichment of the pending listing.
func WithDirectory(d identity.Directory) Option {
	return func(s *Service) { s.directory = d }
}

// WithMedia enables image uploads on reports.
func WithMedia(m MediaStore) Option {
	return func(s *Service) { s.media = m }
}

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger for audit and failure messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService returns a controller backed by repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report stores a new item on behalf of claim. Admin reports are approved
// immediately, everything else waits for moderation.
func (s *Service) Report(ctx context.Context, in ReportInput, claim identity.Claim) (*model.Item, error) {
	in = in.trimmed()
	if err := in.Validate(); err != nil {
		return nil, &InputError{Err: err}
	}

	var ref *string
	if in.Image != nil {
		if s.media == nil {
			return nil, &InputError{Err: errors.New("image uploads are not enabled")}
		}
		stored, err := s.media.Put(ctx, in.Image)
		if err != nil {
			if errors.Is(err, media.ErrInvalidImage) {
				return nil, &InputError{Err: err}
			}
			s.logger.Error("storing item image failed", "subject", claim.Subject, "error", err)
			return nil, storageErr("storing image", err)
		}
		ref = &stored
	}

	status := InitialStatus(claim.Role)
	item, err := s.repo.Create(ctx, model.Item{
		Name:        in.Name,
		Category:    in.Category,
		Location:    in.Location,
		Description: in.Description,
		Type:        in.Type,
		Image:       ref,
		ReporterID:  claim.Subject,
		Status:      status,
		CreatedAt:   s.now().UTC(),
	}, claim.Subject)
	if err != nil {
		s.logger.Error("creating item failed", "subject", claim.Subject, "error", err)
		if ref != nil {
			if derr := s.media.Delete(context.WithoutCancel(ctx), *ref); derr != nil {
				s.logger.Warn("removing orphaned image failed", "ref", *ref, "error", derr)
			}
		}
		return nil, storageErr("creating item", err)
	}

	s.logger.Info("item reported", "item_id", item.ID, "subject", claim.Subject, "status", status)
	return item, nil
}

// ListApproved returns the publicly visible items, newest first.
func (s *Service) ListApproved(ctx context.Context) ([]model.Item, error) {
	return s.find(ctx, store.ItemFilter{Status: model.ItemStatusApproved})
}

// ListOwn returns every item reported by claim, whatever its status.
func (s *Service) ListOwn(ctx context.Context, claim identity.Claim) ([]model.Item, error) {
	return s.find(ctx, store.ItemFilter{ReporterID: claim.Subject})
}

// ListPending returns the moderation queue, newest first, with reporter
// details when the directory can supply them.
func (s *Service) ListPending(ctx context.Context) ([]model.PendingItem, error) {
	found, err := s.find(ctx, store.ItemFilter{Status: model.ItemStatusPending})
	if err != nil {
		return nil, err
	}

	pending := make([]model.PendingItem, len(found))
	for i, item := range found {
		pending[i] = model.PendingItem{Item: item}
	}
	if s.directory == nil || len(found) == 0 {
		return pending, nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, item := range found {
		if !seen[item.ReporterID] {
			seen[item.ReporterID] = true
			ids = append(ids, item.ReporterID)
		}
	}

	reporters, err := s.directory.Lookup(ctx, ids)
	if err != nil {
		s.logger.Warn("reporter lookup failed, returning pending items without reporters", "error", err)
		return pending, nil
	}
	for i := range pending {
		if r, ok := reporters[pending[i].ReporterID]; ok {
			pending[i].Reporter = &r
		}
	}
	return pending, nil
}

// Approve publishes a pending item.
func (s *Service) Approve(ctx context.Context, id int64, claim identity.Claim) (*model.Item, error) {
	return s.transition(ctx, id, claim, model.ItemStatusPending, model.ItemStatusApproved)
}

// Claim marks an approved item as handed over to its owner.
func (s *Service) Claim(ctx context.Context, id int64, claim identity.Claim) (*model.Item, error) {
	return s.transition(ctx, id, claim, model.ItemStatusApproved, model.ItemStatusClaimed)
}

// History returns the recorded status changes of an item, oldest first.
func (s *Service) History(ctx context.Context, id int64, claim identity.Claim) ([]model.Transition, error) {
	if !claim.IsAdmin() {
		return nil, ErrForbidden
	}

	if _, err := s.repo.Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("getting item", err)
	}

	history, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, storageErr("getting item history", err)
	}
	if history == nil {
		history = []model.Transition{}
	}
	return history, nil
}

func (s *Service) transition(ctx context.Context, id int64, claim identity.Claim, from, to model.ItemStatus) (*model.Item, error) {
	log := s.logger.With("item_id", id, "from", from, "to", to, "subject", claim.Subject)

	if !claim.IsAdmin() {
		log.Warn("status change refused, caller is not an admin", "role", claim.Role)
		return nil, ErrForbidden
	}
	if !CanTransition(from, to) {
		return nil, &TransitionError{ItemID: id, From: from, To: to, Current: from}
	}

	item, err := s.repo.UpdateStatus(ctx, id, from, to, claim.Subject)
	if err == nil {
		log.Info("item status changed")
		return item, nil
	}

	var mismatch *store.StatusMismatchError
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Info("status change on missing item")
		return nil, ErrNotFound
	case errors.As(err, &mismatch):
		log.Info("status change refused", "current", mismatch.Current)
		return nil, &TransitionError{ItemID: id, From: from, To: to, Current: mismatch.Current}
	default:
		log.Error("status change failed", "error", err)
		return nil, storageErr("updating item status", err)
	}
}

func (s *Service) find(ctx context.Context, filter store.ItemFilter) ([]model.Item, error) {
	found, err := s.repo.Find(ctx, filter, store.NewestFirst)
	if err != nil {
		s.logger.Error("listing items failed", "status", filter.Status, "reporter", filter.ReporterID, "error", err)
		return nil, storageErr("listing items", err)
	}
	if found == nil {
		found = []model.Item{}
	}
	return found, nil
}
